package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cfgmesh/cfgmesh/pkg/bistream"
	"github.com/cfgmesh/cfgmesh/pkg/configstore"
	"github.com/cfgmesh/cfgmesh/pkg/distro"
	"github.com/cfgmesh/cfgmesh/pkg/envelope"
	"github.com/cfgmesh/cfgmesh/pkg/namingstore"
	"github.com/cfgmesh/cfgmesh/pkg/route"
	"github.com/cfgmesh/cfgmesh/pkg/types"
)

// newLocalHandler builds a Handler whose Router never needs Raft or a
// transport: distro is wired so nodeID owns every key, so ApplyNaming
// always takes its local-apply path. ApplyCommand (config writes) is
// untested here since it always consults raft.IsLeader(), the same
// limitation pkg/route's own tests document.
func newLocalHandler(t *testing.T) (*Handler, *configstore.Store, *namingstore.Store, *bistream.Manager) {
	t.Helper()
	configs := configstore.New()
	naming := namingstore.New()
	d := distro.New(1, "cluster-1", func() []uint64 { return []uint64{1} }, naming, nil)
	r := route.New(1, nil, nil, d, naming)
	bi := bistream.New(func(string, types.ServiceKey) bool { return true })
	h := New(configs, naming, r, bi)
	bi.SetCloseHandler(h.RemoveClient)
	return h, configs, naming, bi
}

func TestConfigQueryReturnsValue(t *testing.T) {
	h, configs, _, _ := newLocalHandler(t)
	key := types.NewConfigKey("t1", "DEFAULT_GROUP", "app.yaml")
	require.NoError(t, configs.ApplySet(key, "a: 1", types.ConfigTypeYAML, "", "alice", 1000, 1))

	payload, _ := json.Marshal(envelope.ConfigQueryPayload{DataID: "app.yaml", Group: "DEFAULT_GROUP", Tenant: "t1"})
	resp, err := h.Dispatch(context.Background(), envelope.Request{Type: envelope.TypeConfigQuery, Payload: payload}, nil)
	require.NoError(t, err)

	var result envelope.ConfigQueryResult
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	require.Equal(t, "a: 1", result.Content)
}

func TestConfigQueryNotFound(t *testing.T) {
	h, _, _, _ := newLocalHandler(t)
	payload, _ := json.Marshal(envelope.ConfigQueryPayload{DataID: "missing.yaml", Group: "DEFAULT_GROUP", Tenant: "t1"})
	_, err := h.Dispatch(context.Background(), envelope.Request{Type: envelope.TypeConfigQuery, Payload: payload}, nil)
	require.Error(t, err)
}

func TestConfigListenReturnsImmediateDiff(t *testing.T) {
	h, configs, _, _ := newLocalHandler(t)
	key := types.NewConfigKey("t1", "DEFAULT_GROUP", "app.yaml")
	require.NoError(t, configs.ApplySet(key, "a: 1", types.ConfigTypeYAML, "", "alice", 1000, 1))

	body := envelope.EncodeListenItems([]envelope.ListenItem{{DataID: "app.yaml", Group: "DEFAULT_GROUP", Tenant: "t1", MD5: "stale"}})
	resp, err := h.Dispatch(context.Background(), envelope.Request{Type: envelope.TypeConfigListen, Payload: body}, nil)
	require.NoError(t, err)

	items, err := envelope.DecodeListenItems(resp.Payload)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "app.yaml", items[0].DataID)
}

func TestConfigSubscribeThenRemoveClientCascades(t *testing.T) {
	h, configs, _, bi := newLocalHandler(t)
	key := types.NewConfigKey("t1", "DEFAULT_GROUP", "app.yaml")
	require.NoError(t, configs.ApplySet(key, "a: 1", types.ConfigTypeYAML, "", "alice", 1000, 1))

	subPayload, _ := json.Marshal(envelope.ConfigSubscribePayload{
		Items:    []envelope.ListenItem{{DataID: "app.yaml", Group: "DEFAULT_GROUP", Tenant: "t1", MD5: "stale"}},
		ClientID: "client-1",
	})
	resp, err := h.Dispatch(context.Background(), envelope.Request{Type: envelope.TypeConfigSubscribe, Payload: subPayload}, nil)
	require.NoError(t, err)

	var result envelope.ConfigSubscribeResult
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	require.Len(t, result.Changed, 1)

	notified := false
	configs.SetNotifyHandler(func(types.ConfigKey, []string) { notified = true })

	bi.Unregister("client-1")
	require.NoError(t, configs.ApplySet(key, "a: 2", types.ConfigTypeYAML, "", "alice", 2000, 2))
	require.False(t, notified)
}

func TestInstanceRegisterAndQuery(t *testing.T) {
	h, _, naming, _ := newLocalHandler(t)
	enabled := true
	regPayload, _ := json.Marshal(envelope.InstancePayload{
		NamespaceID: "public", GroupName: "DEFAULT_GROUP", ServiceName: "order-service",
		IP: "10.0.0.1", Port: 8080, Enabled: &enabled,
	})
	_, err := h.Dispatch(context.Background(), envelope.Request{Type: envelope.TypeInstanceRegister, Payload: regPayload}, nil)
	require.NoError(t, err)

	svcKey := types.NewServiceKey("public", "DEFAULT_GROUP", "order-service")
	svc, err := naming.Service(svcKey)
	require.NoError(t, err)
	require.Len(t, svc.Instances, 1)

	queryPayload, _ := json.Marshal(envelope.InstanceQueryPayload{NamespaceID: "public", GroupName: "DEFAULT_GROUP", ServiceName: "order-service"})
	resp, err := h.Dispatch(context.Background(), envelope.Request{Type: envelope.TypeInstanceQuery, Payload: queryPayload}, nil)
	require.NoError(t, err)

	var result envelope.InstanceQueryResult
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	require.Len(t, result.Hosts, 1)
	require.Equal(t, "10.0.0.1", result.Hosts[0].IP)
}

func TestServiceSubscribeRegistersWithBistream(t *testing.T) {
	h, _, naming, bi := newLocalHandler(t)
	key := types.NewServiceKey("public", "DEFAULT_GROUP", "order-service")

	payload, _ := json.Marshal(envelope.ServiceSubscribePayload{
		NamespaceID: "public", GroupName: "DEFAULT_GROUP", ServiceName: "order-service", ClientID: "client-1",
	})
	_, err := h.Dispatch(context.Background(), envelope.Request{Type: envelope.TypeServiceSubscribe, Payload: payload}, nil)
	require.NoError(t, err)

	require.Equal(t, 1, bi.ConnectionCount())
	require.Contains(t, naming.Subscribers(key), "client-1")
}

func TestConfigPageListsDataIDs(t *testing.T) {
	h, configs, _, _ := newLocalHandler(t)
	key := types.NewConfigKey("t1", "DEFAULT_GROUP", "app.yaml")
	require.NoError(t, configs.ApplySet(key, "a: 1", types.ConfigTypeYAML, "", "alice", 1000, 1))

	payload, _ := json.Marshal(envelope.ConfigPagePayload{Tenant: "t1", Group: "DEFAULT_GROUP", Limit: 10})
	resp, err := h.Dispatch(context.Background(), envelope.Request{Type: envelope.TypeConfigPage, Payload: payload}, nil)
	require.NoError(t, err)

	var result envelope.ConfigPageResult
	require.NoError(t, json.Unmarshal(resp.Payload, &result))
	require.Equal(t, []string{"app.yaml"}, result.DataIDs)
}

func TestDispatchRejectsUnknownType(t *testing.T) {
	h, _, _, _ := newLocalHandler(t)
	_, err := h.Dispatch(context.Background(), envelope.Request{Type: "bogus"}, nil)
	require.Error(t, err)
}
