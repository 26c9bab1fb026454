// Package api is the dispatch boundary the core exposes to whatever
// transport framing sits in front of it: it decodes an envelope.Request by
// its Type tag, calls into configstore/namingstore/route, and encodes an
// envelope.Response. HTTP/gRPC framing, auth, and the web console are the
// transport's problem; Dispatch only ever sees an already-decoded request
// and an already-authenticated usermeta.User (nil for internal/unauthenticated
// callers). Holds references to the components it drives, dispatching by
// a type-tag table rather than a single gRPC service interface, since
// cfgmesh's wire format isn't protobuf.
package api

import (
	"context"
	"crypto/sha1" //nolint:gosec // instance-set checksum, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/cfgmesh/cfgmesh/pkg/bistream"
	"github.com/cfgmesh/cfgmesh/pkg/configstore"
	"github.com/cfgmesh/cfgmesh/pkg/envelope"
	"github.com/cfgmesh/cfgmesh/pkg/errs"
	"github.com/cfgmesh/cfgmesh/pkg/namingstore"
	"github.com/cfgmesh/cfgmesh/pkg/route"
	"github.com/cfgmesh/cfgmesh/pkg/types"
	"github.com/cfgmesh/cfgmesh/pkg/usermeta"
	"github.com/cfgmesh/cfgmesh/pkg/validate"
)

// DefaultListenTimeout is used when a ConfigListen/ConfigSubscribe caller
// doesn't specify one.
const DefaultListenTimeout = 30 * time.Second

// MinListenTimeout and MaxListenTimeout clamp a client-supplied long-poll
// deadline to [10s, 120s], minus a safety margin so the response beats the
// client's own socket timeout.
const (
	MinListenTimeout   = 10 * time.Second
	MaxListenTimeout   = 120 * time.Second
	listenSafetyMargin = 500 * time.Millisecond
)

// Handler dispatches decoded envelope.Request values into the store/route
// layer. It holds no transport state of its own.
type Handler struct {
	configs *configstore.Store
	naming  *namingstore.Store
	router  *route.Router
	bi      *bistream.Manager
}

// New returns a Handler driving the given components.
func New(configs *configstore.Store, naming *namingstore.Store, router *route.Router, bi *bistream.Manager) *Handler {
	return &Handler{configs: configs, naming: naming, router: router, bi: bi}
}

// Dispatch decodes req.Payload according to req.Type, performs the
// operation (validating, then routing writes through pkg/route), and
// encodes the result into a Response. user is the already-authenticated
// principal, or nil for an internal/unauthenticated caller.
func (h *Handler) Dispatch(ctx context.Context, req envelope.Request, user *usermeta.User) (envelope.Response, error) {
	switch req.Type {
	case envelope.TypeConfigQuery:
		return h.configQuery(req)
	case envelope.TypeConfigPublish:
		return h.configPublish(req)
	case envelope.TypeConfigRemove:
		return h.configRemove(req)
	case envelope.TypeConfigListen:
		return h.configListen(ctx, req)
	case envelope.TypeConfigSubscribe:
		return h.configSubscribe(req, true)
	case envelope.TypeConfigUnsubscribe:
		return h.configSubscribe(req, false)
	case envelope.TypeInstanceRegister:
		return h.instanceRegister(req)
	case envelope.TypeInstanceDeregister:
		return h.instanceDeregister(req)
	case envelope.TypeInstanceBeat:
		return h.instanceBeat(req)
	case envelope.TypeInstanceQuery:
		return h.instanceQuery(req)
	case envelope.TypeServicePage:
		return h.servicePage(req, user)
	case envelope.TypeConfigPage:
		return h.configPage(req, user)
	case envelope.TypeServiceSubscribe:
		return h.serviceSubscribe(req, true)
	case envelope.TypeServiceUnsubscribe:
		return h.serviceSubscribe(req, false)
	default:
		return envelope.Response{}, fmt.Errorf("%w: unknown request type %q", errs.InvalidArgument, req.Type)
	}
}

func jsonResponse(typ string, v any) (envelope.Response, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return envelope.Response{}, err
	}
	return envelope.Response{Type: typ, Payload: buf}, nil
}

func (h *Handler) configQuery(req envelope.Request) (envelope.Response, error) {
	var p envelope.ConfigQueryPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return envelope.Response{}, fmt.Errorf("%w: %v", errs.InvalidArgument, err)
	}
	key := types.NewConfigKey(p.Tenant, p.Group, p.DataID)
	v, ok := h.configs.Get(key)
	if !ok {
		return envelope.Response{}, fmt.Errorf("%w: config %s", errs.NotFound, key)
	}
	return jsonResponse(envelope.TypeConfigQuery, envelope.ConfigQueryResult{
		Content:            v.Content,
		MD5:                v.MD5,
		ConfigType:         string(v.ConfigType),
		Desc:               v.Desc,
		LastModifiedMillis: v.LastModifiedMillis,
	})
}

func (h *Handler) configPublish(req envelope.Request) (envelope.Response, error) {
	var p envelope.ConfigPublishPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return envelope.Response{}, fmt.Errorf("%w: %v", errs.InvalidArgument, err)
	}
	key := types.NewConfigKey(p.Tenant, p.Group, p.DataID)
	if err := validate.ConfigKey(key); err != nil {
		return envelope.Response{}, err
	}
	configType := types.ConfigType(p.ConfigType)
	if err := validate.ConfigContent(p.Content, configType); err != nil {
		return envelope.Response{}, err
	}

	historyID := h.configs.NextHistoryID()
	cmd, err := marshalCommand(types.OpConfigSet, types.ConfigSetCommand{
		Key:        key,
		Content:    p.Content,
		ConfigType: configType,
		Desc:       p.Desc,
		HistoryID:  historyID,
		OpUser:     p.OpUser,
		NowMillis:  time.Now().UnixMilli(),
	})
	if err != nil {
		return envelope.Response{}, err
	}
	if err := h.router.ApplyCommand(cmd); err != nil {
		return envelope.Response{}, err
	}
	return envelope.Response{Type: envelope.TypeConfigPublish}, nil
}

func (h *Handler) configRemove(req envelope.Request) (envelope.Response, error) {
	var p envelope.ConfigRemovePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return envelope.Response{}, fmt.Errorf("%w: %v", errs.InvalidArgument, err)
	}
	key := types.NewConfigKey(p.Tenant, p.Group, p.DataID)
	cmd, err := marshalCommand(types.OpConfigDelete, types.ConfigDeleteCommand{Key: key})
	if err != nil {
		return envelope.Response{}, err
	}
	if err := h.router.ApplyCommand(cmd); err != nil {
		return envelope.Response{}, err
	}
	return envelope.Response{Type: envelope.TypeConfigRemove}, nil
}

func marshalCommand(op types.CommandOp, payload any) (types.Command, error) {
	data, err := cbor.Marshal(payload)
	if err != nil {
		return types.Command{}, err
	}
	return types.Command{Op: op, Data: data}, nil
}

// clampListenTimeout enforces the absolute long-poll deadline bounds.
func clampListenTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return DefaultListenTimeout
	}
	if requested < MinListenTimeout {
		requested = MinListenTimeout
	}
	if requested > MaxListenTimeout {
		requested = MaxListenTimeout
	}
	d := requested - listenSafetyMargin
	if d <= 0 {
		return requested
	}
	return d
}

// configListen implements the ConfigListen long-poll request: every item
// whose current md5 already differs from the client's last-known md5 is
// reported immediately; otherwise the request parks on the first pending
// item only, replying when that item changes or empty at the (clamped)
// deadline. A change to any other pending item does not wake the request.
func (h *Handler) configListen(ctx context.Context, req envelope.Request) (envelope.Response, error) {
	items, err := envelope.DecodeListenItems(req.Payload)
	if err != nil {
		return envelope.Response{}, fmt.Errorf("%w: %v", errs.InvalidArgument, err)
	}
	timeout := clampListenTimeout(DefaultListenTimeout)
	if v := req.Metadata["timeoutMillis"]; v != "" {
		var ms int64
		if _, err := fmt.Sscanf(v, "%d", &ms); err == nil {
			timeout = clampListenTimeout(time.Duration(ms) * time.Millisecond)
		}
	}

	var changed []envelope.ListenItem
	var pending []envelope.ListenItem
	for _, it := range items {
		key := types.NewConfigKey(it.Tenant, it.Group, it.DataID)
		if v, ok := h.configs.Get(key); ok {
			if v.MD5 != it.MD5 {
				changed = append(changed, it)
				continue
			}
		} else if it.MD5 != "" {
			changed = append(changed, it)
			continue
		}
		pending = append(pending, it)
	}
	if len(changed) > 0 || len(pending) == 0 {
		return envelope.Response{Type: envelope.TypeConfigListen, Payload: envelope.EncodeListenItems(changed)}, nil
	}

	// Park on the first pending item only; the other pending items have no
	// listener registered and their changes do not wake this request.
	first := pending[0]
	key := types.NewConfigKey(first.Tenant, first.Group, first.DataID)
	woken := h.configs.Listen(ctx.Done(), key, first.MD5, timeout)
	if !woken {
		return envelope.Response{Type: envelope.TypeConfigListen, Payload: envelope.EncodeListenItems(nil)}, nil
	}
	v, _ := h.configs.Get(key)
	md5 := ""
	if v != nil {
		md5 = v.MD5
	}
	return envelope.Response{
		Type:    envelope.TypeConfigListen,
		Payload: envelope.EncodeListenItems([]envelope.ListenItem{{DataID: first.DataID, Group: first.Group, Tenant: first.Tenant, MD5: md5}}),
	}, nil
}

func (h *Handler) configSubscribe(req envelope.Request, subscribe bool) (envelope.Response, error) {
	var p envelope.ConfigSubscribePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return envelope.Response{}, fmt.Errorf("%w: %v", errs.InvalidArgument, err)
	}
	clientID := p.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	if h.bi != nil && subscribe {
		h.bi.Register(clientID)
	}

	keys := make([]types.ConfigKey, 0, len(p.Items))
	md5Of := make(map[types.ConfigKey]string, len(p.Items))
	for _, it := range p.Items {
		key := types.NewConfigKey(it.Tenant, it.Group, it.DataID)
		keys = append(keys, key)
		md5Of[key] = it.MD5
		if h.bi != nil {
			if subscribe {
				h.bi.ConfigSubscribe(clientID, key)
			} else {
				h.bi.ConfigUnsubscribe(clientID, key)
			}
		}
	}

	if !subscribe {
		h.configs.Unsubscribe(keys, clientID)
		return envelope.Response{Type: envelope.TypeConfigUnsubscribe}, nil
	}

	changedKeys := h.configs.Subscribe(keys, md5Of, clientID)
	changed := make([]envelope.ListenItem, 0, len(changedKeys))
	for _, key := range changedKeys {
		v, _ := h.configs.Get(key)
		md5 := ""
		if v != nil {
			md5 = v.MD5
		}
		changed = append(changed, envelope.ListenItem{DataID: key.DataID, Group: key.Group, Tenant: key.Tenant, MD5: md5})
	}
	return jsonResponse(envelope.TypeConfigSubscribe, envelope.ConfigSubscribeResult{Changed: changed})
}

// RemoveClient cascades a closed stream's removal into every subscriber
// registry. Wired as the bi-stream manager's CloseHandler.
func (h *Handler) RemoveClient(clientID string) {
	h.configs.RemoveSubscribeClient(clientID)
	h.naming.RemoveSubscribeClient(clientID)
}

func (h *Handler) serviceSubscribe(req envelope.Request, subscribe bool) (envelope.Response, error) {
	var p envelope.ServiceSubscribePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return envelope.Response{}, fmt.Errorf("%w: %v", errs.InvalidArgument, err)
	}
	clientID := p.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	key := types.NewServiceKey(p.NamespaceID, p.GroupName, p.ServiceName)

	if subscribe {
		h.naming.Subscribe(key, clientID)
		if h.bi != nil {
			h.bi.Register(clientID)
			h.bi.Subscribe(clientID, key)
		}
		return envelope.Response{Type: envelope.TypeServiceSubscribe}, nil
	}
	h.naming.Unsubscribe(key, clientID)
	if h.bi != nil {
		h.bi.Unsubscribe(clientID, key)
	}
	return envelope.Response{Type: envelope.TypeServiceUnsubscribe}, nil
}

func (h *Handler) instanceRegister(req envelope.Request) (envelope.Response, error) {
	var p envelope.InstancePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return envelope.Response{}, fmt.Errorf("%w: %v", errs.InvalidArgument, err)
	}
	key := types.NewServiceKey(p.NamespaceID, p.GroupName, p.ServiceName)
	if err := validate.ServiceKey(key); err != nil {
		return envelope.Response{}, err
	}
	weight := p.Weight
	if weight <= 0 {
		weight = 1
	}
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	now := p.NowMillis
	if now == 0 {
		now = time.Now().UnixMilli()
	}
	inst := &types.Instance{
		Key:                types.InstanceKey{Service: key, IP: p.IP, Port: p.Port},
		Weight:             weight,
		Enabled:            enabled,
		Healthy:            true,
		Ephemeral:          p.Ephemeral,
		ClusterName:        p.ClusterName,
		Metadata:           p.Metadata,
		LastModifiedMillis: now,
		RegisterTimeMillis: now,
		FromGRPC:           p.FromGRPC,
		ClientID:           p.ClientID,
	}
	if err := validate.Instance(inst); err != nil {
		return envelope.Response{}, err
	}
	if err := h.router.ApplyNaming(&envelope.NamingRouteRequest{Op: "register", Key: key, Instance: inst, NowMillis: now}); err != nil {
		return envelope.Response{}, err
	}
	return envelope.Response{Type: envelope.TypeInstanceRegister}, nil
}

func (h *Handler) instanceDeregister(req envelope.Request) (envelope.Response, error) {
	var p envelope.InstancePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return envelope.Response{}, fmt.Errorf("%w: %v", errs.InvalidArgument, err)
	}
	key := types.NewServiceKey(p.NamespaceID, p.GroupName, p.ServiceName)
	req2 := &envelope.NamingRouteRequest{Op: "deregister", Key: key, InstanceIP: p.IP, InstancePort: p.Port}
	if err := h.router.ApplyNaming(req2); err != nil {
		return envelope.Response{}, err
	}
	return envelope.Response{Type: envelope.TypeInstanceDeregister}, nil
}

func (h *Handler) instanceBeat(req envelope.Request) (envelope.Response, error) {
	var p envelope.InstancePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return envelope.Response{}, fmt.Errorf("%w: %v", errs.InvalidArgument, err)
	}
	key := types.NewServiceKey(p.NamespaceID, p.GroupName, p.ServiceName)
	now := p.NowMillis
	if now == 0 {
		now = time.Now().UnixMilli()
	}
	req2 := &envelope.NamingRouteRequest{Op: "beat", Key: key, InstanceIP: p.IP, InstancePort: p.Port, NowMillis: now}
	if err := h.router.ApplyNaming(req2); err != nil {
		return envelope.Response{}, err
	}
	return envelope.Response{Type: envelope.TypeInstanceBeat}, nil
}

func (h *Handler) instanceQuery(req envelope.Request) (envelope.Response, error) {
	var p envelope.InstanceQueryPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return envelope.Response{}, fmt.Errorf("%w: %v", errs.InvalidArgument, err)
	}
	key := types.NewServiceKey(p.NamespaceID, p.GroupName, p.ServiceName)
	result, err := h.naming.Query(key, p.Clusters, p.HealthyOnly)
	if err != nil {
		return envelope.Response{}, err
	}

	hosts := make([]envelope.InstanceView, 0, len(result.Instances))
	for _, inst := range result.Instances {
		hosts = append(hosts, envelope.InstanceView{
			IP:          inst.Key.IP,
			Port:        inst.Key.Port,
			Weight:      inst.Weight,
			Enabled:     inst.Enabled,
			Healthy:     inst.Healthy,
			Ephemeral:   inst.Ephemeral,
			ClusterName: inst.ClusterName,
			Metadata:    inst.Metadata,
		})
	}
	return jsonResponse(envelope.TypeInstanceQuery, envelope.InstanceQueryResult{
		Hosts:                    hosts,
		ReachProtectionThreshold: result.Degraded,
		Checksum:                 checksumHosts(hosts),
		LastRefTimeMillis:        time.Now().UnixMilli(),
		CacheMillis:              10000,
	})
}

// checksumHosts is a stable fingerprint of an InstanceQuery response,
// exposed to clients that want to short-circuit re-parsing an unchanged
// host list, the way Nacos's own "checksum" field works.
func checksumHosts(hosts []envelope.InstanceView) string {
	keys := make([]string, len(hosts))
	for i, h := range hosts {
		keys[i] = fmt.Sprintf("%s:%d:%t:%t", h.IP, h.Port, h.Enabled, h.Healthy)
	}
	sort.Strings(keys)
	sum := sha1.New() //nolint:gosec
	for _, k := range keys {
		sum.Write([]byte(k))
	}
	return hex.EncodeToString(sum.Sum(nil))
}

func (h *Handler) servicePage(req envelope.Request, user *usermeta.User) (envelope.Response, error) {
	var p envelope.ServicePagePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return envelope.Response{}, fmt.Errorf("%w: %v", errs.InvalidArgument, err)
	}
	keys := h.naming.PageServices(user, p.NamespaceID, p.Like, p.Offset, p.Limit)
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.ServiceName
	}
	return jsonResponse(envelope.TypeServicePage, envelope.ServicePageResult{Count: len(names), Services: names})
}

func (h *Handler) configPage(req envelope.Request, user *usermeta.User) (envelope.Response, error) {
	var p envelope.ConfigPagePayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return envelope.Response{}, fmt.Errorf("%w: %v", errs.InvalidArgument, err)
	}
	ids := h.configs.ListGuarded(user, p.Tenant, p.Group, p.Like, p.Offset, p.Limit)
	return jsonResponse(envelope.TypeConfigPage, envelope.ConfigPageResult{Count: len(ids), DataIDs: ids})
}
