// Package envelope defines the transport-agnostic request/response
// wrappers cfgmesh's internal RPCs use: command routing to the Raft
// leader, naming ownership routing to the owning distro node, and the
// distro ping/claim/pull gossip messages. Those inter-node messages are
// cbor-encoded, consistent with the wire framing used by
// pkg/raftlog/pkg/raftsnap; the client-facing Request/Response envelopes
// below carry JSON payloads (see payloads.go).
package envelope

import "github.com/cfgmesh/cfgmesh/pkg/types"

// RouteRequest asks the receiving node to apply cmd on behalf of the
// sender, used when a follower needs the current Raft leader to commit a
// command it can't commit itself.
type RouteRequest struct {
	Command types.Command `cbor:"1,keyasint"`
}

// RouteResponse reports the outcome of a routed command apply.
type RouteResponse struct {
	OK      bool   `cbor:"1,keyasint"`
	Error   string `cbor:"2,keyasint"`
	Leader  string `cbor:"3,keyasint"` // set when Error indicates "not leader"
}

// NamingRouteRequest forwards a naming mutation (register/deregister/beat)
// to the node that owns key under the distro partitioning scheme.
type NamingRouteRequest struct {
	Op           string           `cbor:"1,keyasint"` // "register" | "deregister" | "beat"
	Key          types.ServiceKey `cbor:"2,keyasint"`
	Instance     *types.Instance  `cbor:"3,keyasint,omitempty"`
	InstanceIP   string           `cbor:"4,keyasint,omitempty"`
	InstancePort int              `cbor:"5,keyasint,omitempty"`
	NowMillis    int64            `cbor:"6,keyasint"`
}

// NamingRouteResponse reports the outcome of a routed naming mutation.
type NamingRouteResponse struct {
	OK    bool   `cbor:"1,keyasint"`
	Error string `cbor:"2,keyasint"`
}

// DistroPing announces the sender's service ownership digest so peers can
// detect missing or stale services without exchanging full instance
// lists on every tick.
type DistroPing struct {
	NodeID    uint64            `cbor:"1,keyasint"`
	ClusterID string            `cbor:"2,keyasint"`
	Digest    map[string]uint64 `cbor:"3,keyasint"` // ServiceKey.String() -> instance-set checksum
}

// DistroPull requests the full instance list for the given services from
// their owning node, after a ping digest mismatch.
type DistroPull struct {
	NodeID   uint64             `cbor:"1,keyasint"`
	Services []types.ServiceKey `cbor:"2,keyasint"`
}

// DistroPullResponse carries the requested services' full instance lists.
type DistroPullResponse struct {
	Services map[string][]*types.Instance `cbor:"1,keyasint"` // ServiceKey.String() -> instances
}

// DistroClaim asserts the sender owns key, sent when a ping's digest lists
// a service the sender computes as its own. Receivers log the claim; they
// do not drop or transfer any instances they hold for key.
type DistroClaim struct {
	NodeID uint64           `cbor:"1,keyasint"`
	Key    types.ServiceKey `cbor:"2,keyasint"`
}

// Request types the core consumes from an HTTP/gRPC/whatever transport,
// framed as {Type, JSON/binary Payload, Metadata}. Transport framing is
// out of scope; pkg/api.Handler.Dispatch is the boundary that decodes
// Payload according to Type and calls into the store/route/distro layer.
const (
	TypeConfigQuery        = "ConfigQuery"
	TypeConfigPublish      = "ConfigPublish"
	TypeConfigRemove       = "ConfigRemove"
	TypeConfigListen       = "ConfigListen"
	TypeConfigSubscribe    = "ConfigSubscribe"
	TypeConfigUnsubscribe  = "ConfigUnsubscribe"
	TypeInstanceRegister   = "InstanceRegister"
	TypeInstanceDeregister = "InstanceDeregister"
	TypeInstanceBeat       = "InstanceBeat"
	TypeInstanceQuery      = "InstanceQuery"
	TypeServicePage        = "ServicePage"
	TypeConfigPage         = "ConfigPage"
	TypeServiceSubscribe   = "ServiceSubscribe"
	TypeServiceUnsubscribe = "ServiceUnsubscribe"
)

// Request is the transport-agnostic envelope the core consumes: a type
// tag, a JSON or protobuf payload, and free-form metadata (auth tokens,
// trace ids -- whatever the transport layer wants to carry through).
type Request struct {
	Type     string            `json:"type"`
	Payload  []byte            `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Response mirrors Request.
type Response struct {
	Type     string            `json:"type"`
	Payload  []byte            `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
