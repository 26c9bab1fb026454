// Package route is the command route: it decides whether a write is
// applied locally (this node is the Raft leader, or — for naming writes —
// owns the target service under distro partitioning) or must be
// forwarded to whichever node can apply it, over pkg/transport. The local
// apply path follows a marshal-command/submit-to-raft.Apply/translate-the
// -future's-error shape, extended to also forward to a remote
// leader/owner instead of only running in-process.
package route

import (
	"fmt"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/cfgmesh/cfgmesh/pkg/distro"
	"github.com/cfgmesh/cfgmesh/pkg/envelope"
	"github.com/cfgmesh/cfgmesh/pkg/errs"
	"github.com/cfgmesh/cfgmesh/pkg/namingstore"
	"github.com/cfgmesh/cfgmesh/pkg/raftcore"
	"github.com/cfgmesh/cfgmesh/pkg/transport"
	"github.com/cfgmesh/cfgmesh/pkg/types"
	"github.com/cfgmesh/cfgmesh/pkg/validate"
)

const (
	applySubjectPrefix  = "cfgmesh.route.apply."
	namingSubjectPrefix = "cfgmesh.route.naming."
)

// DefaultApplyTimeout bounds how long ApplyCommand blocks on the local
// Raft commit or a remote forward.
const DefaultApplyTimeout = 5 * time.Second

// Router wires the Raft core, the distro ownership table, and the naming
// store together behind a single "apply this write, wherever it needs to
// run" entry point.
type Router struct {
	nodeID uint64
	raft   *raftcore.Node
	trans  *transport.Transport
	distro *distro.Distro
	naming *namingstore.Store
}

// New returns a Router for nodeID.
func New(nodeID uint64, raft *raftcore.Node, trans *transport.Transport, d *distro.Distro, naming *namingstore.Store) *Router {
	return &Router{nodeID: nodeID, raft: raft, trans: trans, distro: d, naming: naming}
}

// Start subscribes to this node's inbound route subjects.
func (r *Router) Start() error {
	selfApply := applySubjectPrefix + strconv.FormatUint(r.nodeID, 10)
	if _, err := r.trans.HandleRequest(selfApply, func() any { return &envelope.RouteRequest{} }, r.handleApply); err != nil {
		return fmt.Errorf("subscribe route apply: %w", err)
	}
	selfNaming := namingSubjectPrefix + strconv.FormatUint(r.nodeID, 10)
	if _, err := r.trans.HandleRequest(selfNaming, func() any { return &envelope.NamingRouteRequest{} }, r.handleNaming); err != nil {
		return fmt.Errorf("subscribe route naming: %w", err)
	}
	return nil
}

// ApplyCommand submits cmd to the Raft leader, applying it locally if
// this node is the leader or forwarding it otherwise. Commands are
// validated at this boundary, before they ever reach the Raft log.
func (r *Router) ApplyCommand(cmd types.Command) error {
	if err := validateCommand(cmd); err != nil {
		return err
	}
	if r.raft.IsLeader() {
		return r.applyLocal(cmd)
	}

	leaderID := r.currentLeaderID()
	if leaderID == "" {
		return errs.NoLeader
	}
	req := &envelope.RouteRequest{Command: cmd}
	var resp envelope.RouteResponse
	if err := r.trans.Request(applySubjectPrefix+leaderID, req, &resp, DefaultApplyTimeout); err != nil {
		return fmt.Errorf("%w: %v", errs.ForwardTimeout, err)
	}
	if !resp.OK {
		if resp.Leader != "" {
			return fmt.Errorf("%w: leader moved to %s", errs.NoLeader, resp.Leader)
		}
		return fmt.Errorf("%w: %s", errs.Rejected, resp.Error)
	}
	return nil
}

// validateCommand runs the InvalidArgument checks that apply to cmd's op,
// decoding its payload only far enough to reach the key/content fields.
func validateCommand(cmd types.Command) error {
	switch cmd.Op {
	case types.OpConfigSet:
		var c types.ConfigSetCommand
		if err := cbor.Unmarshal(cmd.Data, &c); err != nil {
			return fmt.Errorf("%w: %v", errs.InvalidArgument, err)
		}
		if err := validate.ConfigKey(c.Key); err != nil {
			return err
		}
		return validate.ConfigContent(c.Content, c.ConfigType)
	case types.OpConfigDelete:
		var c types.ConfigDeleteCommand
		if err := cbor.Unmarshal(cmd.Data, &c); err != nil {
			return fmt.Errorf("%w: %v", errs.InvalidArgument, err)
		}
		return validate.ConfigKey(c.Key)
	case types.OpConfigFullValue:
		var c types.ConfigFullValueCommand
		if err := cbor.Unmarshal(cmd.Data, &c); err != nil {
			return fmt.Errorf("%w: %v", errs.InvalidArgument, err)
		}
		return validate.ConfigKey(c.Key)
	default:
		return nil
	}
}

func (r *Router) applyLocal(cmd types.Command) error {
	data, err := cbor.Marshal(cmd)
	if err != nil {
		return err
	}
	result, err := r.raft.Apply(data, DefaultApplyTimeout)
	if err != nil {
		return err
	}
	if applyErr, ok := result.(error); ok && applyErr != nil {
		return applyErr
	}
	return nil
}

func (r *Router) currentLeaderID() string {
	servers, err := r.raft.Configuration()
	if err != nil {
		return ""
	}
	leaderAddr := r.raft.LeaderAddr()
	if leaderAddr == "" {
		return ""
	}
	for _, srv := range servers {
		if string(srv.Address) == leaderAddr {
			return string(srv.ID)
		}
	}
	return ""
}

func (r *Router) handleApply(v any) any {
	req := v.(*envelope.RouteRequest)
	if !r.raft.IsLeader() {
		return &envelope.RouteResponse{OK: false, Error: errs.NoLeader.Error(), Leader: r.raft.LeaderAddr()}
	}
	if err := r.applyLocal(req.Command); err != nil {
		return &envelope.RouteResponse{OK: false, Error: err.Error()}
	}
	return &envelope.RouteResponse{OK: true}
}

// ApplyNaming performs a naming-store mutation, applying it locally if
// this node owns key under distro partitioning, or forwarding it to the
// node that does.
func (r *Router) ApplyNaming(req *envelope.NamingRouteRequest) error {
	if err := validate.ServiceKey(req.Key); err != nil {
		return err
	}
	if req.Op == "register" && req.Instance != nil {
		if err := validate.Instance(req.Instance); err != nil {
			return err
		}
	}
	if r.distro.IsOwner(req.Key) {
		return r.applyNamingLocal(req)
	}

	owner := distro.Owner(req.Key, r.ownerCandidates())
	var resp envelope.NamingRouteResponse
	if err := r.trans.Request(namingSubjectPrefix+strconv.FormatUint(owner, 10), req, &resp, DefaultApplyTimeout); err != nil {
		return fmt.Errorf("%w: %v", errs.ForwardTimeout, err)
	}
	if !resp.OK {
		return fmt.Errorf("%w: %s", errs.Rejected, resp.Error)
	}
	return nil
}

func (r *Router) ownerCandidates() []uint64 {
	servers, err := r.raft.Configuration()
	if err != nil {
		return nil
	}
	out := make([]uint64, 0, len(servers))
	for _, srv := range servers {
		id, err := strconv.ParseUint(string(srv.ID), 10, 64)
		if err == nil {
			out = append(out, id)
		}
	}
	return out
}

func (r *Router) applyNamingLocal(req *envelope.NamingRouteRequest) error {
	switch req.Op {
	case "register":
		return r.naming.Register(req.Instance)
	case "deregister":
		return r.naming.Deregister(types.InstanceKey{Service: req.Key, IP: req.InstanceIP, Port: req.InstancePort})
	case "beat":
		return r.naming.Beat(types.InstanceKey{Service: req.Key, IP: req.InstanceIP, Port: req.InstancePort}, req.NowMillis)
	default:
		return fmt.Errorf("%w: unknown naming route op %q", errs.InvalidArgument, req.Op)
	}
}

func (r *Router) handleNaming(v any) any {
	req := v.(*envelope.NamingRouteRequest)
	if !r.distro.IsOwner(req.Key) {
		return &envelope.NamingRouteResponse{OK: false, Error: "not owner"}
	}
	if err := r.applyNamingLocal(req); err != nil {
		return &envelope.NamingRouteResponse{OK: false, Error: err.Error()}
	}
	return &envelope.NamingRouteResponse{OK: true}
}
