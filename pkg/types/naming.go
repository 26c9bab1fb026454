package types

import "github.com/cfgmesh/cfgmesh/pkg/intern"

// ServiceKey identifies a service. Interned like ConfigKey.
type ServiceKey struct {
	NamespaceID string `cbor:"1,keyasint"`
	GroupName   string `cbor:"2,keyasint"`
	ServiceName string `cbor:"3,keyasint"`
}

// NewServiceKey interns its fields against the default pool.
func NewServiceKey(namespaceID, groupName, serviceName string) ServiceKey {
	return ServiceKey{
		NamespaceID: intern.Default.String(namespaceID),
		GroupName:   intern.Default.String(groupName),
		ServiceName: intern.Default.String(serviceName),
	}
}

// String renders the canonical "namespace::group::service" form used for
// distro hashing and logging.
func (k ServiceKey) String() string {
	return k.NamespaceID + "::" + k.GroupName + "::" + k.ServiceName
}

// InstanceShortKey identifies an instance within a known service.
type InstanceShortKey struct {
	IP   string `cbor:"1,keyasint"`
	Port int    `cbor:"2,keyasint"`
}

// InstanceKey fully qualifies an instance.
type InstanceKey struct {
	Service ServiceKey `cbor:"1,keyasint"`
	IP      string     `cbor:"2,keyasint"`
	Port    int        `cbor:"3,keyasint"`
}

// Short projects an InstanceKey down to its InstanceShortKey.
func (k InstanceKey) Short() InstanceShortKey {
	return InstanceShortKey{IP: k.IP, Port: k.Port}
}

// UpdateTag carries "what to update" bits for an update call; unset bits
// mean "keep the old instance's value for this field" so SDK beats don't
// clobber console-set metadata.
type UpdateTag uint8

const (
	TagWeight UpdateTag = 1 << iota
	TagMetadata
	TagEnabled
	TagCluster
	TagAll = TagWeight | TagMetadata | TagEnabled | TagCluster
)

// Has reports whether bit is set in the tag.
func (t UpdateTag) Has(bit UpdateTag) bool { return t&bit != 0 }

// Instance is a single service-instance record.
//
// Invariant: enabled for health timeouts iff Ephemeral && !FromGRPC &&
// FromCluster == 0 (see TimeoutEligible).
type Instance struct {
	Key                InstanceKey       `cbor:"1,keyasint"`
	Weight             float32           `cbor:"2,keyasint"`
	Enabled            bool              `cbor:"3,keyasint"`
	Healthy            bool              `cbor:"4,keyasint"`
	Ephemeral          bool              `cbor:"5,keyasint"`
	ClusterName        string            `cbor:"6,keyasint"`
	Metadata           map[string]string `cbor:"7,keyasint"`
	LastModifiedMillis int64             `cbor:"8,keyasint"`
	RegisterTimeMillis int64             `cbor:"9,keyasint"`
	FromGRPC           bool              `cbor:"10,keyasint"`
	FromCluster        uint64            `cbor:"11,keyasint"`
	ClientID           string            `cbor:"12,keyasint"`
}

// TimeoutEligible reports whether this instance is subject to the health
// timeout wheels: only local-owned, non-grpc ephemeral instances are.
func (i *Instance) TimeoutEligible() bool {
	return i.Ephemeral && !i.FromGRPC && i.FromCluster == 0
}

// ShortKey is a convenience accessor for Key.Short().
func (i *Instance) ShortKey() InstanceShortKey { return i.Key.Short() }

// Service groups instances under a ServiceKey.
type Service struct {
	Key                ServiceKey
	Metadata           map[string]string
	ProtectThreshold   float32
	Instances          map[InstanceShortKey]*Instance
	InstanceMetaMap    map[InstanceShortKey]map[string]string // console-set overrides
}

// NewService returns an empty Service for key.
func NewService(key ServiceKey) *Service {
	return &Service{
		Key:             key,
		Instances:       make(map[InstanceShortKey]*Instance),
		InstanceMetaMap: make(map[InstanceShortKey]map[string]string),
	}
}

// Counts returns (healthyCount, totalCount) over enabled instances.
func (s *Service) Counts() (healthy, total int) {
	for _, inst := range s.Instances {
		if !inst.Enabled {
			continue
		}
		total++
		if inst.Healthy {
			healthy++
		}
	}
	return healthy, total
}

// ReachesProtectionThreshold reports whether the ratio of healthy to total
// enabled instances is below ProtectThreshold.
func (s *Service) ReachesProtectionThreshold() bool {
	healthy, total := s.Counts()
	if total == 0 {
		return false
	}
	return float32(healthy) < s.ProtectThreshold*float32(total)
}
