package types

// CommandOp tags the Command union applied by the state machine.
type CommandOp string

const (
	OpConfigSet       CommandOp = "config_set"
	OpConfigDelete    CommandOp = "config_delete"
	OpConfigFullValue CommandOp = "config_full_value"
	OpTableSet        CommandOp = "table_set"
	OpTableRemove     CommandOp = "table_remove"
	OpNamespaceUpdate CommandOp = "namespace_update"
	OpNodeAddr        CommandOp = "node_addr"
)

// Command is the tagged union carried by every Raft log Normal entry.
// Data is cbor-encoded and interpreted according to Op.
type Command struct {
	Op   CommandOp `cbor:"1,keyasint"`
	Data []byte    `cbor:"2,keyasint"`
}

// ConfigSetCommand is the Data payload for OpConfigSet.
type ConfigSetCommand struct {
	Key        ConfigKey  `cbor:"1,keyasint"`
	Content    string     `cbor:"2,keyasint"`
	ConfigType ConfigType `cbor:"3,keyasint"`
	Desc       string     `cbor:"4,keyasint"`
	HistoryID  uint64     `cbor:"5,keyasint"`
	OpUser     string     `cbor:"6,keyasint"`
	NowMillis  int64      `cbor:"7,keyasint"`
}

// ConfigDeleteCommand is the Data payload for OpConfigDelete.
type ConfigDeleteCommand struct {
	Key ConfigKey `cbor:"1,keyasint"`
}

// ConfigFullValueCommand is the Data payload for OpConfigFullValue (import).
type ConfigFullValueCommand struct {
	Key        ConfigKey      `cbor:"1,keyasint"`
	Value      ConfigValue    `cbor:"2,keyasint"`
	LastSeqID  uint64         `cbor:"3,keyasint"`
}

// TableCommand is the Data payload for OpTableSet / OpTableRemove.
type TableCommand struct {
	Table string `cbor:"1,keyasint"`
	Key   string `cbor:"2,keyasint"`
	Value []byte `cbor:"3,keyasint"` // absent for TableRemove
}

// NodeAddrCommand is the Data payload for OpNodeAddr.
type NodeAddrCommand struct {
	NodeID  uint64 `cbor:"1,keyasint"`
	Address string `cbor:"2,keyasint"`
}

// LogEntryKind discriminates RaftLogEntry.Payload.
type LogEntryKind uint8

const (
	LogBlank LogEntryKind = iota
	LogNormal
	LogConfigChange
	LogSnapshotPointer
)

// Membership is the set of voting node IDs, used both as current
// configuration and (during joint consensus) the post-change configuration.
type Membership struct {
	Members             []uint64 `cbor:"1,keyasint"`
	MembersAfterConsensus []uint64 `cbor:"2,keyasint"`
}

// RaftLogEntry is the discriminated log record shape of the data model.
// LogConfigChange/SnapshotPointer describe the same information
// hashicorp/raft surfaces through its own Configuration/InstallSnapshot
// callbacks. pkg/raftlog does not store this type: its segments hold
// raftlog.Record values mirroring hashicorp/raft's raft.Log.
type RaftLogEntry struct {
	Term    uint64       `cbor:"1,keyasint"`
	Index   uint64       `cbor:"2,keyasint"`
	Kind    LogEntryKind `cbor:"3,keyasint"`
	Command Command      `cbor:"4,keyasint"` // valid when Kind == LogNormal
	Config  Membership   `cbor:"5,keyasint"` // valid when Kind == LogConfigChange
}
