// Package types holds the wire-stable data model of cfgmesh: ConfigKey,
// ConfigValue, ServiceKey, Instance, Service, and the Raft Command union.
// Struct tags use cbor names so the on-disk framing in pkg/raftlog,
// pkg/raftsnap, and pkg/raftindex stays stable across releases (see
// DESIGN.md for why cbor stands in for protobuf here).
package types

import (
	"crypto/md5" //nolint:gosec // content fingerprint, not a security boundary
	"encoding/hex"

	"github.com/cfgmesh/cfgmesh/pkg/intern"
)

// ConfigType tags the syntax of a ConfigValue's content.
type ConfigType string

const (
	ConfigTypeText       ConfigType = "text"
	ConfigTypeJSON       ConfigType = "json"
	ConfigTypeXML        ConfigType = "xml"
	ConfigTypeYAML       ConfigType = "yaml"
	ConfigTypeHTML       ConfigType = "html"
	ConfigTypeProperties ConfigType = "properties"
	ConfigTypeTOML       ConfigType = "toml"
)

// DefaultHistoryCap is the bounded history length kept per config key.
const DefaultHistoryCap = 10

// ConfigKey identifies a configuration record. All three fields are
// interned so equal keys share backing strings.
type ConfigKey struct {
	Tenant string `cbor:"1,keyasint"`
	Group  string `cbor:"2,keyasint"`
	DataID string `cbor:"3,keyasint"`
}

// NewConfigKey interns tenant/group/dataId against the default pool.
func NewConfigKey(tenant, group, dataID string) ConfigKey {
	return ConfigKey{
		Tenant: intern.Default.String(tenant),
		Group:  intern.Default.String(group),
		DataID: intern.Default.String(dataID),
	}
}

// String renders k as "tenant::group::dataId", mirroring ServiceKey's
// log-friendly form.
func (k ConfigKey) String() string {
	return k.Tenant + "::" + k.Group + "::" + k.DataID
}

// HistoryEntry is one entry in a ConfigValue's bounded history ring.
type HistoryEntry struct {
	ID             uint64 `cbor:"1,keyasint"`
	Content        string `cbor:"2,keyasint"`
	OpTimeMillis   int64  `cbor:"3,keyasint"`
	OpUser         string `cbor:"4,keyasint"`
}

// ConfigValue is the current value plus a bounded history ring.
//
// Invariant: MD5 == hex(md5(Content)).
// Invariant: Histories is ordered by ascending ID, len(Histories) <= cap.
type ConfigValue struct {
	Content            string         `cbor:"1,keyasint"`
	MD5                string         `cbor:"2,keyasint"`
	ConfigType         ConfigType     `cbor:"3,keyasint"`
	Desc               string         `cbor:"4,keyasint"`
	LastModifiedMillis int64          `cbor:"5,keyasint"`
	Histories          []HistoryEntry `cbor:"6,keyasint"`
	CurrentHistoryID   uint64         `cbor:"7,keyasint"`
}

// MD5Hex returns the lowercase hex MD5 of content's UTF-8 bytes.
func MD5Hex(content string) string {
	sum := md5.Sum([]byte(content)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// historyCap is package-level so tests can shrink it; production code
// always uses DefaultHistoryCap via NewConfigValue/ApplySet.
var historyCap = DefaultHistoryCap

// NewConfigValue builds a fresh ConfigValue with a single history entry.
func NewConfigValue(content string, configType ConfigType, desc, opUser string, nowMillis int64, historyID uint64) *ConfigValue {
	return &ConfigValue{
		Content:            content,
		MD5:                MD5Hex(content),
		ConfigType:         configType,
		Desc:               desc,
		LastModifiedMillis: nowMillis,
		CurrentHistoryID:   historyID,
		Histories: []HistoryEntry{{
			ID:           historyID,
			Content:      content,
			OpTimeMillis: nowMillis,
			OpUser:       opUser,
		}},
	}
}

// ApplySet mutates v in place for a subsequent ConfigSet with the same key.
// Returns false (no-op) if content's md5 already matches the current value,
// per the apply contract's dedupe rule.
func (v *ConfigValue) ApplySet(content string, configType ConfigType, desc, opUser string, nowMillis int64, historyID uint64) bool {
	md5 := MD5Hex(content)
	if md5 == v.MD5 {
		return false
	}
	v.Content = content
	v.MD5 = md5
	if configType != "" {
		v.ConfigType = configType
	}
	if desc != "" {
		v.Desc = desc
	}
	v.LastModifiedMillis = nowMillis
	v.CurrentHistoryID = historyID
	v.Histories = append(v.Histories, HistoryEntry{
		ID:           historyID,
		Content:      content,
		OpTimeMillis: nowMillis,
		OpUser:       opUser,
	})
	if len(v.Histories) > historyCap {
		v.Histories = v.Histories[len(v.Histories)-historyCap:]
	}
	return true
}
