// Package usermeta models the generic KV tables apply into: users,
// namespaces, and their privilege groups. Privilege checks are shared
// between config-tenant access and naming-namespace access via a single
// generic type, per SPEC_FULL's supplemented PrivilegeGroup<T>.
package usermeta

// Flags are the bitflags controlling a PrivilegeGroup's check_permission.
type Flags uint8

const (
	FlagEnable         Flags = 1 << iota
	FlagWhitelistIsAll       // whitelist is universal: every key passes
	FlagBlacklistIsAll       // blacklist is universal: every key is denied
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }

// PrivilegeGroup gates access to resources keyed by T (a tenant or
// namespace id string, as User uses it). check_permission(k) = in_whitelist(k) &&
// !in_blacklist(k), with the ALL flags short-circuiting membership tests.
type PrivilegeGroup[T comparable] struct {
	Flags     Flags
	Whitelist map[T]struct{}
	Blacklist map[T]struct{}
}

// NewPrivilegeGroup returns an enabled, empty group.
func NewPrivilegeGroup[T comparable]() *PrivilegeGroup[T] {
	return &PrivilegeGroup[T]{
		Flags:     FlagEnable,
		Whitelist: make(map[T]struct{}),
		Blacklist: make(map[T]struct{}),
	}
}

func (g *PrivilegeGroup[T]) inWhitelist(k T) bool {
	if g.Flags.has(FlagWhitelistIsAll) {
		return true
	}
	_, ok := g.Whitelist[k]
	return ok
}

func (g *PrivilegeGroup[T]) inBlacklist(k T) bool {
	if g.Flags.has(FlagBlacklistIsAll) {
		return true
	}
	_, ok := g.Blacklist[k]
	return ok
}

// CheckPermission reports whether k is permitted under this group. A
// disabled group (FlagEnable unset) permits nothing.
func (g *PrivilegeGroup[T]) CheckPermission(k T) bool {
	if !g.Flags.has(FlagEnable) {
		return false
	}
	return g.inWhitelist(k) && !g.inBlacklist(k)
}

// AllowWhitelist adds k to the whitelist.
func (g *PrivilegeGroup[T]) AllowWhitelist(k T) { g.Whitelist[k] = struct{}{} }

// DenyBlacklist adds k to the blacklist.
func (g *PrivilegeGroup[T]) DenyBlacklist(k T) { g.Blacklist[k] = struct{}{} }

// User is an authenticated principal with roles and per-namespace and
// per-tenant privilege groups, resolved against the generic Table store.
type User struct {
	Username string
	Roles    []string
	// NamespacePrivileges and TenantPrivileges key on the ServiceKey's
	// NamespaceID / ConfigKey's Tenant field respectively.
	NamespacePrivileges *PrivilegeGroup[string]
	TenantPrivileges    *PrivilegeGroup[string]
}

// Namespace is a generic-table record describing a config/naming tenant.
type Namespace struct {
	ID          string
	Name        string
	Description string
}
