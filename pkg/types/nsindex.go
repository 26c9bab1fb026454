package types

import (
	"sort"
	"strings"
)

// GroupIndex is a two-level map: namespace/tenant -> group -> sorted set of
// names (serviceName for NamespaceIndex, dataId for TenantIndex). Supports
// prefix and fuzzy pagination.
type GroupIndex struct {
	byKey map[string]map[string]map[string]struct{}
}

// NewGroupIndex returns an empty index.
func NewGroupIndex() *GroupIndex {
	return &GroupIndex{byKey: make(map[string]map[string]map[string]struct{})}
}

// Add registers name under (key, group).
func (idx *GroupIndex) Add(key, group, name string) {
	groups, ok := idx.byKey[key]
	if !ok {
		groups = make(map[string]map[string]struct{})
		idx.byKey[key] = groups
	}
	names, ok := groups[group]
	if !ok {
		names = make(map[string]struct{})
		groups[group] = names
	}
	names[name] = struct{}{}
}

// Remove unregisters name from (key, group); prunes empty groups/keys.
func (idx *GroupIndex) Remove(key, group, name string) {
	groups, ok := idx.byKey[key]
	if !ok {
		return
	}
	names, ok := groups[group]
	if !ok {
		return
	}
	delete(names, name)
	if len(names) == 0 {
		delete(groups, group)
	}
	if len(groups) == 0 {
		delete(idx.byKey, key)
	}
}

// Contains reports whether name is registered under (key, group).
func (idx *GroupIndex) Contains(key, group, name string) bool {
	groups, ok := idx.byKey[key]
	if !ok {
		return false
	}
	names, ok := groups[group]
	if !ok {
		return false
	}
	_, ok = names[name]
	return ok
}

// Page returns a sorted, paginated, optionally-like-filtered slice of names
// under (key, group). Pass "" for group to match every group under key.
func (idx *GroupIndex) Page(key, group, like string, offset, limit int) []string {
	groups, ok := idx.byKey[key]
	if !ok {
		return nil
	}

	var all []string
	collect := func(names map[string]struct{}) {
		for n := range names {
			if like == "" || strings.Contains(n, like) {
				all = append(all, n)
			}
		}
	}
	if group == "" {
		for _, names := range groups {
			collect(names)
		}
	} else if names, ok := groups[group]; ok {
		collect(names)
	}

	sort.Strings(all)
	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}
