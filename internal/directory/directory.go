// Package directory resolves display names for groups and subjects.
package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/goodtune/voicetime/internal/feed"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultNameCacheSize bounds the number of remembered member names
const DefaultNameCacheSize = 4096

// Group is a tracked group and its display name.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Directory supplies display names at query time. Names are never
// persisted in the ledger.
type Directory interface {
	// Groups returns the known groups sorted by name, then ID.
	Groups() []Group
	// MemberName returns a subject's display name within group, or
	// "User <id>" when the subject is unknown.
	MemberName(group, subject string) string
}

// Memory is a Directory filled from configuration and from the names that
// arrive on presence transitions.
type Memory struct {
	mu     sync.RWMutex
	groups map[string]string
	names  *lru.Cache[string, string]
}

// NewMemory creates a directory seeded with static group names
func NewMemory(groups map[string]string, cacheSize int) (*Memory, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultNameCacheSize
	}
	names, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create name cache: %w", err)
	}

	m := &Memory{
		groups: make(map[string]string, len(groups)),
		names:  names,
	}
	for id, name := range groups {
		m.groups[id] = name
	}
	return m, nil
}

// SetGroup records a group's display name. An empty name registers the group
// under its ID unless it already has a name.
func (m *Memory) SetGroup(id, name string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "" {
		if _, ok := m.groups[id]; ok {
			return
		}
		name = id
	}
	m.groups[id] = name
}

// SetMember records a subject's display name within group.
func (m *Memory) SetMember(group, subject, name string) {
	if subject == "" || name == "" {
		return
	}
	m.names.Add(memberKey(group, subject), name)
}

// HandleTransition learns the names carried by a transition.
func (m *Memory) HandleTransition(ctx context.Context, t feed.Transition) {
	m.SetGroup(t.GroupID, t.GroupName)
	m.SetMember(t.GroupID, t.SubjectID, t.SubjectName)
}

// Groups returns the known groups sorted by name, then ID.
func (m *Memory) Groups() []Group {
	m.mu.RLock()
	groups := make([]Group, 0, len(m.groups))
	for id, name := range m.groups {
		groups = append(groups, Group{ID: id, Name: name})
	}
	m.mu.RUnlock()

	SortGroups(groups)
	return groups
}

// GroupName returns the display name of group, or its ID when unknown.
func (m *Memory) GroupName(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name, ok := m.groups[id]; ok {
		return name
	}
	return id
}

// MemberName returns a subject's display name
func (m *Memory) MemberName(group, subject string) string {
	if name, ok := m.names.Get(memberKey(group, subject)); ok {
		return name
	}
	return FallbackName(subject)
}

// FallbackName is the display name of a subject nobody has named.
func FallbackName(subject string) string {
	return "User " + subject
}

// SortGroups orders groups by name, then ID.
func SortGroups(groups []Group) {
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Name != groups[j].Name {
			return groups[i].Name < groups[j].Name
		}
		return groups[i].ID < groups[j].ID
	})
}

func memberKey(group, subject string) string {
	return group + "|" + subject
}
