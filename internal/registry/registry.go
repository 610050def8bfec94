// ABOUTME: In-memory routing table of live agent and operator connections
// ABOUTME: Last writer wins on reconnect; stale disconnects cannot evict newer entries

package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/omni-gateway/internal/auth"
)

// Handle is a live duplex connection. Implementations must be comparable
// (pointer types), since Unregister matches handles by identity.
type Handle interface {
	Emit(ctx context.Context, event string, data any) error
}

// Entry is a snapshot of one registered connection.
type Entry struct {
	PrincipalID string
	Handle      Handle
}

// Registry maps (role, principal id) to the principal's live connection.
type Registry struct {
	mu      sync.RWMutex
	entries map[auth.Role]map[string]Handle
	logger  *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	r := &Registry{logger: logger}
	r.Reset()
	return r
}

// Register inserts or replaces the entry for (role, principalID) and returns
// the handle it replaced, if any. The replaced connection is not closed here;
// its own lifecycle ends it and its later Unregister is a no-op.
func (r *Registry) Register(role auth.Role, principalID string, h Handle) Handle {
	r.mu.Lock()
	prev := r.entries[role][principalID]
	r.entries[role][principalID] = h
	total := len(r.entries[role])
	r.mu.Unlock()

	if prev != nil && prev != h {
		r.logger.Warn("connection replaced",
			"role", role.String(),
			"principal_id", principalID,
		)
	}
	r.logger.Info("connection registered",
		"role", role.String(),
		"principal_id", principalID,
		"total", total,
	)
	return prev
}

// Unregister removes the entry only if it still holds h.
// Returns true when the entry was removed.
func (r *Registry) Unregister(role auth.Role, principalID string, h Handle) bool {
	r.mu.Lock()
	current, ok := r.entries[role][principalID]
	removed := ok && current == h
	if removed {
		delete(r.entries[role], principalID)
	}
	total := len(r.entries[role])
	r.mu.Unlock()

	if !removed {
		r.logger.Debug("ignoring stale unregister",
			"role", role.String(),
			"principal_id", principalID,
		)
		return false
	}
	r.logger.Info("connection unregistered",
		"role", role.String(),
		"principal_id", principalID,
		"total", total,
	)
	return true
}

// Lookup returns the live connection for (role, principalID).
func (r *Registry) Lookup(role auth.Role, principalID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.entries[role][principalID]
	return h, ok
}

// Count returns the number of registered connections for role.
func (r *Registry) Count(role auth.Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[role])
}

// Entries returns a snapshot of the connections for role, sorted by
// principal id. Callers may emit on the handles without holding any lock.
func (r *Registry) Entries(role auth.Role) []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries[role]))
	for id, h := range r.entries[role] {
		out = append(out, Entry{PrincipalID: id, Handle: h})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PrincipalID < out[j].PrincipalID })
	return out
}

// Reset drops every entry. Used at process stop.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[auth.Role]map[string]Handle, len(auth.Roles))
	for _, role := range auth.Roles {
		r.entries[role] = make(map[string]Handle)
	}
}
