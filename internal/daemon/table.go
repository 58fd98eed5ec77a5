package daemon

import (
	"sort"
	"sync"

	"github.com/antonkrylov/shellpool/internal/protocol"
)

// table maps session names to sessions. Its lock guards membership only
// and is never held across blocking I/O.
type table struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newTable() *table {
	return &table{sessions: make(map[string]*Session)}
}

// withLock runs fn with exclusive access to the membership map.
func (t *table) withLock(fn func(m map[string]*Session)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.sessions)
}

func (t *table) get(name string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[name]
}

func (t *table) remove(name string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessions[name]
	delete(t.sessions, name)
	return s
}

// removeIf deletes name only while it still maps to s, so a session that
// has been replaced by a fresh spawn is left alone.
func (t *table) removeIf(name string, s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.sessions[name]; ok && cur == s {
		delete(t.sessions, name)
		return true
	}
	return false
}

func (t *table) list() []protocol.Session {
	t.mu.Lock()
	out := make([]protocol.Session, 0, len(t.sessions))
	for name, s := range t.sessions {
		out = append(out, protocol.Session{Name: name, StartedAtUnixMs: s.startedAt.UnixMilli()})
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// drain empties the table and returns what it held.
func (t *table) drain() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.sessions))
	for name, s := range t.sessions {
		out = append(out, s)
		delete(t.sessions, name)
	}
	return out
}
