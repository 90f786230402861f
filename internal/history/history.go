// Package history provides the in-memory store of completed SMTP sessions.
package history

import (
	"context"
	"sync"

	"github.com/smtpsink/smtpsink/internal/mail"
	"github.com/smtpsink/smtpsink/internal/sink"
)

// Store is a thread-safe, append-only store of completed connections.
// Entries are kept in session-completion order. A single mutex guards
// append, snapshot and clear; it is held only for the in-memory operation,
// never across serialization or network I/O.
type Store struct {
	mu    sync.Mutex
	conns []mail.Connection
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{}
}

// Append adds a completed connection to the end of the history. A nil
// message list is stored as empty so list responses serialize it as [].
func (s *Store) Append(conn mail.Connection) {
	if conn.Messages == nil {
		conn.Messages = []mail.Message{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns = append(s.conns, conn)
}

// Snapshot returns a point-in-time copy of the history. The returned slice
// is independent of the store; callers may serialize it without locking.
// Connection records are immutable, so the copy is shallow per entry.
func (s *Store) Snapshot() []mail.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mail.Connection, len(s.conns))
	copy(out, s.conns)
	return out
}

// Clear removes all stored connections.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns = nil
}

// Count returns the number of stored connections.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Record implements sink.Sink by appending the connection.
func (s *Store) Record(_ context.Context, conn *mail.Connection) error {
	s.Append(*conn)
	return nil
}

// Name implements sink.Sink.
func (s *Store) Name() string {
	return "history"
}

// Ensure Store implements sink.Sink.
var _ sink.Sink = (*Store)(nil)
