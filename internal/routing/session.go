// Package routing decides, per chat turn, whether to continue with the
// previously selected node, re-route to a sibling, or answer locally. It
// also owns the session store that makes those decisions sticky.
package routing

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// Turn is one message of a session's history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SessionState is the per-session routing context.
type SessionState struct {
	SessionID          string `json:"session_id"`
	UserID             string `json:"user_id,omitempty"`
	LastRoutedNodeSlug string `json:"last_routed_node_slug,omitempty"`
	History            []Turn `json:"history,omitempty"`
	UpdatedAtNs        int64  `json:"updated_at_ns"`
}

// maxHistoryTurns bounds the stored history; the policy window W is applied
// on read.
const maxHistoryTurns = 50

// Append records one message and trims the stored history.
func (s *SessionState) Append(role, content string) {
	s.History = append(s.History, Turn{Role: role, Content: content})
	if len(s.History) > maxHistoryTurns {
		s.History = s.History[len(s.History)-maxHistoryTurns:]
	}
	s.UpdatedAtNs = time.Now().UnixNano()
}

// RecentTurns returns the last window user/assistant exchanges.
func (s *SessionState) RecentTurns(window int) []Turn {
	if window <= 0 {
		return nil
	}
	keep := window * 2
	if len(s.History) <= keep {
		return s.History
	}
	return s.History[len(s.History)-keep:]
}

// Store persists session state between turns.
type Store interface {
	Get(ctx context.Context, sessionID string) (SessionState, bool, error)
	Put(ctx context.Context, state SessionState) error
	Delete(ctx context.Context, sessionID string) error
}

// Locker serializes turns per session: within a session the policy observes
// turns in arrival order, across sessions there is no ordering.
type Locker struct {
	locks *xsync.Map[string, *sync.Mutex]
}

// NewLocker returns an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: xsync.NewMap[string, *sync.Mutex]()}
}

// Lock acquires the session's mutex and returns its unlock.
func (l *Locker) Lock(sessionID string) func() {
	mu, _ := l.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// Forget drops the session's mutex, used when a session is deleted.
func (l *Locker) Forget(sessionID string) {
	l.locks.Delete(sessionID)
}

// Sweep drops mutexes whose sessions are gone from the store. The store
// expires entries on its own; this keeps the lock map from outliving them.
func (l *Locker) Sweep(alive func(sessionID string) bool) int {
	dropped := 0
	l.locks.Range(func(id string, _ *sync.Mutex) bool {
		if !alive(id) {
			l.locks.Delete(id)
			dropped++
		}
		return true
	})
	return dropped
}
