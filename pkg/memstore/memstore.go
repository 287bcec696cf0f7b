// Package memstore implements in-memory storage for elproxy.
package memstore

import (
	"sync"

	"github.com/w9cv/elproxy/pkg/proxy"
)

// SessionLog keeps the most recent finished sessions in memory.
type SessionLog struct {
	mu       sync.Mutex
	keep     int
	sessions []proxy.Session
	next     int
	total    uint64
}

// NewSessionLog creates a SessionLog retaining up to keep sessions, or a
// default of 256 if keep is not positive.
func NewSessionLog(keep int) *SessionLog {
	if keep <= 0 {
		keep = 256
	}
	return &SessionLog{keep: keep}
}

func (m *SessionLog) RecordSession(s proxy.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) < m.keep {
		m.sessions = append(m.sessions, s)
	} else {
		m.sessions[m.next] = s
	}
	m.next = (m.next + 1) % m.keep
	m.total++
	return nil
}

// Recent returns the retained sessions, newest first.
func (m *SessionLog) Recent() []proxy.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.sessions)
	out := make([]proxy.Session, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, m.sessions[((m.next-i)%n+n)%n])
	}
	return out
}

// Total counts every session ever recorded, including ones no longer
// retained.
func (m *SessionLog) Total() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}
