package cooldown

import (
	"context"
	"sync"
	"time"
)

// Memory is the process-local Tracker.
type Memory struct {
	// Now is the clock; nil means time.Now.
	Now func() time.Time

	mu    sync.Mutex
	until map[string]time.Time
}

// NewMemory returns an empty in-memory tracker.
func NewMemory() *Memory {
	return &Memory{until: make(map[string]time.Time)}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Mark implements Tracker.
func (m *Memory) Mark(_ context.Context, recipient string, d time.Duration) error {
	if recipient == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.until == nil {
		m.until = make(map[string]time.Time)
	}
	m.until[recipient] = m.now().Add(d)
	return nil
}

// Until implements Tracker. Stale entries are dropped on read.
func (m *Memory) Until(_ context.Context, recipient string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.until[recipient]
	if !ok {
		return time.Time{}, false
	}
	if !u.After(m.now()) {
		delete(m.until, recipient)
		return time.Time{}, false
	}
	return u, true
}

// Active implements Tracker.
func (m *Memory) Active(_ context.Context) (map[string]time.Time, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]time.Time)
	for r, u := range m.until {
		if u.After(now) {
			out[r] = u
		} else {
			delete(m.until, r)
		}
	}
	return out, nil
}
