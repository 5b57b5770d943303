package engine

import "sync"

// mailbox is a single slot holding the newest pending observation.
type mailbox struct {
	mu  sync.Mutex
	obs *Observation
}

// put stores o replacing any pending observation.
// It returns true if a pending observation was dropped.
func (m *mailbox) put(o Observation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := m.obs != nil
	m.obs = &o

	return dropped
}

// take removes and returns the pending observation.
func (m *mailbox) take() (Observation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.obs == nil {
		return Observation{}, false
	}
	o := *m.obs
	m.obs = nil

	return o, true
}

// restore puts o back unless a newer observation arrived in the meantime.
func (m *mailbox) restore(o Observation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.obs != nil {
		return false
	}
	m.obs = &o

	return true
}

// pending reports whether an observation is waiting.
func (m *mailbox) pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.obs != nil
}
