package evolution

import (
	"errors"
	"sync"
)

// ErrLockContention signals that another execution path already owns an
// evolution id. It is a skip-this-cycle signal, not a failure.
var ErrLockContention = errors.New("evolution already in progress")

// LockManager guards each evolution id so the scheduled sweep and on-demand
// triggers never drive the same record concurrently. TryAcquire never
// blocks; a contended caller skips its cycle instead of stalling the sweep.
type LockManager struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLockManager creates an empty lock set.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for an evolution id. It returns false when the
// id is already held elsewhere.
func (m *LockManager) TryAcquire(evolutionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.held[evolutionID]; taken {
		return false
	}
	m.held[evolutionID] = struct{}{}
	return true
}

// Release frees the lock for an evolution id. Releasing an unheld id is a
// no-op.
func (m *LockManager) Release(evolutionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, evolutionID)
}

// Held reports whether an id is currently locked.
func (m *LockManager) Held(evolutionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, taken := m.held[evolutionID]
	return taken
}
