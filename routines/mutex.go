package routines

import "sync"

// Mutex is a routine-aware mutual exclusion lock. Contended acquisition
// parks the calling routine instead of blocking its worker; unlock hands
// the mutex to the oldest waiter.
//
// The zero Mutex is unlocked and ready to use.
type Mutex struct {
	guard     sync.Mutex
	locked    bool
	suspended SuspendedRoutineQueue
}

// Lock acquires the mutex, parking the caller while it is held
// elsewhere.
func (m *Mutex) Lock() {
	m.guard.Lock()
	if !m.locked {
		m.locked = true
		m.guard.Unlock()
		return
	}
	// Ownership is handed to us by Unlock before we are resumed.
	m.suspended.Park(&m.guard)
}

// TryLock acquires the mutex without parking and reports success.
func (m *Mutex) TryLock() bool {
	m.guard.Lock()
	defer m.guard.Unlock()
	if m.locked {
		return false
	}
	m.locked = true
	return true
}

// Unlock releases the mutex, waking the oldest waiter if any. The mutex
// stays locked across a handoff so no barger can slip in between.
func (m *Mutex) Unlock() {
	m.guard.Lock()
	if m.suspended.ResumeFront() {
		m.guard.Unlock()
		return
	}
	m.locked = false
	m.guard.Unlock()
}

// RecursiveMutex is a routine-aware lock that the owning routine may
// acquire multiple times. Each Lock must be balanced by an Unlock; the
// final Unlock hands the lock to the oldest waiter.
//
// The zero RecursiveMutex is unlocked and ready to use.
type RecursiveMutex struct {
	guard     sync.Mutex
	owner     uint64
	depth     int
	suspended SuspendedRoutineQueue
}

// Lock acquires the mutex. The owner re-locking only increments the
// depth; everyone else parks until the lock is handed to them.
func (m *RecursiveMutex) Lock() {
	token := currentToken()
	m.guard.Lock()
	if m.owner == token {
		m.depth++
		m.guard.Unlock()
		return
	}
	if m.owner == 0 {
		m.owner = token
		m.depth = 1
		m.guard.Unlock()
		return
	}
	// Unlock transfers ownership to our token before resuming us.
	m.suspended.Park(&m.guard)
}

// Unlock releases one level of the lock. Unlocking a mutex not owned by
// the caller panics.
func (m *RecursiveMutex) Unlock() {
	token := currentToken()
	m.guard.Lock()
	if m.owner != token || m.depth == 0 {
		m.guard.Unlock()
		panic("routines: unlock of a recursive mutex not held by the caller")
	}
	m.depth--
	if m.depth > 0 {
		m.guard.Unlock()
		return
	}
	if n := m.suspended.PopFront(); n != nil {
		m.owner = n.Token
		m.depth = 1
		m.guard.Unlock()
		n.Resume()
		return
	}
	m.owner = 0
	m.guard.Unlock()
}
