package volume

import (
	"sync"

	"github.com/dedupv1/dedupv1d/pkg/scsi"
)

// Session is immutable after creation and belongs to exactly one volume.
type Session struct {
	SessionID      uint64
	TargetName     string
	InitiatorName  string
	LUN            uint32
}

// sessionMap is a concurrent session_id -> *Session table. The session-id
// set itself is only mutated while the owning volume holds its write lock;
// lookups (FindSession) do not require it.
type sessionMap struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
}

func newSessionMap() *sessionMap {
	return &sessionMap{sessions: make(map[uint64]*Session)}
}

func (m *sessionMap) add(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = s
}

func (m *sessionMap) remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *sessionMap) find(id uint64) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *sessionMap) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *sessionMap) ids() []uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]uint64, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// unitAttentionMap is a concurrent session_id -> FIFO of pending results
// table. A non-empty FIFO short-circuits the next command on that session
// (ExecuteSCSICommand step 3).
type unitAttentionMap struct {
	mu     sync.Mutex
	queues map[uint64][]scsi.Result
}

func newUnitAttentionMap() *unitAttentionMap {
	return &unitAttentionMap{queues: make(map[uint64][]scsi.Result)}
}

func (m *unitAttentionMap) add(sessionID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[sessionID] = nil
}

func (m *unitAttentionMap) remove(sessionID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, sessionID)
}

// pushToAll enqueues result onto every session's FIFO. Used to deliver
// OPERATING CONDITIONS CHANGED after a maintenance flip, including one forced
// by a full chunk store.
func (m *unitAttentionMap) pushToAll(result scsi.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.queues {
		m.queues[id] = append(m.queues[id], result)
	}
}

// pop removes and returns the first pending result for a session, if any.
func (m *unitAttentionMap) pop(sessionID uint64) (scsi.Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[sessionID]
	if len(q) == 0 {
		return scsi.Result{}, false
	}
	result := q[0]
	m.queues[sessionID] = q[1:]
	return result, true
}
