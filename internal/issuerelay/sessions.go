package issuerelay

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultMaxEntriesPerSession = 1000

// SessionManager is the lifecycle authority for all sessions. The manager
// mutex guards collection membership; each record carries its own mutex so
// operations on the same session id are serialized without blocking
// unrelated sessions.
type SessionManager struct {
	mu         sync.RWMutex
	records    map[string]*sessionRecord
	archived   map[string]Session
	maxEntries int
	onChange   func()
}

type sessionRecord struct {
	mu      sync.Mutex
	session Session
	runner  RunnerHandle
	// evicted marks a record that has been moved to the archive; mutations
	// that raced with the eviction must fail instead of landing on the
	// detached record and vanishing from future snapshots.
	evicted bool
}

func NewSessionManager() *SessionManager {
	return &SessionManager{
		records:    map[string]*sessionRecord{},
		archived:   map[string]Session{},
		maxEntries: defaultMaxEntriesPerSession,
	}
}

// SetChangeListener registers a callback invoked after every mutation.
// The orchestrator uses it to signal the async persist loop. Must be set
// during wiring, before concurrent use.
func (m *SessionManager) SetChangeListener(fn func()) {
	m.onChange = fn
}

// SetMaxEntries bounds the per-session entry sequence; older entries are
// dropped first. Zero or negative keeps the default.
func (m *SessionManager) SetMaxEntries(n int) {
	if n > 0 {
		m.maxEntries = n
	}
}

// Create allocates a new session in state Created. The session id is
// assigned by the event source; re-delivery of a known id fails with
// ErrDuplicateSession and leaves the existing session untouched.
func (m *SessionManager) Create(sessionID, repositoryID string, issue IssueRef) (Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || strings.TrimSpace(repositoryID) == "" {
		return Session{}, fmt.Errorf("%w: session id and repository id are required", ErrInvalidInput)
	}
	now := time.Now().UTC()
	session := Session{
		ID:           sessionID,
		RepositoryID: repositoryID,
		Issue:        issue,
		State:        SessionCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	m.mu.Lock()
	if _, exists := m.records[sessionID]; exists {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrDuplicateSession, sessionID)
	}
	if _, exists := m.archived[sessionID]; exists {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrDuplicateSession, sessionID)
	}
	m.records[sessionID] = &sessionRecord{session: session}
	m.mu.Unlock()

	m.notify()
	return session, nil
}

// AttachRunner transitions Created -> Running and stores the live handle.
func (m *SessionManager) AttachRunner(sessionID string, handle RunnerHandle) error {
	if handle == nil {
		return fmt.Errorf("%w: nil runner handle", ErrInvalidInput)
	}
	rec, err := m.record(sessionID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if rec.session.State != SessionCreated {
		err := &TransitionError{SessionID: sessionID, From: rec.session.State, To: SessionRunning}
		rec.mu.Unlock()
		return err
	}
	rec.session.State = SessionRunning
	rec.session.UpdatedAt = time.Now().UTC()
	rec.runner = handle
	rec.mu.Unlock()

	m.notify()
	return nil
}

// RecordEntry appends to the session's entry sequence. Entries preserve
// arrival order per session; there is no cross-session ordering guarantee.
func (m *SessionManager) RecordEntry(sessionID string, entry SessionEntry) error {
	rec, err := m.record(sessionID)
	if err != nil {
		return err
	}
	return m.appendEntry(rec, sessionID, entry)
}

func (m *SessionManager) appendEntry(rec *sessionRecord, sessionID string, entry SessionEntry) error {
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}

	rec.mu.Lock()
	if rec.evicted {
		rec.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	rec.session.Entries = append(rec.session.Entries, entry)
	if overflow := len(rec.session.Entries) - m.maxEntries; overflow > 0 {
		rec.session.Entries = append([]SessionEntry(nil), rec.session.Entries[overflow:]...)
	}
	rec.session.UpdatedAt = time.Now().UTC()
	rec.mu.Unlock()

	m.notify()
	return nil
}

// Complete transitions Running -> Completed|Failed and detaches the runner
// handle.
func (m *SessionManager) Complete(sessionID string, outcome RunOutcome) error {
	rec, err := m.record(sessionID)
	if err != nil {
		return err
	}
	target := SessionCompleted
	if outcome != OutcomeSucceeded {
		target = SessionFailed
	}

	rec.mu.Lock()
	if rec.session.State != SessionRunning {
		err := &TransitionError{SessionID: sessionID, From: rec.session.State, To: target}
		rec.mu.Unlock()
		return err
	}
	rec.session.State = target
	rec.session.UpdatedAt = time.Now().UTC()
	rec.runner = nil
	rec.mu.Unlock()

	m.notify()
	return nil
}

func (m *SessionManager) Get(sessionID string) (Session, bool) {
	m.mu.RLock()
	rec, ok := m.records[sessionID]
	if !ok {
		archived, archivedOK := m.archived[sessionID]
		m.mu.RUnlock()
		if archivedOK {
			return cloneSession(archived), true
		}
		return Session{}, false
	}
	m.mu.RUnlock()

	rec.mu.Lock()
	session := cloneSession(rec.session)
	rec.mu.Unlock()
	return session, true
}

// List returns copies of all in-memory sessions ordered by creation time,
// then id.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	recs := make([]*sessionRecord, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	sessions := make([]Session, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		sessions = append(sessions, cloneSession(rec.session))
		rec.mu.Unlock()
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}

func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Handles returns the live runner handles of all running sessions, keyed by
// session id. Used at shutdown to stop runners.
func (m *SessionManager) Handles() map[string]RunnerHandle {
	m.mu.RLock()
	recs := make(map[string]*sessionRecord, len(m.records))
	for id, rec := range m.records {
		recs[id] = rec
	}
	m.mu.RUnlock()

	handles := map[string]RunnerHandle{}
	for id, rec := range recs {
		rec.mu.Lock()
		if rec.runner != nil {
			handles[id] = rec.runner
		}
		rec.mu.Unlock()
	}
	return handles
}

// Snapshot captures every session with runner handles stripped. Sessions
// evicted from memory by retention remain in the snapshot for audit.
func (m *SessionManager) Snapshot() *SerializedState {
	m.mu.RLock()
	recs := make(map[string]*sessionRecord, len(m.records))
	for id, rec := range m.records {
		recs[id] = rec
	}
	sessions := make(map[string]Session, len(recs)+len(m.archived))
	for id, session := range m.archived {
		sessions[id] = cloneSession(session)
	}
	m.mu.RUnlock()

	for id, rec := range recs {
		rec.mu.Lock()
		sessions[id] = cloneSession(rec.session)
		rec.mu.Unlock()
	}
	return &SerializedState{
		SavedAt:  time.Now().UTC(),
		Sessions: sessions,
	}
}

// Restore repopulates the collection from a snapshot. Runner handles cannot
// survive a restart, so every session restored in Running state is coerced
// to Stalled; resumption is an external concern, never an automatic restart.
// A nil snapshot is the cold-start case and leaves the manager empty.
func (m *SessionManager) Restore(snapshot *SerializedState) {
	if snapshot == nil {
		return
	}
	m.mu.Lock()
	m.records = make(map[string]*sessionRecord, len(snapshot.Sessions))
	m.archived = map[string]Session{}
	for id, session := range snapshot.Sessions {
		restored := cloneSession(session)
		if restored.ID == "" {
			restored.ID = id
		}
		if restored.State == SessionRunning {
			restored.State = SessionStalled
		}
		m.records[id] = &sessionRecord{session: restored}
	}
	m.mu.Unlock()
}

// EvictExpired moves terminal sessions whose last update is older than
// retention out of the live collection. Evicted sessions stay in future
// snapshots via the archive. Returns the number evicted.
func (m *SessionManager) EvictExpired(retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().Add(-retention)

	m.mu.Lock()
	evicted := 0
	for id, rec := range m.records {
		rec.mu.Lock()
		expired := rec.session.State.Terminal() && rec.session.UpdatedAt.Before(cutoff)
		if expired {
			m.archived[id] = cloneSession(rec.session)
			rec.evicted = true
		}
		rec.mu.Unlock()
		if expired {
			delete(m.records, id)
			evicted++
		}
	}
	m.mu.Unlock()

	if evicted > 0 {
		m.notify()
	}
	return evicted
}

func (m *SessionManager) record(sessionID string) (*sessionRecord, error) {
	m.mu.RLock()
	rec, ok := m.records[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return rec, nil
}

func (m *SessionManager) notify() {
	if m.onChange != nil {
		m.onChange()
	}
}

func cloneSession(s Session) Session {
	clone := s
	if len(s.Entries) > 0 {
		clone.Entries = append([]SessionEntry(nil), s.Entries...)
	}
	return clone
}
