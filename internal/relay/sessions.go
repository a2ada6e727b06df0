package relay

import (
	"sync"
	"time"

	"github.com/ehrlich-b/relaywire/internal/ws"
)

// Session is one time-bounded controller identity.
type Session struct {
	ID           string // jti — the SessionManager's lookup key
	Password     string
	DeviceInfo   ws.DeviceInfo
	CreatedAt    time.Time
	LastActivity time.Time
	Transport    *Transport
}

// SessionManager creates, touches, validates, expires, and destroys
// per-controller sessions, enforcing MAX_SESSIONS_PER_USER.
type SessionManager struct {
	mu         sync.Mutex
	sessions   map[string]*Session   // jti -> session
	byPassword map[string][]string   // password -> jtis, oldest first
	signer     *TokenSigner
	maxPerUser int
	idleTimeout time.Duration
}

// NewSessionManager builds a session manager backed by signer.
func NewSessionManager(signer *TokenSigner, maxPerUser int, idleTimeout time.Duration) *SessionManager {
	return &SessionManager{
		sessions:    make(map[string]*Session),
		byPassword:  make(map[string][]string),
		signer:      signer,
		maxPerUser:  maxPerUser,
		idleTimeout: idleTimeout,
	}
}

// Create allocates a fresh session for password. If the password already
// has maxPerUser live sessions, the oldest is evicted and returned so the
// caller can notify and close its transport (reason "max_sessions_exceeded").
func (m *SessionManager) Create(password string, info ws.DeviceInfo, t *Transport) (token string, expiresIn int64, evicted *Session, err error) {
	token, jti, err := m.signer.Issue(m.idleTimeout)
	if err != nil {
		return "", 0, nil, err
	}

	now := time.Now()
	sess := &Session{
		ID:           jti,
		Password:     password,
		DeviceInfo:   info,
		CreatedAt:    now,
		LastActivity: now,
		Transport:    t,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[jti] = sess
	m.byPassword[password] = append(m.byPassword[password], jti)

	if ids := m.byPassword[password]; len(ids) > m.maxPerUser {
		oldestID := ids[0]
		m.byPassword[password] = ids[1:]
		if old, ok := m.sessions[oldestID]; ok {
			evicted = old
			delete(m.sessions, oldestID)
		}
	}

	return token, int64(m.idleTimeout.Seconds()), evicted, nil
}

// ValidateAndTouch parses token, looks up its session, and — if found and
// not idle-expired — bumps lastActivity and returns it. An idle-expired
// session is destroyed as a side effect; its transport is returned so the
// caller can send session_expired and close it (I/O stays outside this
// call's lock).
func (m *SessionManager) ValidateAndTouch(token string) (sess *Session, ok bool, expiredTransport *Transport) {
	jti, err := m.signer.JTI(token)
	if err != nil {
		return nil, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, found := m.sessions[jti]
	if !found {
		return nil, false, nil
	}
	if time.Since(s.LastActivity) > m.idleTimeout {
		m.removeLocked(s)
		return nil, false, s.Transport
	}
	s.LastActivity = time.Now()
	return s, true, nil
}

// Destroy removes the session identified by the signed token (any reason).
// It returns the owning transport so the caller can notify/close it.
func (m *SessionManager) Destroy(token string) (tr *Transport, ok bool) {
	jti, err := m.signer.JTI(token)
	if err != nil {
		return nil, false
	}
	return m.DestroyByID(jti)
}

// DestroyByID removes the session by its bare jti — used when the router
// holds a session ID as listed in sessions_list (e.g. a kick_session
// target) rather than the raw signed token.
func (m *SessionManager) DestroyByID(jti string) (tr *Transport, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, found := m.sessions[jti]
	if !found {
		return nil, false
	}
	m.removeLocked(s)
	return s.Transport, true
}

func (m *SessionManager) removeLocked(s *Session) {
	delete(m.sessions, s.ID)
	ids := m.byPassword[s.Password]
	for i, id := range ids {
		if id == s.ID {
			m.byPassword[s.Password] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.byPassword[s.Password]) == 0 {
		delete(m.byPassword, s.Password)
	}
}

// ListForPassword returns a snapshot of every live session for password,
// oldest first.
func (m *SessionManager) ListForPassword(password string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byPassword[password]
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Stats reports aggregate counts across every password's session table, for
// the /status endpoint. It never mutates state — an idle-expired session
// still counts as expired here even though the next Sweep will remove it.
func (m *SessionManager) Stats() (total, active, expired, uniqueUsers int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	seen := make(map[string]struct{}, len(m.byPassword))
	for _, s := range m.sessions {
		total++
		if now.Sub(s.LastActivity) > m.idleTimeout {
			expired++
		} else {
			active++
		}
		seen[s.Password] = struct{}{}
	}
	uniqueUsers = len(seen)
	return total, active, expired, uniqueUsers
}

// Sweep destroys every session idle past the timeout and returns them so
// the caller can notify and close their transports.
func (m *SessionManager) Sweep() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var expired []*Session
	for _, s := range m.sessions {
		if now.Sub(s.LastActivity) > m.idleTimeout {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		m.removeLocked(s)
	}
	return expired
}
