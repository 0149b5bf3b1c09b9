// Package session implements the SessionManager of spec.md §4.4:
// admission of bidirectional client connections, per-session
// single-writer ordering, the inbound control vocabulary, and
// idle-timeout keepalive.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hybrid-dns/eventbroker/internal/clock"
	"github.com/hybrid-dns/eventbroker/internal/domain"
	"github.com/hybrid-dns/eventbroker/internal/logger"
)

// Conn is the subset of *websocket.Conn the session package depends on,
// kept narrow so tests can supply an in-memory double. *websocket.Conn
// satisfies this interface as-is.
type Conn interface {
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// VerifyFunc authenticates an opaque token and returns the owning
// user_id. Satisfied directly by auth.VerifySessionToken.
type VerifyFunc func(token string) (userID string, err error)

// SubscriptionManager is the registry dependency used to back each
// session's kind-based default subscription and subsequent
// subscribe_events updates. Implemented by *subscriptions.Registry.
type SubscriptionManager interface {
	Create(userID string, filter domain.EventFilter, sessionID string, expiresAt *time.Time) (*domain.Subscription, error)
	Update(id, requestingUserID string, mutate func(*domain.Subscription)) (*domain.Subscription, error)
	Delete(id, requestingUserID string) error
}

// Config holds SessionManager admission limits and timeouts, per
// spec.md §4.4 and §3's Session invariants.
type Config struct {
	MaxPerUser    int
	MaxGlobal     int
	SendQueueSize int
	IdleTimeout   time.Duration
	PongTimeout   time.Duration
}

// DefaultConfig returns the defaults spec.md §3/§4.4 name.
func DefaultConfig() Config {
	return Config{
		MaxPerUser:    10,
		MaxGlobal:     1000,
		SendQueueSize: 256,
		IdleTimeout:   5 * time.Minute,
		PongTimeout:   5 * time.Minute,
	}
}

// Manager is the SessionManager of spec.md §4.4.
type Manager struct {
	cfg      Config
	clock    clock.Clock
	verify   VerifyFunc
	subs     SubscriptionManager

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
}

// New constructs a Manager.
func New(cfg Config, clk clock.Clock, verify VerifyFunc, subs SubscriptionManager) *Manager {
	return &Manager{
		cfg:      cfg,
		clock:    clk,
		verify:   verify,
		subs:     subs,
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
	}
}

// inboundEnvelope is the shape of every inbound control-channel message
// (spec.md §6).
type inboundEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Admit verifies token, enforces admission caps, and if successful
// registers a new open Session wrapping conn. The caller (typically an
// HTTP handler) must then call Session.Serve to run its read loop; Admit
// itself starts the session's writer goroutine and sends
// connection_established.
//
// On any admission failure, Admit closes conn with the appropriate
// close code/reason and returns a domain error; the caller should not
// use conn further.
func (m *Manager) Admit(conn Conn, token string, kind domain.SessionKind) (*Session, error) {
	userID, err := m.verify(token)
	if err != nil || userID == "" {
		closeConn(conn, domain.CloseCodeAuthRequired, domain.CloseReasonAuthRequired)
		return nil, domain.NewPermissionDeniedError("authentication token required")
	}

	if !validKind(kind) {
		closeConn(conn, domain.CloseCodeInvalidKind, domain.CloseReasonInvalidKind)
		return nil, domain.NewValidationError("invalid connection type")
	}

	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxGlobal {
		m.mu.Unlock()
		closeConn(conn, domain.CloseCodeServerOverloaded, domain.CloseReasonServerOverloaded)
		return nil, domain.NewQueueFullError("server overloaded")
	}
	if len(m.byUser[userID]) >= m.cfg.MaxPerUser {
		m.mu.Unlock()
		closeConn(conn, domain.CloseCodeTooManyForUser, domain.CloseReasonTooManyForUser)
		return nil, domain.NewValidationError("too many connections for this user")
	}
	m.mu.Unlock()

	now := m.clock.Now()
	s := &Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		Kind:        kind,
		conn:        conn,
		mgr:         m,
		connectedAt: now,
		lastSeenAt:  now,
		send:        make(chan interface{}, m.cfg.SendQueueSize),
		done:        make(chan struct{}),
	}

	defaults := domain.DefaultSubscribedEventTypes(kind)
	s.subscribedTypes = append([]domain.EventType(nil), defaults...)
	sub, err := m.subs.Create(userID, domain.EventFilter{EventTypes: defaults}, s.ID, nil)
	if err != nil {
		closeConn(conn, domain.CloseCodeServerOverloaded, domain.CloseReasonServerOverloaded)
		return nil, err
	}
	s.subscriptionID = sub.ID

	m.mu.Lock()
	m.sessions[s.ID] = s
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*Session)
	}
	m.byUser[userID][s.ID] = s
	m.mu.Unlock()

	go s.writeLoop()
	s.armIdleTimer()

	s.enqueue(map[string]interface{}{
		"type":      "connection_established",
		"timestamp": m.clock.Now().UTC().Format(time.RFC3339),
		"data": map[string]interface{}{
			"session_id":             s.ID,
			"kind":                   s.Kind,
			"subscribed_event_types": s.subscribedTypes,
		},
	})

	logger.Infof("session admitted: user=%s kind=%s session=%s", userID, kind, s.ID)
	return s, nil
}

func validKind(kind domain.SessionKind) bool {
	switch kind {
	case domain.SessionUnified, domain.SessionHealth, domain.SessionDNSManagement,
		domain.SessionSecurity, domain.SessionSystem, domain.SessionAdmin:
		return true
	default:
		return false
	}
}

func closeConn(conn Conn, code int, reason string) {
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = conn.Close()
}

// remove detaches a session from the manager's indices. Called once a
// session's loops have exited.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	if ids := m.byUser[s.UserID]; ids != nil {
		delete(ids, s.ID)
		if len(ids) == 0 {
			delete(m.byUser, s.UserID)
		}
	}
	m.mu.Unlock()

	if err := m.subs.Delete(s.subscriptionID, s.UserID); err != nil {
		logger.Debugf("session %s: failed to clean up default subscription: %v", s.ID, err)
	}
}

// HasOpenSession reports whether userID currently has at least one open
// session, the one immediate-delivery failure the DeliveryTracker can
// observe synchronously (spec.md §4.1/§7's TransientDeliveryError).
func (m *Manager) HasOpenSession(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]) > 0
}

// SendToUser delivers payload to every open session belonging to
// userID. Satisfies batcher.SendFunc and eventbus delivery's direct-send
// path.
func (m *Manager) SendToUser(userID string, payload interface{}) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.byUser[userID]))
	for _, s := range m.byUser[userID] {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.enqueue(payload)
	}
}

// Broadcast delivers payload to every open session. Satisfies
// batcher.BroadcastFunc.
func (m *Manager) Broadcast(payload interface{}) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.enqueue(payload)
	}
}

// DisconnectUser closes every session owned by userID, for a
// user-initiated logout (spec.md §3's "a user may unilaterally
// disconnect all sessions").
func (m *Manager) DisconnectUser(userID string) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.byUser[userID]))
	for _, s := range m.byUser[userID] {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Close(1000, "logout")
	}
}

// Stats is the aggregate connection snapshot for get_system_info and
// get_connection_stats.
type Stats struct {
	TotalSessions int                         `json:"total_sessions"`
	TotalUsers    int                         `json:"total_users"`
	ByKind        map[domain.SessionKind]int  `json:"by_kind"`
}

// Stats returns the manager's current aggregate counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		TotalSessions: len(m.sessions),
		TotalUsers:    len(m.byUser),
		ByKind:        make(map[domain.SessionKind]int),
	}
	for _, s := range m.sessions {
		st.ByKind[s.Kind]++
	}
	return st
}

// SessionsForUser returns snapshot info for every open session owned by
// userID, for get_user_connections.
func (m *Manager) SessionsForUser(userID string) []domain.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.SessionInfo, 0, len(m.byUser[userID]))
	for _, s := range m.byUser[userID] {
		out = append(out, s.Info())
	}
	return out
}
