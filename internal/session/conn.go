package session

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hybrid-dns/eventbroker/internal/clock"
	"github.com/hybrid-dns/eventbroker/internal/domain"
	"github.com/hybrid-dns/eventbroker/internal/logger"
)

// Session is one bidirectional client connection (spec.md §3's Session
// entity). All outbound writes funnel through its single writer
// goroutine (writeLoop); Serve runs the inbound read loop and blocks
// until the connection closes.
type Session struct {
	ID     string
	UserID string
	Kind   domain.SessionKind

	conn Conn
	mgr  *Manager

	connectedAt time.Time

	mu              sync.Mutex
	lastSeenAt      time.Time
	subscribedTypes []domain.EventType
	subscriptionID  string
	idleTimer       clock.Timer
	pongTimer       clock.Timer

	messageCount atomic.Int64
	send         chan interface{}
	done         chan struct{}
	closeOnce    sync.Once
}

// Info returns a read-only snapshot for get_user_connections.
func (s *Session) Info() domain.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.SessionInfo{
		ID:                   s.ID,
		UserID:               s.UserID,
		Kind:                 s.Kind,
		ConnectedAt:          s.connectedAt,
		LastSeenAt:           s.lastSeenAt,
		MessageCount:         s.messageCount.Load(),
		SubscribedEventTypes: append([]domain.EventType(nil), s.subscribedTypes...),
	}
}

// enqueue queues payload for the writer loop. The outbound queue is
// bounded (spec.md §3); on overflow the new message is dropped and a
// warning logged, unlike the batcher, which drops its oldest queued
// event. Already-queued messages are kept.
func (s *Session) enqueue(payload interface{}) {
	select {
	case s.send <- payload:
	default:
		logger.Warnf("session %s: outbound queue full, dropping message", s.ID)
	}
}

// writeLoop is the session's single writer; it is the only goroutine
// that calls conn.WriteJSON, preserving per-session outbound order.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			if err := s.conn.WriteJSON(msg); err != nil {
				logger.Errorf("session %s: write failed, closing: %v", s.ID, err)
				s.Close(1011, "write error")
				return
			}
		}
	}
}

// Serve runs the session's inbound read loop. It blocks until the
// connection errors or is closed, then tears the session down. Callers
// invoke this from the HTTP handler goroutine that owns conn.
func (s *Session) Serve() {
	defer s.Close(1000, "connection closed")
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.markActivity()

		var env inboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError("invalid_message", "malformed control message")
			continue
		}
		s.dispatch(env)
	}
}

func (s *Session) markActivity() {
	s.mu.Lock()
	s.lastSeenAt = s.mgr.clock.Now()
	if s.pongTimer != nil {
		s.pongTimer.Stop()
		s.pongTimer = nil
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = s.mgr.clock.AfterFunc(s.mgr.cfg.IdleTimeout, s.onIdleTimeout)
	s.mu.Unlock()
	s.messageCount.Add(1)
}

// armIdleTimer starts the initial idle-timeout clock at session
// admission, before any inbound frame has arrived.
func (s *Session) armIdleTimer() {
	s.mu.Lock()
	s.idleTimer = s.mgr.clock.AfterFunc(s.mgr.cfg.IdleTimeout, s.onIdleTimeout)
	s.mu.Unlock()
}

// onIdleTimeout fires after IdleTimeout with no inbound frame: the
// server pings and starts the pong-wait clock.
func (s *Session) onIdleTimeout() {
	s.enqueue(map[string]interface{}{
		"type":      "ping",
		"timestamp": s.mgr.clock.Now().UTC().Format(time.RFC3339),
	})
	s.mu.Lock()
	s.pongTimer = s.mgr.clock.AfterFunc(s.mgr.cfg.PongTimeout, s.onPongTimeout)
	s.mu.Unlock()
}

// onPongTimeout fires if no inbound frame arrived within PongTimeout of
// the server's ping; the session is considered idle and closed.
func (s *Session) onPongTimeout() {
	s.Close(domain.CloseCodeIdle, domain.CloseReasonIdle)
}

func (s *Session) dispatch(env inboundEnvelope) {
	switch env.Type {
	case "ping":
		s.enqueue(map[string]interface{}{
			"type":      "pong",
			"timestamp": s.mgr.clock.Now().UTC().Format(time.RFC3339),
		})
	case "pong":
		// already handled by markActivity's timer reset.
	case "subscribe_events":
		s.handleSubscribeEvents(env.Data)
	case "get_system_info":
		s.enqueue(map[string]interface{}{
			"type":      "system_info",
			"timestamp": s.mgr.clock.Now().UTC().Format(time.RFC3339),
			"data":      s.mgr.Stats(),
		})
	case "get_connection_stats":
		s.enqueue(map[string]interface{}{
			"type":      "connection_stats",
			"timestamp": s.mgr.clock.Now().UTC().Format(time.RFC3339),
			"data":      s.mgr.Stats(),
		})
	case "get_user_connections":
		s.enqueue(map[string]interface{}{
			"type":      "user_connections",
			"timestamp": s.mgr.clock.Now().UTC().Format(time.RFC3339),
			"data":      s.mgr.SessionsForUser(s.UserID),
		})
	default:
		s.sendError("unknown_message_type", "unrecognized control message type: "+env.Type)
	}
}

func (s *Session) handleSubscribeEvents(raw json.RawMessage) {
	var body struct {
		EventTypes []domain.EventType `json:"event_types"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		s.sendError("invalid_subscribe_events", "event_types must be a list of event type strings")
		return
	}

	_, err := s.mgr.subs.Update(s.subscriptionID, s.UserID, func(sub *domain.Subscription) {
		sub.Filter.EventTypes = body.EventTypes
	})
	if err != nil {
		s.sendError("subscribe_events_failed", err.Error())
		return
	}

	s.mu.Lock()
	s.subscribedTypes = body.EventTypes
	s.mu.Unlock()

	s.enqueue(map[string]interface{}{
		"type":      "subscribe_events_ack",
		"timestamp": s.mgr.clock.Now().UTC().Format(time.RFC3339),
		"data":      map[string]interface{}{"event_types": body.EventTypes},
	})
}

func (s *Session) sendError(code, message string) {
	s.enqueue(map[string]interface{}{
		"type":      "error",
		"timestamp": s.mgr.clock.Now().UTC().Format(time.RFC3339),
		"data":      map[string]interface{}{"code": code, "message": message},
	})
}

// Close tears the session down idempotently: stops its timers, closes
// the underlying connection with code/reason, signals the writer loop
// to exit, and detaches the session from the manager's indices.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		if s.pongTimer != nil {
			s.pongTimer.Stop()
		}
		s.mu.Unlock()

		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		_ = s.conn.Close()
		close(s.done)
		s.mgr.remove(s)
	})
}
