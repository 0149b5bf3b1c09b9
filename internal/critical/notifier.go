// Package critical implements the CriticalNotifier of spec.md §4.7: rule
// matching against the CRITICAL event set, an immediate session-channel
// push, a deadline-based escalation ladder, acknowledgement, and an
// extension point onto external channels via shoutrrr. Grounded on the
// teacher's internal/notifier/notifier.go (provider catalogue,
// shoutrrr-backed send, background cleanup worker), generalized with the
// escalation ladder and session-channel concept the teacher's notifier
// never had.
package critical

import (
	"sync"
	"time"

	"github.com/containrrr/shoutrrr"
	"github.com/google/uuid"

	"github.com/hybrid-dns/eventbroker/internal/clock"
	"github.com/hybrid-dns/eventbroker/internal/domain"
	"github.com/hybrid-dns/eventbroker/internal/eventbus"
	"github.com/hybrid-dns/eventbroker/internal/logger"
)

// Store is the notifier's persistence dependency, implemented by
// *db.Repository.
type Store interface {
	InsertNotification(n *domain.CriticalNotification) error
	UpdateNotification(n *domain.CriticalNotification) error
	GetNotification(id string) (*domain.CriticalNotification, error)
	DueForEscalationNotifications() ([]*domain.CriticalNotification, error)
	PurgeNotifications(ackedBefore, unackedBefore time.Time) error
}

// SessionSender is the session channel: a direct, batcher-bypassing push
// to a user's open sessions. Implemented by *session.Manager.
type SessionSender interface {
	SendToUser(userID string, payload interface{})
}

// AdminDirectory resolves the "all admins" target-user shorthand a rule
// may specify. Implemented by whatever user directory the deployment
// wires in; the core has no user-management surface of its own.
type AdminDirectory interface {
	AdminUserIDs() []string
}

// Emitter is the narrow Bus dependency Acknowledge needs to publish
// notification_acknowledged. Implemented by *eventbus.Bus.
type Emitter interface {
	Emit(e *domain.Event, opts eventbus.EmitOptions) (string, error)
}

// Config holds CriticalNotifier hygiene sweep parameters, per spec.md
// §4.7's "acknowledged notifications older than 24h move to history;
// unacknowledged notifications older than 7d are force-archived."
type Config struct {
	EscalationSweepInterval time.Duration
	HygieneSweepInterval    time.Duration
	AckedRetention          time.Duration
	UnackedRetention        time.Duration
}

// DefaultConfig returns the defaults spec.md §4.7 names.
func DefaultConfig() Config {
	return Config{
		EscalationSweepInterval: time.Minute,
		HygieneSweepInterval:    time.Hour,
		AckedRetention:          24 * time.Hour,
		UnackedRetention:        7 * 24 * time.Hour,
	}
}

// Notifier is the CriticalNotifier of spec.md §4.7.
type Notifier struct {
	cfg      Config
	store    Store
	sessions SessionSender
	admins   AdminDirectory
	clk      clock.Clock

	mu    sync.RWMutex
	rules []domain.CriticalEventRule

	stopCh        chan struct{}
	escalateTimer clock.Timer
	hygieneTimer  clock.Timer
}

// New constructs a Notifier with rules matched in the given order
// (spec.md §4.7: "Rules are matched in registration order").
func New(cfg Config, rules []domain.CriticalEventRule, store Store, sessions SessionSender, admins AdminDirectory, clk clock.Clock) *Notifier {
	return &Notifier{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		admins:   admins,
		clk:      clk,
		rules:    append([]domain.CriticalEventRule(nil), rules...),
		stopCh:   make(chan struct{}),
	}
}

// RegisterWith wires the notifier's processor onto every event type in
// the CRITICAL set, so the Bus invokes it after persistence and before
// broadcast (spec.md §4.1 step 4/5, §4.7).
func (n *Notifier) RegisterWith(bus *eventbus.Bus) {
	for _, t := range domain.CriticalEventTypes() {
		bus.RegisterProcessor(t, n.handleEvent)
	}
}

// Start launches the escalation and hygiene sweeps.
func (n *Notifier) Start() {
	n.scheduleEscalationSweep()
	n.scheduleHygieneSweep()
}

// Shutdown stops both sweeps.
func (n *Notifier) Shutdown() {
	close(n.stopCh)
	if n.escalateTimer != nil {
		n.escalateTimer.Stop()
	}
	if n.hygieneTimer != nil {
		n.hygieneTimer.Stop()
	}
}

// handleEvent is the eventbus.Processor invoked for every CRITICAL-set
// event: every matching rule generates one notification and one
// immediate session-channel send.
func (n *Notifier) handleEvent(e *domain.Event) error {
	n.mu.RLock()
	rules := n.rules
	n.mu.RUnlock()

	for _, rule := range rules {
		if !rule.Matches(e) {
			continue
		}
		n.fire(rule, e)
	}
	return nil
}

func (n *Notifier) fire(rule domain.CriticalEventRule, e *domain.Event) {
	targets := n.resolveTargets(rule)
	if len(targets) == 0 {
		return
	}

	now := n.clk.Now()
	notif := &domain.CriticalNotification{
		ID:              uuid.NewString(),
		EventID:         e.ID,
		RuleID:          rule.ID,
		CreatedAt:       now,
		TargetUserIDs:   targets,
		EscalationLevel: domain.EscalationNone,
	}

	n.deliver(notif, rule, e, now)

	if err := n.store.InsertNotification(notif); err != nil {
		logger.Errorf("critical notifier: failed to persist notification for event %s: %v", e.ID, err)
	}
}

// deliver pushes notif to every target user over the session channel,
// and over any extension channels the rule names, recording attempted
// and successful channels either way (spec.md §3's channels_attempted/
// channels_successful).
func (n *Notifier) deliver(notif *domain.CriticalNotification, rule domain.CriticalEventRule, e *domain.Event, now time.Time) {
	payload := notificationFrame(notif, rule, e)

	notif.ChannelsAttempted = append(notif.ChannelsAttempted, "session")
	for _, userID := range notif.TargetUserIDs {
		n.sessions.SendToUser(userID, payload)
		notif.NotifiedUserIDs = append(notif.NotifiedUserIDs, userID)
	}
	notif.ChannelsSuccessful = append(notif.ChannelsSuccessful, "session")

	for _, ch := range rule.Channels {
		if ch == "session" || ch == "" {
			continue
		}
		notif.ChannelsAttempted = append(notif.ChannelsAttempted, ch)
		if err := shoutrrr.Send(ch, formatMessage(e)); err != nil {
			notif.FailedDeliveries++
			notif.ErrorMessages = append(notif.ErrorMessages, err.Error())
			logger.Warnf("critical notifier: channel %s failed for notification %s: %v", ch, notif.ID, err)
			continue
		}
		notif.ChannelsSuccessful = append(notif.ChannelsSuccessful, ch)
	}

	notif.DeliveryAttempts++
	notif.FirstSentAt = &now
	notif.LastSentAt = &now
	if rule.EscalationEnabled {
		notif.EscalationLevel = domain.EscalationL1
	}
}

// resolveTargets unions a rule's explicit target_user_ids with the
// admin directory's current roster when all_admins is set.
func (n *Notifier) resolveTargets(rule domain.CriticalEventRule) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range rule.TargetUserIDs {
		add(id)
	}
	if rule.AllAdmins && n.admins != nil {
		for _, id := range n.admins.AdminUserIDs() {
			add(id)
		}
	}
	return out
}

// Acknowledge implements ack(notification_id, user_id): it sets
// acknowledged_at/acknowledged_by idempotently and emits a
// notification_acknowledged event carrying ack latency.
func (n *Notifier) Acknowledge(bus Emitter, notificationID, userID string) error {
	notif, err := n.store.GetNotification(notificationID)
	if err != nil {
		return err
	}

	now := n.clk.Now()
	if !notif.Acknowledge(now, userID) {
		return nil // already acknowledged; idempotent no-op
	}
	if err := n.store.UpdateNotification(notif); err != nil {
		return domain.NewPersistenceError("failed to persist acknowledgement", err)
	}

	var latencyMs int64
	if notif.FirstSentAt != nil {
		latencyMs = now.Sub(*notif.FirstSentAt).Milliseconds()
	}
	_, emitErr := bus.Emit(&domain.Event{
		ID:        uuid.NewString(),
		Type:      domain.EventNotificationAcknowledged,
		Category:  domain.GetCategory(domain.EventNotificationAcknowledged),
		Priority:  domain.PriorityNormal,
		Severity:  domain.SeverityInfo,
		CreatedAt: now,
		Data: map[string]interface{}{
			"notification_id":   notif.ID,
			"acknowledged_by":    userID,
			"ack_latency_ms":     latencyMs,
		},
	}, eventbus.DefaultEmitOptions())
	if emitErr != nil {
		logger.Warnf("critical notifier: failed to emit notification_acknowledged for %s: %v", notif.ID, emitErr)
	}
	return nil
}

func (n *Notifier) scheduleEscalationSweep() {
	n.escalateTimer = n.clk.AfterFunc(n.cfg.EscalationSweepInterval, n.escalationSweep)
}

func (n *Notifier) escalationSweep() {
	select {
	case <-n.stopCh:
		return
	default:
	}

	due, err := n.store.DueForEscalationNotifications()
	if err != nil {
		logger.Errorf("critical notifier: escalation sweep query failed: %v", err)
		n.scheduleEscalationSweep()
		return
	}

	n.mu.RLock()
	rules := n.rules
	n.mu.RUnlock()

	for _, notif := range due {
		rule, ok := findRule(rules, notif.RuleID)
		if !ok || !rule.EscalationEnabled {
			continue
		}
		if !notif.DueForEscalation(n.clk.Now(), rule.EscalationTimeout, rule.MaxEscalationLevel) {
			continue
		}
		n.escalate(notif, rule)
	}
	n.scheduleEscalationSweep()
}

func (n *Notifier) escalate(notif *domain.CriticalNotification, rule domain.CriticalEventRule) {
	now := n.clk.Now()
	notif.EscalationLevel = domain.NextEscalationLevel(notif.EscalationLevel)
	notif.EscalationCount++
	notif.LastSentAt = &now
	notif.DeliveryAttempts++

	payload := escalationFrame(notif, rule)
	for _, userID := range notif.TargetUserIDs {
		n.sessions.SendToUser(userID, payload)
	}

	if err := n.store.UpdateNotification(notif); err != nil {
		logger.Errorf("critical notifier: failed to persist escalation for %s: %v", notif.ID, err)
	}
}

func findRule(rules []domain.CriticalEventRule, id string) (domain.CriticalEventRule, bool) {
	for _, r := range rules {
		if r.ID == id {
			return r, true
		}
	}
	return domain.CriticalEventRule{}, false
}

func (n *Notifier) scheduleHygieneSweep() {
	n.hygieneTimer = n.clk.AfterFunc(n.cfg.HygieneSweepInterval, n.hygieneSweep)
}

func (n *Notifier) hygieneSweep() {
	select {
	case <-n.stopCh:
		return
	default:
	}

	now := n.clk.Now()
	if err := n.store.PurgeNotifications(now.Add(-n.cfg.AckedRetention), now.Add(-n.cfg.UnackedRetention)); err != nil {
		logger.Errorf("critical notifier: hygiene sweep failed: %v", err)
	}
	n.scheduleHygieneSweep()
}

func notificationFrame(notif *domain.CriticalNotification, rule domain.CriticalEventRule, e *domain.Event) map[string]interface{} {
	return map[string]interface{}{
		"type":      "critical_notification",
		"timestamp": notif.CreatedAt.UTC().Format(time.RFC3339),
		"data": map[string]interface{}{
			"notification_id": notif.ID,
			"rule_id":         rule.ID,
			"rule_name":       rule.Name,
			"event":           e.ToFrame(),
		},
	}
}

func escalationFrame(notif *domain.CriticalNotification, rule domain.CriticalEventRule) map[string]interface{} {
	return map[string]interface{}{
		"type":      "critical_notification_escalated",
		"timestamp": notif.LastSentAt.UTC().Format(time.RFC3339),
		"data": map[string]interface{}{
			"notification_id":  notif.ID,
			"rule_id":          rule.ID,
			"escalation_level": notif.EscalationLevel,
			"escalation_count": notif.EscalationCount,
		},
	}
}

func formatMessage(e *domain.Event) string {
	return string(e.Severity) + " " + string(e.Type) + ": " + string(e.Category)
}
