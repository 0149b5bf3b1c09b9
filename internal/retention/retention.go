// Package retention runs the periodic purge job that keeps events,
// deliveries, replay sessions, and critical notifications bounded by age
// instead of growing without limit. Grounded on internal/services/scheduler.go's
// cron.Cron wiring (construct-time cron.New, a single registered job instead
// of per-scan-path jobs, Start/Stop symmetry) and internal/db's existing
// RunMaintenance/PurgeNotifications methods, which already implement the
// actual delete statements this package schedules.
package retention

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hybrid-dns/eventbroker/internal/clock"
	"github.com/hybrid-dns/eventbroker/internal/logger"
)

// Store is the narrow persistence dependency: the two maintenance
// operations already implemented on *db.Repository.
type Store interface {
	RunMaintenance(eventRetentionDays, deliveryRetentionDays int) error
	PurgeNotifications(ackedBefore, unackedBefore time.Time) error
}

// Config holds the purge schedule and retention windows.
type Config struct {
	// CronExpr schedules the purge job, in standard five-field cron syntax.
	CronExpr string

	EventRetentionDays    int
	DeliveryRetentionDays int

	// NotificationAckedRetention and NotificationUnackedRetention mirror
	// spec.md §4.7's state hygiene windows: acknowledged notifications move
	// out of the live table after 24h, unacknowledged ones are force-archived
	// after 7d regardless of ack state.
	NotificationAckedRetention   time.Duration
	NotificationUnackedRetention time.Duration
}

// DefaultConfig returns an hourly schedule with 30-day event and delivery
// windows and the 24h/7d notification windows.
func DefaultConfig() Config {
	return Config{
		CronExpr:                     "0 * * * *",
		EventRetentionDays:           30,
		DeliveryRetentionDays:        30,
		NotificationAckedRetention:   24 * time.Hour,
		NotificationUnackedRetention: 7 * 24 * time.Hour,
	}
}

// Service owns the cron engine that drives periodic purges.
type Service struct {
	cfg   Config
	store Store
	clk   clock.Clock

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
}

// New constructs a Service. The cron schedule is not registered until Start.
func New(cfg Config, store Store, clk clock.Clock) (*Service, error) {
	if _, err := cron.ParseStandard(cfg.CronExpr); err != nil {
		return nil, err
	}
	return &Service{
		cfg:   cfg,
		store: store,
		clk:   clk,
		cron:  cron.New(),
	}, nil
}

// Start registers the purge job and starts the cron engine.
func (s *Service) Start() {
	s.mu.Lock()
	id, err := s.cron.AddFunc(s.cfg.CronExpr, s.runOnce)
	if err != nil {
		// Config already validated the expression in New; this branch is
		// unreachable in practice, but AddFunc still returns an error.
		logger.Errorf("retention: failed to schedule purge job: %v", err)
		s.mu.Unlock()
		return
	}
	s.entryID = id
	s.mu.Unlock()

	s.cron.Start()
	logger.Infof("retention: purge scheduled %q (events %dd, deliveries %dd)",
		s.cfg.CronExpr, s.cfg.EventRetentionDays, s.cfg.DeliveryRetentionDays)
}

// Shutdown stops the cron engine, waiting for any in-flight purge to finish.
func (s *Service) Shutdown() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// RunNow triggers an out-of-band purge immediately, bypassing the cron
// schedule. Used by an administrative API call and by tests.
func (s *Service) RunNow() error {
	return s.runOnceErr()
}

func (s *Service) runOnce() {
	if err := s.runOnceErr(); err != nil {
		logger.Errorf("retention: purge failed: %v", err)
	}
}

func (s *Service) runOnceErr() error {
	now := s.clk.Now()

	if err := s.store.RunMaintenance(s.cfg.EventRetentionDays, s.cfg.DeliveryRetentionDays); err != nil {
		return err
	}

	ackedBefore := now.Add(-s.cfg.NotificationAckedRetention)
	unackedBefore := now.Add(-s.cfg.NotificationUnackedRetention)
	if err := s.store.PurgeNotifications(ackedBefore, unackedBefore); err != nil {
		return err
	}

	logger.Debugf("retention: purge completed")
	return nil
}
