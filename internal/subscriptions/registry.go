// Package subscriptions implements the SubscriptionRegistry of
// spec.md §4.2: creation, ownership-gated mutation, and event matching
// indexed well enough to stay O(k) in matching subscriptions rather than
// O(N) in the total subscription count.
package subscriptions

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hybrid-dns/eventbroker/internal/domain"
)

// Store is the registry's persistence dependency, implemented by
// *db.Repository.
type Store interface {
	InsertSubscription(s *domain.Subscription) error
	UpdateSubscription(s *domain.Subscription) error
	DeleteSubscription(id string) error
	GetSubscription(id string) (*domain.Subscription, error)
	ListSubscriptionsForUser(userID string) ([]*domain.Subscription, error)
	ListAllSubscriptions() ([]*domain.Subscription, error)
}

// AdminChecker reports whether a user_id belongs to an administrator,
// gating both cross-user management operations and admin-only event
// types (spec.md §4.2).
type AdminChecker interface {
	IsAdmin(userID string) bool
}

// Registry is the in-memory, persistence-backed index of live
// subscriptions. It is safe for concurrent use.
type Registry struct {
	store Store
	admin AdminChecker

	mu sync.RWMutex
	// byID holds the authoritative in-memory copy of every known
	// subscription, live or not; matching and listing read from here.
	byID map[string]*domain.Subscription
	// byUser indexes subscription ids owned by each user, for
	// ListForUser and permission checks.
	byUser map[string]map[string]struct{}
	// byType/byCategory/wildcard partition subscriptions by their
	// coarsest filter dimension, so Match only walks the bucket(s) that
	// could possibly accept the incoming event's type/category.
	byType     map[domain.EventType]map[string]struct{}
	byCategory map[domain.Category]map[string]struct{}
	wildcard   map[string]struct{}
}

// New constructs an empty Registry. Call LoadAll during startup to
// rebuild its indices from persisted state.
func New(store Store, admin AdminChecker) *Registry {
	return &Registry{
		store:      store,
		admin:      admin,
		byID:       make(map[string]*domain.Subscription),
		byUser:     make(map[string]map[string]struct{}),
		byType:     make(map[domain.EventType]map[string]struct{}),
		byCategory: make(map[domain.Category]map[string]struct{}),
		wildcard:   make(map[string]struct{}),
	}
}

// LoadAll rebuilds the in-memory indices from the store. Intended to run
// once at process startup, after a restart, so in-flight subscriptions
// survive a crash.
func (r *Registry) LoadAll() error {
	subs, err := r.store.ListAllSubscriptions()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]*domain.Subscription, len(subs))
	r.byUser = make(map[string]map[string]struct{})
	r.byType = make(map[domain.EventType]map[string]struct{})
	r.byCategory = make(map[domain.Category]map[string]struct{})
	r.wildcard = make(map[string]struct{})
	for _, s := range subs {
		r.indexLocked(s)
	}
	return nil
}

// Create persists a new subscription owned by userID and indexes it.
func (r *Registry) Create(userID string, filter domain.EventFilter, sessionID string, expiresAt *time.Time) (*domain.Subscription, error) {
	if userID == "" {
		return nil, domain.NewValidationError("user_id is required")
	}
	now := time.Now().UTC()
	s := &domain.Subscription{
		ID:        uuid.NewString(),
		UserID:    userID,
		SessionID: sessionID,
		Filter:    filter,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: expiresAt,
	}
	if err := r.store.InsertSubscription(s); err != nil {
		return nil, domain.NewPersistenceError("insert subscription", err)
	}

	r.mu.Lock()
	r.indexLocked(s)
	r.mu.Unlock()
	return s, nil
}

// Update applies mutate to the subscription identified by id, enforcing
// that only the owner or an admin may do so. Unknown id returns NotFound.
func (r *Registry) Update(id, requestingUserID string, mutate func(*domain.Subscription)) (*domain.Subscription, error) {
	r.mu.Lock()
	s, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return nil, domain.NewNotFoundError("subscription not found")
	}
	if s.UserID != requestingUserID && !r.admin.IsAdmin(requestingUserID) {
		return nil, domain.NewPermissionDeniedError("not owner or admin")
	}

	r.mu.Lock()
	r.unindexLocked(s)
	mutate(s)
	s.UpdatedAt = time.Now().UTC()
	r.indexLocked(s)
	r.mu.Unlock()

	if err := r.store.UpdateSubscription(s); err != nil {
		return nil, domain.NewPersistenceError("update subscription", err)
	}
	return s, nil
}

// Delete removes the subscription identified by id. Idempotent: deleting
// an id that no longer exists succeeds silently. The owner or an admin
// may delete; anyone else touching a subscription that still exists is
// rejected with PermissionDenied.
func (r *Registry) Delete(id, requestingUserID string) error {
	r.mu.Lock()
	s, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if s.UserID != requestingUserID && !r.admin.IsAdmin(requestingUserID) {
		return domain.NewPermissionDeniedError("not owner or admin")
	}

	if err := r.store.DeleteSubscription(id); err != nil {
		return domain.NewPersistenceError("delete subscription", err)
	}

	r.mu.Lock()
	r.unindexLocked(s)
	delete(r.byID, id)
	r.mu.Unlock()
	return nil
}

// ListForUser returns the live subscriptions owned by userID.
func (r *Registry) ListForUser(userID string) []*domain.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now().UTC()
	ids := r.byUser[userID]
	out := make([]*domain.Subscription, 0, len(ids))
	for id := range ids {
		if s := r.byID[id]; s != nil && s.IsLive(now) {
			out = append(out, s)
		}
	}
	return out
}

// Match returns every live subscription that should receive event e,
// implementing eventbus.SubscriptionMatcher. Admin-only event types are
// only offered to subscriptions owned by an administrator.
func (r *Registry) Match(e *domain.Event) []*domain.Subscription {
	now := time.Now().UTC()
	adminOnly := domain.IsAdminOnly(e.Type)

	r.mu.RLock()
	candidates := make(map[string]*domain.Subscription)
	for id := range r.byType[e.Type] {
		if s := r.byID[id]; s != nil {
			candidates[id] = s
		}
	}
	for id := range r.byCategory[e.Category] {
		if s := r.byID[id]; s != nil {
			candidates[id] = s
		}
	}
	for id := range r.wildcard {
		if s := r.byID[id]; s != nil {
			candidates[id] = s
		}
	}
	r.mu.RUnlock()

	var out []*domain.Subscription
	for _, s := range candidates {
		isAdminSub := r.admin.IsAdmin(s.UserID)
		var matched bool
		if adminOnly {
			matched = isAdminSub && s.MatchesAdmin(e, now)
		} else {
			matched = s.Matches(e, now)
		}
		if matched {
			out = append(out, s)
		}
	}
	return out
}

// SweepExpired deletes subscriptions whose expires_at has passed as of
// now, returning the count removed. Intended to run periodically
// alongside the retention housekeeping cron.
func (r *Registry) SweepExpired(now time.Time) int {
	r.mu.Lock()
	var expired []*domain.Subscription
	for _, s := range r.byID {
		if s.ExpiresAt != nil && !now.Before(*s.ExpiresAt) {
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	removed := 0
	for _, s := range expired {
		if err := r.store.DeleteSubscription(s.ID); err != nil {
			continue
		}
		r.mu.Lock()
		r.unindexLocked(s)
		delete(r.byID, s.ID)
		r.mu.Unlock()
		removed++
	}
	return removed
}

// indexLocked adds s to every index bucket it belongs in. Caller must
// hold r.mu for writing.
func (r *Registry) indexLocked(s *domain.Subscription) {
	r.byID[s.ID] = s

	if r.byUser[s.UserID] == nil {
		r.byUser[s.UserID] = make(map[string]struct{})
	}
	r.byUser[s.UserID][s.ID] = struct{}{}

	switch {
	case len(s.Filter.EventTypes) > 0:
		for _, t := range s.Filter.EventTypes {
			if r.byType[t] == nil {
				r.byType[t] = make(map[string]struct{})
			}
			r.byType[t][s.ID] = struct{}{}
		}
	case len(s.Filter.EventCategories) > 0:
		for _, c := range s.Filter.EventCategories {
			if r.byCategory[c] == nil {
				r.byCategory[c] = make(map[string]struct{})
			}
			r.byCategory[c][s.ID] = struct{}{}
		}
	default:
		r.wildcard[s.ID] = struct{}{}
	}
}

// unindexLocked removes s from every index bucket. Caller must hold r.mu
// for writing.
func (r *Registry) unindexLocked(s *domain.Subscription) {
	if ids := r.byUser[s.UserID]; ids != nil {
		delete(ids, s.ID)
		if len(ids) == 0 {
			delete(r.byUser, s.UserID)
		}
	}
	for _, t := range s.Filter.EventTypes {
		if ids := r.byType[t]; ids != nil {
			delete(ids, s.ID)
		}
	}
	for _, c := range s.Filter.EventCategories {
		if ids := r.byCategory[c]; ids != nil {
			delete(ids, s.ID)
		}
	}
	delete(r.wildcard, s.ID)
}
