package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hybrid-dns/eventbroker/internal/auth"
	"github.com/hybrid-dns/eventbroker/internal/domain"
)

// createSubscriptionRequest is the wire shape of POST /api/subscriptions.
// UserID is accepted but defaults to the administrative account under the
// single-admin auth model, mirroring acknowledgeCriticalNotification.
type createSubscriptionRequest struct {
	UserID    string            `json:"user_id"`
	SessionID string            `json:"session_id"`
	Filter    domain.EventFilter `json:"filter"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// createSubscription implements create(filter) (spec.md §4.2/§6's
// POST /api/subscriptions).
func (s *RESTServer) createSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.BindJSON(&req); err != nil {
		respondBadRequest(c, err, true)
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = auth.AdminUserID
	}

	sub, err := s.subs.Create(userID, req.Filter, req.SessionID, req.ExpiresAt)
	if err != nil {
		respondCoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

// listSubscriptions implements list_for_user (spec.md §4.2's query path)
// for the GET /api/subscriptions route.
func (s *RESTServer) listSubscriptions(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		userID = auth.AdminUserID
	}
	subs, err := s.subs.ListForUser(userID)
	if err != nil {
		respondCoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, subs)
}

// updateSubscriptionRequest is the wire shape of PATCH
// /api/subscriptions/:id. Only fields present are applied; nil Filter/
// IsActive leave the stored value untouched.
type updateSubscriptionRequest struct {
	Filter    *domain.EventFilter `json:"filter,omitempty"`
	IsActive  *bool               `json:"is_active,omitempty"`
	ExpiresAt *time.Time          `json:"expires_at,omitempty"`
}

// updateSubscription implements update(id, filter) (spec.md §4.2's
// mutation path) for PATCH /api/subscriptions/:id.
func (s *RESTServer) updateSubscription(c *gin.Context) {
	id := c.Param("id")
	var req updateSubscriptionRequest
	if err := c.BindJSON(&req); err != nil {
		respondBadRequest(c, err, true)
		return
	}
	userID := c.Query("user_id")
	if userID == "" {
		userID = auth.AdminUserID
	}

	sub, err := s.subs.Update(id, userID, func(sub *domain.Subscription) {
		if req.Filter != nil {
			sub.Filter = *req.Filter
		}
		if req.IsActive != nil {
			sub.IsActive = *req.IsActive
		}
		if req.ExpiresAt != nil {
			sub.ExpiresAt = req.ExpiresAt
		}
	})
	if err != nil {
		respondCoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// deleteSubscription implements delete(id) (spec.md §4.2's teardown
// path) for DELETE /api/subscriptions/:id.
func (s *RESTServer) deleteSubscription(c *gin.Context) {
	id := c.Param("id")
	userID := c.Query("user_id")
	if userID == "" {
		userID = auth.AdminUserID
	}
	if err := s.subs.Delete(id, userID); err != nil {
		respondCoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}
