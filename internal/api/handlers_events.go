package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hybrid-dns/eventbroker/internal/domain"
	"github.com/hybrid-dns/eventbroker/internal/eventbus"
)

// publishEventRequest is the wire shape of POST /api/events. Only the
// fields a producer is expected to set are exposed; id/created_at/
// category/retry bookkeeping are the Bus's responsibility.
type publishEventRequest struct {
	Type         domain.EventType       `json:"type" binding:"required"`
	Priority     domain.Priority        `json:"priority"`
	Severity     domain.Severity        `json:"severity"`
	SourceUserID string                 `json:"source_user_id"`
	TargetUserID string                 `json:"target_user_id"`
	Data         map[string]interface{} `json:"data"`
	Metadata     domain.Metadata        `json:"metadata"`
	ExpiresAt    *time.Time             `json:"expires_at,omitempty"`
}

// publishEvent implements emit(event) (spec.md §4.1/§6's
// POST /api/events): the thin translation layer validates shape, then
// the Bus itself derives category/immediacy and persists.
func (s *RESTServer) publishEvent(c *gin.Context) {
	var req publishEventRequest
	if err := c.BindJSON(&req); err != nil {
		respondBadRequest(c, err, true)
		return
	}

	e := &domain.Event{
		Type:         req.Type,
		Category:     domain.GetCategory(req.Type),
		Priority:     req.Priority,
		Severity:     req.Severity,
		SourceUserID: req.SourceUserID,
		TargetUserID: req.TargetUserID,
		Data:         req.Data,
		Metadata:     req.Metadata,
		ExpiresAt:    req.ExpiresAt,
	}
	if e.Priority == "" {
		e.Priority = domain.PriorityNormal
	}
	if e.Severity == "" {
		e.Severity = domain.SeverityInfo
	}

	id, err := s.bus.Emit(e, eventbus.DefaultEmitOptions())
	if err != nil {
		respondCoreError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": id})
}
