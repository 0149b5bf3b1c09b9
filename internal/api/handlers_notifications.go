package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hybrid-dns/eventbroker/internal/auth"
)

// getCriticalNotification returns one critical notification's current
// state: escalation level, delivery attempts, acknowledgement.
func (s *RESTServer) getCriticalNotification(c *gin.Context) {
	id := c.Param("id")
	notif, err := s.repo.GetNotification(id)
	if err != nil {
		respondCoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, notif)
}

// acknowledgeCriticalNotification implements ack(notification_id,
// user_id) (spec.md §4.7): idempotent, records ack latency, emits
// notification_acknowledged. The single-admin auth model means the
// acking user is always the administrative account.
func (s *RESTServer) acknowledgeCriticalNotification(c *gin.Context) {
	id := c.Param("id")
	if err := s.critical.Acknowledge(s.bus, id, auth.AdminUserID); err != nil {
		respondCoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "acknowledged"})
}
