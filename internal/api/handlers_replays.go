package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hybrid-dns/eventbroker/internal/auth"
	"github.com/hybrid-dns/eventbroker/internal/domain"
)

// startReplayRequest is the wire shape of POST /api/replays.
type startReplayRequest struct {
	Name        string             `json:"name" binding:"required"`
	OwnerUserID string             `json:"owner_user_id"`
	Filter      domain.EventFilter `json:"filter"`
	Start       time.Time          `json:"start" binding:"required"`
	End         time.Time          `json:"end" binding:"required"`
	Speed       int                `json:"speed"`
}

// startReplay implements start(filter, time_range, speed) (spec.md
// §4.5/§6's POST /api/replays).
func (s *RESTServer) startReplay(c *gin.Context) {
	var req startReplayRequest
	if err := c.BindJSON(&req); err != nil {
		respondBadRequest(c, err, true)
		return
	}
	owner := req.OwnerUserID
	if owner == "" {
		owner = auth.AdminUserID
	}
	speed := req.Speed
	if speed == 0 {
		speed = 1
	}

	rs, err := s.replayEngine.Start(req.Name, owner, req.Filter, req.Start, req.End, speed)
	if err != nil {
		respondCoreError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, rs)
}

// stopReplay implements stop(replay_id) (spec.md §4.5's cancellation
// path) for POST /api/replays/:id/stop. The single-admin auth model
// means the requester is always the administrative account, so this
// always passes isAdmin=true.
func (s *RESTServer) stopReplay(c *gin.Context) {
	id := c.Param("id")
	if err := s.replayEngine.Stop(id, auth.AdminUserID, true); err != nil {
		respondCoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "stopped"})
}

// getReplayStatus implements status(replay_id) (spec.md §4.5's
// progress-polling path) for GET /api/replays/:id.
func (s *RESTServer) getReplayStatus(c *gin.Context) {
	id := c.Param("id")
	rs, err := s.replayEngine.Status(id)
	if err != nil {
		respondCoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, rs)
}
