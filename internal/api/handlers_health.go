package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hybrid-dns/eventbroker/internal/config"
)

// handleHealth returns server health status for container orchestration.
// This endpoint must return quickly for container healthchecks.
func (s *RESTServer) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	health := gin.H{
		"status":  "healthy",
		"version": config.Version,
	}

	uptime := time.Since(s.startTime)
	days := int(uptime.Hours()) / 24
	hours := int(uptime.Hours()) % 24
	minutes := int(uptime.Minutes()) % 60
	switch {
	case days > 0:
		health["uptime"] = fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	case hours > 0:
		health["uptime"] = fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		health["uptime"] = fmt.Sprintf("%dm", minutes)
	}

	dbHealth := gin.H{"status": "connected"}
	if err := s.db.PingContext(ctx); err != nil {
		health["status"] = "degraded"
		dbHealth["status"] = "error"
		dbHealth["error"] = err.Error()
	} else if info, err := os.Stat(config.Get().DatabasePath); err == nil {
		dbHealth["size_bytes"] = info.Size()
	}
	health["database"] = dbHealth

	health["bus"] = s.bus.Snapshot()
	health["batcher"] = s.batcher.Snapshot()
	health["delivery"] = s.delivery.Snapshot()
	health["sessions"] = s.sessions.Stats()

	c.JSON(http.StatusOK, health)
}

// handleSystemInfo is the unauthenticated counterpart of get_system_info,
// useful for debugging deployments without an API key handy.
func (s *RESTServer) handleSystemInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":   config.Version,
		"uptime":    time.Since(s.startTime).String(),
		"sessions":  s.sessions.Stats(),
		"bus":       s.bus.Snapshot(),
	})
}
