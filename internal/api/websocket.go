package api

import (
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/hybrid-dns/eventbroker/internal/domain"
	"github.com/hybrid-dns/eventbroker/internal/logger"
)

// getWebSocketUpgrader returns an upgrader with origin validation
// based on the HEALARR_CORS_ORIGIN environment variable, matching the
// REST CORS middleware's allow-list.
func getWebSocketUpgrader() websocket.Upgrader {
	corsOrigins := os.Getenv("HEALARR_CORS_ORIGIN")
	allowedOrigins := make(map[string]bool)
	if corsOrigins != "" && corsOrigins != "*" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if corsOrigins == "*" {
				return true
			}
			if corsOrigins == "" {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true // no Origin header = same-origin request
				}
				parsedOrigin, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return parsedOrigin.Host == r.Host
			}
			origin := r.Header.Get("Origin")
			return allowedOrigins[origin]
		},
	}
}

var upgrader = getWebSocketUpgrader()

// handleWebSocketUpgrade upgrades the HTTP connection and hands it to
// the SessionManager for admission (spec.md §4.4/§6's GET /ws). The
// connecting client supplies its bearer token and desired SessionKind
// as query parameters, mirroring authMiddleware's existing query-param
// token extraction for requests that can't set custom headers.
func (s *RESTServer) handleWebSocketUpgrade(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("Authorization")
		if len(token) > 7 && strings.EqualFold(token[:7], "Bearer ") {
			token = token[7:]
		}
	}

	kind := domain.SessionKind(c.DefaultQuery("kind", string(domain.SessionUnified)))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorf("websocket upgrade failed: %v", err)
		return
	}

	sess, err := s.sessions.Admit(conn, token, kind)
	if err != nil {
		logger.Debugf("websocket admission refused: %v", err)
		return
	}

	sess.Serve()
}
