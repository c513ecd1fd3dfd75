// Package server exposes HTTP handlers for the WebSocket upgrade and health
// checks.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ServeWS upgrades the request to a WebSocket and hands the connection to the
// hub. Origin checks happen inside the upgrade.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	client := NewClient(conn, h, r.RemoteAddr)
	if !h.registerClient(client) {
		client.Close()
	}
}

type healthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}

// HealthHandler reports that the process is serving requests.
func HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{Status: "ok", Time: time.Now().UTC()})
}
