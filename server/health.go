package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type healthResponse struct {
	Status  string `json:"status"`
	Tunnels int    `json:"tunnels"`
	Uptime  int64  `json:"uptime"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Tunnels: s.store.Len(),
		Uptime:  int64(time.Since(s.startedAt).Seconds()),
	})
}
