package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// accessLog logs one line per HTTP request. Proxied and SSE requests carry
// the tunnel id.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		evt := log.Info()
		if c.Writer.Status() >= 500 {
			evt = log.Warn()
		}
		if id := c.Param("tunnelId"); id != "" {
			evt = evt.Str("tunnel", id)
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Str("remote", c.ClientIP()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
