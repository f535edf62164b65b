package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/xgauravyaduvanshii/laptoprelay/tunnel"
)

type apiError struct {
	Error string `json:"error"`
}

// statusFor maps the relay's error taxonomy onto HTTP status codes. The
// second result is false for errors outside the taxonomy.
func statusFor(err error) (int, bool) {
	var authErr *tunnel.AuthError
	var invalidErr *tunnel.InvalidRequestError
	switch {
	case errors.As(err, &authErr):
		return authErr.Status, true
	case errors.As(err, &invalidErr):
		return http.StatusBadRequest, true
	case errors.Is(err, tunnel.ErrTunnelNotFound):
		return http.StatusNotFound, true
	case errors.Is(err, tunnel.ErrGatewayTimeout):
		return http.StatusGatewayTimeout, true
	case errors.Is(err, tunnel.ErrTunnelClosed), errors.Is(err, tunnel.ErrTunnelReplaced):
		return http.StatusBadGateway, true
	}
	return http.StatusInternalServerError, false
}

// respondError writes the JSON error body for err. Unexpected errors are
// logged with the request path and answered with a generic message.
func respondError(c *gin.Context, err error) {
	if errors.Is(err, context.Canceled) {
		// the caller is gone; nobody is reading the response
		c.Abort()
		return
	}
	status, known := statusFor(err)
	if !known {
		log.Error().Err(err).Str("method", c.Request.Method).Str("path", c.Request.URL.Path).Msg("unhandled error")
		c.AbortWithStatusJSON(status, apiError{Error: "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, apiError{Error: err.Error()})
}
