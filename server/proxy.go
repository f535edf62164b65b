package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/xgauravyaduvanshii/laptoprelay/proto"
	"github.com/xgauravyaduvanshii/laptoprelay/tunnel"
)

var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"content-length":      {},
}

// handleAPI serves everything under /api/:tunnelId. The recording event
// stream shares the prefix with the proxied surface, so it is split off here
// rather than in the router.
func (s *Server) handleAPI(c *gin.Context) {
	if sessionID, ok := eventStreamPath(c.Request.Method, c.Param("path")); ok {
		s.handleEvents(c, sessionID)
		return
	}
	s.handleProxy(c)
}

// eventStreamPath matches GET /recording/:sessionId/events.
func eventStreamPath(method, path string) (string, bool) {
	if method != http.MethodGet {
		return "", false
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] != proto.StreamRecording || parts[2] != "events" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// authorizeClient resolves the live session for the request's tunnel and
// checks the client auth key.
func (s *Server) authorizeClient(c *gin.Context) (*tunnel.Session, error) {
	tunnelID := c.Param("tunnelId")
	session, ok := s.store.Get(tunnelID)
	if !ok {
		return nil, fmt.Errorf("tunnel %s: %w", tunnelID, tunnel.ErrTunnelNotFound)
	}
	presented := strings.TrimSpace(c.GetHeader(headerLaptopAuthKey))
	if err := s.registrar.AuthorizeClient(tunnelID, presented, session.ClientAuthKey); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Server) handleProxy(c *gin.Context) {
	session, err := s.authorizeClient(c)
	if err != nil {
		if errors.Is(err, tunnel.ErrTunnelNotFound) {
			s.metrics.proxied.WithLabelValues("not_found").Inc()
		}
		respondError(c, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, apiError{Error: "request body too large"})
			return
		}
		respondError(c, &tunnel.InvalidRequestError{Reason: "read request body: " + err.Error()})
		return
	}

	req := &proto.HTTPRequestFrame{
		Method:  c.Request.Method,
		Path:    c.Param("path"),
		Headers: forwardHeaders(c.Request.Header),
		Body:    encodeBody(body),
		Query:   flattenQuery(c.Request.URL.Query()),
	}

	start := time.Now()
	resp, err := session.RoundTrip(c.Request.Context(), req, s.cfg.RequestTimeout)
	s.metrics.proxyLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.proxied.WithLabelValues(proxyOutcome(err)).Inc()
		if !errors.Is(err, tunnel.ErrGatewayTimeout) {
			log.Debug().Err(err).Str("tunnel", session.TunnelID).Str("path", req.Path).Msg("proxied request failed")
		}
		respondError(c, err)
		return
	}
	if !validStatus(resp.StatusCode) {
		s.metrics.droppedFrames.WithLabelValues("bad_status").Inc()
		s.metrics.proxied.WithLabelValues("bad_status").Inc()
		log.Warn().Str("tunnel", session.TunnelID).Int("status", resp.StatusCode).Str("request", resp.RequestID).Msg("laptop answered with an invalid status code")
		c.AbortWithStatusJSON(http.StatusBadGateway, apiError{Error: fmt.Sprintf("tunnel returned invalid status code %d", resp.StatusCode)})
		return
	}
	s.metrics.proxied.WithLabelValues("ok").Inc()
	writeResponse(c, resp)
}

// validStatus accepts 0, which stands for 200, and final HTTP status codes.
// Informational 1xx codes cannot end a response.
func validStatus(code int) bool {
	return code == 0 || (code >= 200 && code <= 599)
}

func proxyOutcome(err error) string {
	switch {
	case errors.Is(err, tunnel.ErrGatewayTimeout):
		return "timeout"
	case errors.Is(err, tunnel.ErrTunnelClosed), errors.Is(err, tunnel.ErrTunnelReplaced):
		return "disconnected"
	default:
		return "caller_gone"
	}
}

func forwardHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		lower := strings.ToLower(name)
		if _, skip := hopByHopHeaders[lower]; skip {
			continue
		}
		if lower == strings.ToLower(headerLaptopAuthKey) || len(values) == 0 {
			continue
		}
		out[lower] = strings.Join(values, ", ")
	}
	return out
}

// flattenQuery keeps the first value of each query parameter.
func flattenQuery(q map[string][]string) map[string]string {
	out := make(map[string]string, len(q))
	for k, v := range q {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// encodeBody embeds JSON bodies as-is and anything else as a JSON string.
func encodeBody(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return json.RawMessage(quoted)
}

func writeResponse(c *gin.Context, resp *proto.HTTPResponseFrame) {
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	contentType := ""
	for name, value := range resp.Headers {
		lower := strings.ToLower(name)
		if _, skip := hopByHopHeaders[lower]; skip {
			continue
		}
		if lower == "content-type" {
			contentType = value
			continue
		}
		c.Header(name, value)
	}

	body := []byte(resp.Body)
	if len(body) == 0 || string(body) == "null" {
		c.Status(status)
		if contentType != "" {
			c.Header("Content-Type", contentType)
		}
		c.Writer.WriteHeaderNow()
		return
	}

	if body[0] == '"' {
		var text string
		if err := json.Unmarshal(body, &text); err == nil {
			if contentType == "" {
				contentType = "text/plain; charset=utf-8"
			}
			c.Data(status, contentType, []byte(text))
			return
		}
	}

	if contentType == "" {
		contentType = "application/json; charset=utf-8"
	}
	c.Data(status, contentType, body)
}
