package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/xgauravyaduvanshii/laptoprelay/tunnel"
)

type createTunnelRequest struct {
	Name     string `json:"name" binding:"required,max=100"`
	TunnelID string `json:"tunnel_id"`
}

type tunnelConfig struct {
	TunnelID   string `json:"tunnelId"`
	APIKey     string `json:"apiKey"`
	PublicURL  string `json:"publicUrl"`
	WSURL      string `json:"wsUrl"`
	IsRestored bool   `json:"isRestored"`
}

type createTunnelResponse struct {
	Config tunnelConfig `json:"config"`
}

func (s *Server) handleCreateTunnel(c *gin.Context) {
	key := registrationKeyFrom(c.Request)
	if err := s.registrar.AuthorizeRegistration(key); err != nil {
		respondError(c, err)
		return
	}

	var req createTunnelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, &tunnel.InvalidRequestError{Reason: "invalid request body: " + err.Error()})
		return
	}

	issued, err := s.registrar.CreateTunnel(key, strings.TrimSpace(req.Name), strings.TrimSpace(req.TunnelID))
	if err != nil {
		respondError(c, err)
		return
	}

	kind := "new"
	if issued.IsRestored {
		kind = "restored"
	}
	s.metrics.registrations.WithLabelValues(kind).Inc()

	id := issued.Credentials.TunnelID
	base := s.baseURL(c.Request)
	log.Info().Str("tunnel", id).Str("name", issued.Credentials.Name).Bool("restored", issued.IsRestored).Msg("tunnel registered")

	c.JSON(http.StatusOK, createTunnelResponse{Config: tunnelConfig{
		TunnelID:   id,
		APIKey:     issued.Credentials.ClientAuthKey,
		PublicURL:  base + "/api/" + id,
		WSURL:      wsBase(base) + "/tunnel/" + id + "?api_key=" + url.QueryEscape(issued.ConnectToken),
		IsRestored: issued.IsRestored,
	}})
}

func registrationKeyFrom(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(headerAPIKey)); key != "" {
		return key
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// baseURL is the externally visible origin of the relay, without a trailing
// slash.
func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimRight(s.cfg.PublicURL, "/")
	}
	return requestProto(r) + "://" + r.Host
}

func requestProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		return strings.ToLower(strings.TrimSpace(forwarded))
	}
	return "http"
}

func wsBase(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
