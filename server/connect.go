package server

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/xgauravyaduvanshii/laptoprelay/proto"
	"github.com/xgauravyaduvanshii/laptoprelay/tunnel"
)

const controlWriteWait = 5 * time.Second

// handleConnect upgrades the laptop's WebSocket. Credentials are checked after
// the upgrade so a rejected laptop gets a close code it can act on.
func (s *Server) handleConnect(c *gin.Context) {
	tunnelID := c.Param("tunnelId")
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("tunnel", tunnelID).Msg("websocket upgrade failed")
		return
	}

	creds, err := s.registrar.AuthorizeConnect(tunnelID, c.Query("api_key"))
	if err != nil {
		s.metrics.rejects.Inc()
		log.Warn().Err(err).Str("tunnel", tunnelID).Str("remote", c.ClientIP()).Msg("laptop connection rejected")
		reason := "invalid connection credentials"
		if errors.Is(err, tunnel.ErrTunnelNotFound) {
			reason = "unknown tunnel"
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason),
			time.Now().Add(controlWriteWait))
		_ = conn.Close()
		return
	}

	conn.SetReadLimit(s.cfg.MaxFrameBytes)

	// the ack goes out before the session is published, so it is always the
	// first frame the laptop reads
	_ = conn.SetWriteDeadline(time.Now().Add(tunnel.WriteWait))
	if err := conn.WriteJSON(proto.ConnectedFrame{Type: proto.TypeConnected, TunnelID: creds.TunnelID}); err != nil {
		log.Warn().Err(err).Str("tunnel", creds.TunnelID).Msg("failed to send connection ack")
		_ = conn.Close()
		return
	}

	session := s.store.Register(creds.TunnelID, creds.ClientAuthKey, conn)
	s.metrics.connects.Inc()
	log.Info().Str("tunnel", session.TunnelID).Str("remote", c.ClientIP()).Msg("laptop connected")

	go s.serveSession(conn, session)
}

// serveSession owns the read side of one laptop connection until it fails,
// then unregisters the session if it is still the current one.
func (s *Server) serveSession(conn *websocket.Conn, session *tunnel.Session) {
	defer func() {
		s.store.UnregisterSession(session)
		log.Info().Str("tunnel", session.TunnelID).AnErr("reason", session.Err()).Msg("laptop disconnected")
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		session.Touch()
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	go s.pingLoop(conn, session)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("tunnel", session.TunnelID).Msg("tunnel read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if err := session.Dispatch(message); err != nil {
			s.dropFrame(session, err)
		}
	}
}

func (s *Server) pingLoop(conn *websocket.Conn, session *tunnel.Session) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-session.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait)); err != nil {
				log.Debug().Err(err).Str("tunnel", session.TunnelID).Msg("ping failed")
				session.Close(tunnel.ErrTunnelClosed)
				return
			}
		}
	}
}

func (s *Server) dropFrame(session *tunnel.Session, err error) {
	if errors.Is(err, tunnel.ErrUnknownRequest) {
		// late answer for a request that already timed out or was cancelled
		s.metrics.droppedFrames.WithLabelValues("late_response").Inc()
		log.Debug().Err(err).Str("tunnel", session.TunnelID).Msg("dropping response")
		return
	}
	if errors.Is(err, tunnel.ErrTunnelClosed) {
		return
	}

	code := frameErrorCode(err)
	s.metrics.droppedFrames.WithLabelValues(code).Inc()
	log.Warn().Err(err).Str("tunnel", session.TunnelID).Str("code", code).Msg("dropping frame")
	_ = session.Send(proto.ErrorFrame{Type: proto.TypeError, Code: code, Message: err.Error()})
}

func frameErrorCode(err error) string {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return "bad_json"
	case errors.Is(err, tunnel.ErrUnknownFrame):
		return "unknown_type"
	default:
		return "invalid_frame"
	}
}
