package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/xgauravyaduvanshii/laptoprelay/proto"
	"github.com/xgauravyaduvanshii/laptoprelay/tunnel"
)

// handleEvents streams the recording events of one logical session. Nothing
// is replayed: a subscriber only sees events broadcast after it joined.
func (s *Server) handleEvents(c *gin.Context, sessionID string) {
	session, err := s.authorizeClient(c)
	if err != nil {
		respondError(c, err)
		return
	}

	key := tunnel.StreamKey{TunnelID: session.TunnelID, SessionID: sessionID, Kind: proto.StreamRecording}
	sink := tunnel.NewChanSink(s.cfg.SSEBuffer)
	if err := session.Streams().Subscribe(key, sink); err != nil {
		respondError(c, err)
		return
	}
	defer session.Streams().Unsubscribe(key, sink)

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	log.Debug().Str("tunnel", session.TunnelID).Str("session", sessionID).Msg("sse subscriber joined")
	defer log.Debug().Str("tunnel", session.TunnelID).Str("session", sessionID).Msg("sse subscriber left")

	heartbeat := time.NewTicker(s.cfg.SSEHeartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sink.Events():
			if !ok {
				// dropped by the hub: tunnel closed or this client fell behind
				return
			}
			if err := writeEvent(c.Writer, ev); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := writeEvent(c.Writer, tunnel.Event{Comment: "heartbeat"}); err != nil {
				return
			}
		}
		c.Writer.Flush()
	}
}

func writeEvent(w gin.ResponseWriter, ev tunnel.Event) error {
	if ev.Comment != "" {
		_, err := fmt.Fprintf(w, ": %s\n\n", ev.Comment)
		return err
	}
	return sse.Encode(w, sse.Event{Event: ev.Name, Data: ev.Data})
}
