package tunnel

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/xgauravyaduvanshii/laptoprelay/proto"
)

// Dispatch routes one inbound frame by type. Every error it returns concerns
// that frame only; the connection stays usable.
func (s *Session) Dispatch(raw []byte) error {
	s.Touch()

	env, err := proto.Decode(raw)
	if err != nil {
		return err
	}

	switch {
	case env.Type == proto.TypeHTTPResponse:
		frame, err := env.HTTPResponse()
		if err != nil {
			return err
		}
		if err := s.pending.Resolve(frame); err != nil {
			return fmt.Errorf("response %s: %w", frame.RequestID, err)
		}
		return nil
	case env.Type == proto.TypePing:
		return s.Send(proto.PingFrame{Type: proto.TypePong})
	case env.Type == proto.TypePong:
		return nil
	case env.Type == proto.TypeError:
		log.Warn().Str("tunnel", s.TunnelID).RawJSON("frame", env.Raw).Msg("laptop reported an error")
		return nil
	case proto.IsEventType(env.Type):
		frame, err := env.Event()
		if err != nil {
			return err
		}
		key := StreamKey{TunnelID: s.TunnelID, SessionID: frame.SessionID, Kind: frame.StreamKind()}
		s.streams.Broadcast(key, Event{Name: frame.Name(), Data: eventData(frame, env.Raw)})
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
	}
}

// eventData is the SSE payload for a frame: its data field, or the whole
// frame when the laptop sent the event fields inline.
func eventData(frame *proto.EventFrame, raw []byte) []byte {
	if len(frame.Data) > 0 {
		return frame.Data
	}
	return raw
}
