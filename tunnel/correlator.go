package tunnel

import (
	"context"
	"fmt"
	"time"

	"github.com/xgauravyaduvanshii/laptoprelay/proto"
)

// RoundTrip forwards req to the laptop and waits for the matching
// http_response. It returns ErrGatewayTimeout once timeout elapses, the
// session's close reason if the tunnel drops, or ctx.Err() if the caller goes
// away. In the last two local cases the laptop is sent an advisory cancel.
func (s *Session) RoundTrip(ctx context.Context, req *proto.HTTPRequestFrame, timeout time.Duration) (*proto.HTTPResponseFrame, error) {
	p, err := s.pending.Add(time.Now().Add(timeout))
	if err != nil {
		return nil, err
	}

	req.Type = proto.TypeHTTPRequest
	req.RequestID = p.ID
	if err := s.sendBy(req, p.Deadline); err != nil {
		if s.pending.Remove(p.ID) {
			return nil, fmt.Errorf("forward request %s: %w", p.ID, ErrTunnelClosed)
		}
		return await(p)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.Done():
		return res.Response, res.Err
	case <-timer.C:
		if !s.pending.Remove(p.ID) {
			return await(p)
		}
		s.cancel(p.ID, "timeout")
		return nil, ErrGatewayTimeout
	case <-ctx.Done():
		if !s.pending.Remove(p.ID) {
			return await(p)
		}
		s.cancel(p.ID, "caller gone")
		return nil, ctx.Err()
	}
}

// await collects a result that was claimed by someone else between our
// timer firing and our attempt to remove the entry.
func await(p *PendingRequest) (*proto.HTTPResponseFrame, error) {
	res := <-p.Done()
	return res.Response, res.Err
}

func (s *Session) cancel(requestID, reason string) {
	_ = s.Send(proto.CancelFrame{Type: proto.TypeCancel, RequestID: requestID, Reason: reason})
}
