package tunnel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// WriteWait bounds a single frame write to the laptop.
const WriteWait = 10 * time.Second

// Conn is the write side of a laptop connection. *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session is one connected laptop. Writes to the connection are serialized;
// the pending and stream tables live and die with the session.
type Session struct {
	TunnelID      string
	ClientAuthKey string
	CreatedAt     time.Time

	conn    Conn
	writeMu sync.Mutex

	lastActivity atomic.Int64

	pending *PendingTable
	streams *StreamHub

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func NewSession(tunnelID, clientAuthKey string, conn Conn) *Session {
	now := time.Now()
	s := &Session{
		TunnelID:      tunnelID,
		ClientAuthKey: clientAuthKey,
		CreatedAt:     now,
		conn:          conn,
		pending:       NewPendingTable(),
		streams:       NewStreamHub(),
		done:          make(chan struct{}),
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// Send writes one frame to the laptop, giving up after WriteWait.
func (s *Session) Send(v any) error {
	return s.sendBy(v, time.Now().Add(WriteWait))
}

// sendBy writes v, failing once deadline or WriteWait passes, whichever is
// sooner. A laptop that stops reading cannot stall the caller past it.
func (s *Session) sendBy(v any, deadline time.Time) error {
	select {
	case <-s.done:
		return ErrTunnelClosed
	default:
	}
	if limit := time.Now().Add(WriteWait); deadline.After(limit) {
		deadline = limit
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.conn.SetWriteDeadline(deadline)
	if err == nil {
		err = s.conn.WriteJSON(v)
	}
	if err != nil {
		// a failed or timed out write leaves the connection unusable
		s.Close(fmt.Errorf("%w: write: %v", ErrTunnelClosed, err))
	}
	return err
}

// Touch records inbound activity.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) Pending() *PendingTable { return s.pending }

func (s *Session) Streams() *StreamHub { return s.streams }

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the close reason, or nil while the session is live.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}

// Close tears the session down: the connection is closed, every pending
// request fails with reason and every subscriber is disconnected. Only the
// first call has any effect.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrTunnelClosed
		}
		s.closeErr = reason
		close(s.done)
		_ = s.conn.Close()
		s.pending.FailAll(reason)
		s.streams.CloseAll()
	})
}
