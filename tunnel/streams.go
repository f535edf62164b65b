package tunnel

import (
	"encoding/json"
	"sync"
)

// StreamKey groups the SSE subscribers that receive the same events.
type StreamKey struct {
	TunnelID  string
	SessionID string
	Kind      string
}

func (k StreamKey) String() string {
	return k.TunnelID + "/" + k.SessionID + "/" + k.Kind
}

// Event is one server-sent event. A non-empty Comment makes it a comment line
// (used for heartbeats) and the other fields are ignored.
type Event struct {
	Name    string
	Data    json.RawMessage
	Comment string
}

// Sink receives events for one subscriber. Send must not block.
type Sink interface {
	Send(Event) error
	Close()
}

// StreamHub fans tunnel events out to the subscribers of each stream key.
// There is no backlog: an event reaches only the sinks registered when it is
// broadcast.
type StreamHub struct {
	mu     sync.Mutex
	subs   map[StreamKey]map[Sink]struct{}
	closed bool
}

func NewStreamHub() *StreamHub {
	return &StreamHub{subs: map[StreamKey]map[Sink]struct{}{}}
}

// Subscribe adds sink under key and immediately hands it a comment so the
// response starts flowing through proxies.
func (h *StreamHub) Subscribe(key StreamKey, sink Sink) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrTunnelClosed
	}
	set := h.subs[key]
	if set == nil {
		set = map[Sink]struct{}{}
		h.subs[key] = set
	}
	set[sink] = struct{}{}
	h.mu.Unlock()

	if err := sink.Send(Event{Comment: "subscribed " + key.Kind}); err != nil {
		if h.Unsubscribe(key, sink) {
			sink.Close()
		}
		return err
	}
	return nil
}

// Unsubscribe removes sink and drops the key once it has no subscribers.
func (h *StreamHub) Unsubscribe(key StreamKey, sink Sink) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[key]
	if _, ok := set[sink]; !ok {
		return false
	}
	delete(set, sink)
	if len(set) == 0 {
		delete(h.subs, key)
	}
	return true
}

// Broadcast delivers ev to every sink under key and returns how many accepted
// it. A sink that fails is unsubscribed and closed.
func (h *StreamHub) Broadcast(key StreamKey, ev Event) int {
	h.mu.Lock()
	sinks := make([]Sink, 0, len(h.subs[key]))
	for sink := range h.subs[key] {
		sinks = append(sinks, sink)
	}
	h.mu.Unlock()

	delivered := 0
	for _, sink := range sinks {
		if err := sink.Send(ev); err != nil {
			if h.Unsubscribe(key, sink) {
				sink.Close()
			}
			continue
		}
		delivered++
	}
	return delivered
}

// Count returns the number of subscribers under key.
func (h *StreamHub) Count(key StreamKey) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key])
}

// Len returns the number of subscribers across all keys.
func (h *StreamHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// CloseAll closes every sink and refuses new subscriptions.
func (h *StreamHub) CloseAll() int {
	h.mu.Lock()
	subs := h.subs
	h.subs = map[StreamKey]map[Sink]struct{}{}
	h.closed = true
	h.mu.Unlock()

	n := 0
	for _, set := range subs {
		for sink := range set {
			sink.Close()
			n++
		}
	}
	return n
}

// ChanSink is a buffered Sink read by the goroutine that owns the SSE
// response. A full buffer counts as a failed write.
type ChanSink struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{ch: make(chan Event, buffer)}
}

func (s *ChanSink) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- ev:
		return nil
	default:
		return ErrSinkFull
	}
}

func (s *ChanSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Events is closed when the sink is closed.
func (s *ChanSink) Events() <-chan Event {
	return s.ch
}
