package tunnel

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xgauravyaduvanshii/laptoprelay/proto"
)

// Result is the single resolution of a pending request.
type Result struct {
	Response *proto.HTTPResponseFrame
	Err      error
}

// PendingRequest is one proxied call waiting for its http_response frame.
type PendingRequest struct {
	ID        string
	Deadline  time.Time
	CreatedAt time.Time

	result chan Result
}

// Done yields exactly one Result once the request is resolved by a response
// or failed by the tunnel going away.
func (p *PendingRequest) Done() <-chan Result {
	return p.result
}

// PendingTable holds the in-flight requests of one tunnel. Removal from the
// table is what claims a request, so each id resolves at most once.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*PendingRequest
	closed  error
}

func NewPendingTable() *PendingTable {
	return &PendingTable{entries: map[string]*PendingRequest{}}
}

// Add registers a new request with a fresh correlation id.
func (t *PendingTable) Add(deadline time.Time) (*PendingRequest, error) {
	p := &PendingRequest{
		ID:        uuid.NewString(),
		Deadline:  deadline,
		CreatedAt: time.Now(),
		result:    make(chan Result, 1),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed != nil {
		return nil, t.closed
	}
	t.entries[p.ID] = p
	return p, nil
}

func (t *PendingTable) claim(id string) *PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.entries[id]
	delete(t.entries, id)
	return p
}

// Resolve completes the request named by the frame.
func (t *PendingTable) Resolve(frame *proto.HTTPResponseFrame) error {
	p := t.claim(frame.RequestID)
	if p == nil {
		return ErrUnknownRequest
	}
	p.result <- Result{Response: frame}
	return nil
}

// Fail completes a single request with err.
func (t *PendingTable) Fail(id string, err error) bool {
	p := t.claim(id)
	if p == nil {
		return false
	}
	p.result <- Result{Err: err}
	return true
}

// Remove discards a request without delivering anything. It reports whether
// the caller won the request; false means a result is already on its way.
func (t *PendingTable) Remove(id string) bool {
	return t.claim(id) != nil
}

// FailAll fails every in-flight request with err and refuses new ones.
func (t *PendingTable) FailAll(err error) int {
	t.mu.Lock()
	entries := t.entries
	t.entries = map[string]*PendingRequest{}
	if t.closed == nil {
		t.closed = err
	}
	t.mu.Unlock()

	for _, p := range entries {
		p.result <- Result{Err: err}
	}
	return len(entries)
}

func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
