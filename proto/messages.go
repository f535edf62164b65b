package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types exchanged over the tunnel WebSocket.
const (
	TypeConnected    = "connected"
	TypeHTTPRequest  = "http_request"
	TypeHTTPResponse = "http_response"
	TypeCancel       = "cancel"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// Session event types. Frames of these types carry a sessionId and are fanned
// out to SSE subscribers of that session.
const (
	TypeRecording       = "recording"
	TypeRecordingStatus = "recording_status"
	TypeTranscription   = "transcription"
	TypeChat            = "chat"
	TypeChatMessage     = "chat_message"
	TypeAudioReady      = "audio_ready"
	TypeEvent           = "event"
)

// StreamRecording is the default stream kind for session events.
const StreamRecording = "recording"

var eventTypes = map[string]struct{}{
	TypeRecording:       {},
	TypeRecordingStatus: {},
	TypeTranscription:   {},
	TypeChat:            {},
	TypeChatMessage:     {},
	TypeAudioReady:      {},
	TypeEvent:           {},
}

// IsEventType reports whether frames of type t are session events.
func IsEventType(t string) bool {
	_, ok := eventTypes[t]
	return ok
}

var (
	ErrMissingType      = errors.New("frame has no type")
	ErrMissingRequestID = errors.New("frame has no requestId")
	ErrMissingSessionID = errors.New("event frame has no sessionId")
)

type ConnectedFrame struct {
	Type     string `json:"type"`
	TunnelID string `json:"tunnelId"`
}

type HTTPRequestFrame struct {
	Type      string            `json:"type"`
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	Body      json.RawMessage   `json:"body,omitempty"`
	Query     map[string]string `json:"query"`
}

type HTTPResponseFrame struct {
	Type       string            `json:"type"`
	RequestID  string            `json:"requestId"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body,omitempty"`
}

type CancelFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// EventFrame is a laptop-originated event addressed to the subscribers of one
// logical session. Stream defaults to StreamRecording when empty.
type EventFrame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Stream    string          `json:"stream,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Name is the SSE event name for the frame.
func (f *EventFrame) Name() string {
	if f.Type == TypeEvent && f.Event != "" {
		return f.Event
	}
	return f.Type
}

// StreamKind returns the stream the frame belongs to.
func (f *EventFrame) StreamKind() string {
	if f.Stream == "" {
		return StreamRecording
	}
	return f.Stream
}

type PingFrame struct {
	Type string `json:"type"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope is the first-pass decode of an inbound frame: just enough to pick
// a handler. Raw keeps the full frame for the second pass.
type Envelope struct {
	Type string
	Raw  []byte
}

// Decode reads the type of a raw frame.
func Decode(raw []byte) (Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if head.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return Envelope{Type: head.Type, Raw: raw}, nil
}

// HTTPResponse decodes the envelope as an http_response frame.
func (e Envelope) HTTPResponse() (*HTTPResponseFrame, error) {
	frame := &HTTPResponseFrame{}
	if err := json.Unmarshal(e.Raw, frame); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Type, err)
	}
	if frame.RequestID == "" {
		return nil, ErrMissingRequestID
	}
	return frame, nil
}

// HTTPRequest decodes the envelope as an http_request frame.
func (e Envelope) HTTPRequest() (*HTTPRequestFrame, error) {
	frame := &HTTPRequestFrame{}
	if err := json.Unmarshal(e.Raw, frame); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Type, err)
	}
	if frame.RequestID == "" {
		return nil, ErrMissingRequestID
	}
	return frame, nil
}

// Cancel decodes the envelope as a cancel frame.
func (e Envelope) Cancel() (*CancelFrame, error) {
	frame := &CancelFrame{}
	if err := json.Unmarshal(e.Raw, frame); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Type, err)
	}
	if frame.RequestID == "" {
		return nil, ErrMissingRequestID
	}
	return frame, nil
}

// Event decodes the envelope as a session event frame.
func (e Envelope) Event() (*EventFrame, error) {
	frame := &EventFrame{}
	if err := json.Unmarshal(e.Raw, frame); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Type, err)
	}
	if frame.SessionID == "" {
		return nil, ErrMissingSessionID
	}
	return frame, nil
}
