// Package laptop is the private side of the relay: it keeps one outbound
// WebSocket to the relay open, replays proxied requests against a local HTTP
// target and pushes session events back up.
package laptop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"

	"github.com/xgauravyaduvanshii/laptoprelay/proto"
)

var (
	ErrNotConnected = errors.New("not connected to relay")
	// ErrRejected means the relay refused the connection credentials; retrying
	// with the same wsUrl cannot succeed.
	ErrRejected = errors.New("relay rejected connection credentials")
)

type Config struct {
	// WSURL is the wsUrl issued at registration, including api_key.
	WSURL string
	// Target is the base URL of the local service, e.g. http://127.0.0.1:3000.
	Target string

	HTTPClient       *http.Client
	MinRetryInterval time.Duration
	MaxRetryInterval time.Duration
	// MaxRetryCount bounds consecutive failed attempts; zero means forever.
	MaxRetryCount int
}

type Client struct {
	cfg  Config
	http *http.Client

	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	inflight map[string]context.CancelFunc

	connected chan struct{}
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MinRetryInterval <= 0 {
		cfg.MinRetryInterval = 500 * time.Millisecond
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = 30 * time.Second
	}
	return &Client{
		cfg:       cfg,
		http:      cfg.HTTPClient,
		inflight:  map[string]context.CancelFunc{},
		connected: make(chan struct{}, 1),
	}
}

// Connected delivers a value each time the relay acknowledges a connection.
func (c *Client) Connected() <-chan struct{} { return c.connected }

// Run keeps the tunnel connected until ctx is cancelled, the relay rejects
// the credentials or MaxRetryCount consecutive attempts fail.
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: c.cfg.MinRetryInterval, Max: c.cfg.MaxRetryInterval, Factor: 2, Jitter: true}
	for {
		established, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		if established {
			b.Reset()
		}

		attempt := int(b.Attempt())
		if c.cfg.MaxRetryCount > 0 && attempt >= c.cfg.MaxRetryCount {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		d := b.Duration()
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", d).Msg("relay connection lost")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
	}
}

// runOnce dials the relay and serves the connection until it fails. The first
// result reports whether the relay acknowledged the connection.
func (c *Client) runOnce(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.WSURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("relay dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.cancelInflight()
		_ = conn.Close()
	}()

	established := false
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return established, fmt.Errorf("%w: %v", ErrRejected, err)
			}
			return established, err
		}

		env, err := proto.Decode(msg)
		if err != nil {
			log.Warn().Err(err).Msg("ignoring malformed frame from relay")
			continue
		}

		switch env.Type {
		case proto.TypeConnected:
			established = true
			log.Info().Str("url", redactURL(c.cfg.WSURL)).Msg("tunnel connected")
			select {
			case c.connected <- struct{}{}:
			default:
			}
		case proto.TypeHTTPRequest:
			frame, err := env.HTTPRequest()
			if err != nil {
				log.Warn().Err(err).Msg("ignoring http_request frame")
				continue
			}
			c.startRequest(ctx, frame)
		case proto.TypeCancel:
			frame, err := env.Cancel()
			if err != nil {
				continue
			}
			if c.abort(frame.RequestID) {
				log.Debug().Str("request", frame.RequestID).Str("reason", frame.Reason).Msg("request cancelled by relay")
			}
		case proto.TypePing:
			_ = c.send(proto.PingFrame{Type: proto.TypePong})
		case proto.TypePong:
		case proto.TypeError:
			log.Warn().RawJSON("frame", env.Raw).Msg("relay error")
		default:
			log.Debug().Str("type", env.Type).Msg("ignoring unknown frame type")
		}
	}
}

func (c *Client) startRequest(ctx context.Context, frame *proto.HTTPRequestFrame) {
	reqCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.inflight[frame.RequestID] = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, frame.RequestID)
			c.mu.Unlock()
			cancel()
		}()

		resp := c.forward(reqCtx, frame)
		if reqCtx.Err() != nil {
			// cancelled: the relay has already given up on this id
			return
		}
		if err := c.send(resp); err != nil {
			log.Warn().Err(err).Str("request", frame.RequestID).Msg("failed to send response")
		}
	}()
}

func (c *Client) abort(requestID string) bool {
	c.mu.Lock()
	cancel, ok := c.inflight[requestID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (c *Client) cancelInflight() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, cancel := range c.inflight {
		cancel()
		delete(c.inflight, id)
	}
}

// forward replays frame against the local target. Failures become a 502
// response rather than an error so the remote caller is always answered.
func (c *Client) forward(ctx context.Context, frame *proto.HTTPRequestFrame) *proto.HTTPResponseFrame {
	target := strings.TrimRight(c.cfg.Target, "/") + frame.Path
	if len(frame.Query) > 0 {
		q := url.Values{}
		for k, v := range frame.Query {
			q.Set(k, v)
		}
		target += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, frame.Method, target, bytes.NewReader(decodeBody(frame.Body)))
	if err != nil {
		return errorResponse(frame.RequestID, http.StatusBadGateway, err)
	}
	for key, value := range frame.Headers {
		if strings.EqualFold(key, "accept-encoding") {
			// leave compression to the transport so bodies arrive decoded
			continue
		}
		req.Header.Set(key, value)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return errorResponse(frame.RequestID, http.StatusBadGateway, err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return errorResponse(frame.RequestID, http.StatusBadGateway, err)
	}

	headers := map[string]string{}
	for key, values := range res.Header {
		if len(values) > 0 {
			headers[strings.ToLower(key)] = values[0]
		}
	}
	return &proto.HTTPResponseFrame{
		Type:       proto.TypeHTTPResponse,
		RequestID:  frame.RequestID,
		StatusCode: res.StatusCode,
		Headers:    headers,
		Body:       encodeBody(resBody, res.Header.Get("Content-Type")),
	}
}

func errorResponse(requestID string, status int, err error) *proto.HTTPResponseFrame {
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	return &proto.HTTPResponseFrame{
		Type:       proto.TypeHTTPResponse,
		RequestID:  requestID,
		StatusCode: status,
		Headers:    map[string]string{"content-type": "application/json"},
		Body:       body,
	}
}

// decodeBody undoes the relay's body encoding: a JSON string carries raw
// text, anything else is the JSON document itself.
func decodeBody(body json.RawMessage) []byte {
	if len(body) == 0 || string(body) == "null" {
		return nil
	}
	if body[0] == '"' {
		var text string
		if err := json.Unmarshal(body, &text); err == nil {
			return []byte(text)
		}
	}
	return body
}

// encodeBody embeds JSON responses as-is and everything else as a JSON
// string.
func encodeBody(body []byte, contentType string) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if (mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")) && json.Valid(body) {
		return body
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}

// Emit pushes a session event to the relay's SSE subscribers.
func (c *Client) Emit(frame proto.EventFrame) error {
	if !proto.IsEventType(frame.Type) {
		return fmt.Errorf("%q is not an event frame type", frame.Type)
	}
	if frame.SessionID == "" {
		return proto.ErrMissingSessionID
	}
	return c.send(frame)
}

func (c *Client) send(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Query().Has("api_key") {
		q := u.Query()
		q.Set("api_key", "redacted")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
