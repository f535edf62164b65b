package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xgauravyaduvanshii/laptoprelay/config"
	"github.com/xgauravyaduvanshii/laptoprelay/proto"
)

// --- registration ---

func TestCreateTunnelIssuesUniqueCredentials(t *testing.T) {
	_, ts := newTestServer(t)

	ids := map[string]bool{}
	keys := map[string]bool{}
	for i := 0; i < 20; i++ {
		cfg := createTunnel(t, ts.URL, "laptop", "")
		if ids[cfg.TunnelID] {
			t.Fatalf("tunnel id %s issued twice", cfg.TunnelID)
		}
		if keys[cfg.APIKey] {
			t.Fatalf("client auth key issued twice")
		}
		ids[cfg.TunnelID] = true
		keys[cfg.APIKey] = true

		if cfg.IsRestored {
			t.Fatal("fresh registration reported as restored")
		}
		if cfg.PublicURL != ts.URL+"/api/"+cfg.TunnelID {
			t.Fatalf("unexpected publicUrl %s", cfg.PublicURL)
		}
		wantPrefix := "ws" + strings.TrimPrefix(ts.URL, "http") + "/tunnel/" + cfg.TunnelID + "?api_key="
		if !strings.HasPrefix(cfg.WSURL, wantPrefix) {
			t.Fatalf("unexpected wsUrl %s", cfg.WSURL)
		}
	}
}

func TestCreateTunnelRestoreRotatesKey(t *testing.T) {
	_, ts := newTestServer(t)

	first := createTunnel(t, ts.URL, "laptop", "")
	seen := map[string]bool{first.APIKey: true}
	for i := 0; i < 3; i++ {
		restored := createTunnel(t, ts.URL, "laptop", first.TunnelID)
		if restored.TunnelID != first.TunnelID {
			t.Fatalf("restore changed id: %s -> %s", first.TunnelID, restored.TunnelID)
		}
		if !restored.IsRestored {
			t.Fatal("expected isRestored=true")
		}
		if seen[restored.APIKey] {
			t.Fatal("restore reused a previously issued key")
		}
		seen[restored.APIKey] = true
	}
}

func TestCreateTunnelAcceptsBearer(t *testing.T) {
	_, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/tunnel/create", strings.NewReader(`{"name":"x"}`))
	req.Header.Set("Authorization", "Bearer "+testRegistrationKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestCreateTunnelRejections(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name   string
		key    string
		body   string
		status int
	}{
		{name: "missing key", key: "", body: `{"name":"x"}`, status: http.StatusUnauthorized},
		{name: "wrong key", key: "nope", body: `{"name":"x"}`, status: http.StatusUnauthorized},
		{name: "wrong key wins over bad body", key: "nope", body: `{`, status: http.StatusUnauthorized},
		{name: "missing name", key: testRegistrationKey, body: `{}`, status: http.StatusBadRequest},
		{name: "malformed json", key: testRegistrationKey, body: `{"name":`, status: http.StatusBadRequest},
		{name: "bad tunnel id", key: testRegistrationKey, body: `{"name":"x","tunnel_id":"a b"}`, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, ts.URL+"/tunnel/create", strings.NewReader(tt.body))
			if tt.key != "" {
				req.Header.Set(headerAPIKey, tt.key)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.StatusCode)
			}
			var body apiError
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
				t.Fatalf("expected JSON error body, err=%v body=%+v", err, body)
			}
		})
	}
}

func TestCreateTunnelRateLimited(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.Config) { c.RegisterRatePerMinute = 2 })

	statuses := []int{}
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/tunnel/create", strings.NewReader(`{"name":"x"}`))
		req.Header.Set(headerAPIKey, testRegistrationKey)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}
	if statuses[0] != 200 || statuses[1] != 200 || statuses[2] != http.StatusTooManyRequests {
		t.Fatalf("unexpected statuses %v", statuses)
	}
}

// --- laptop connection ---

func TestConnectRejectsBadCredentials(t *testing.T) {
	_, ts := newTestServer(t)
	cfg := createTunnel(t, ts.URL, "laptop", "")
	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/tunnel/"

	other := createTunnel(t, ts.URL, "other", "")
	otherToken := other.WSURL[strings.Index(other.WSURL, "api_key=")+len("api_key="):]

	tests := []struct {
		name string
		url  string
	}{
		{name: "missing api_key", url: base + cfg.TunnelID},
		{name: "garbage api_key", url: base + cfg.TunnelID + "?api_key=garbage"},
		{name: "token for another tunnel", url: base + cfg.TunnelID + "?api_key=" + otherToken},
		{name: "unknown tunnel", url: base + "never-registered?api_key=" + otherToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _, err := websocket.DefaultDialer.Dial(tt.url, nil)
			if err != nil {
				t.Fatalf("dial failed: %v", err)
			}
			defer conn.Close()
			_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, _, err = conn.ReadMessage()
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Fatalf("expected close 1008, got %v", err)
			}
		})
	}
}

func TestConnectRejectsSupersededToken(t *testing.T) {
	_, ts := newTestServer(t)
	first := createTunnel(t, ts.URL, "laptop", "")
	createTunnel(t, ts.URL, "laptop", first.TunnelID)

	conn, _, err := websocket.DefaultDialer.Dial(first.WSURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected close 1008 for superseded token, got %v", err)
	}
}

func TestReconnectReplacesSession(t *testing.T) {
	s, ts := newTestServer(t)
	cfg, oldConn := connectTunnel(t, s, ts.URL)
	oldSession, _ := s.Store().Get(cfg.TunnelID)

	dialLaptop(t, cfg)
	waitFor(t, func() bool {
		current, ok := s.Store().Get(cfg.TunnelID)
		return ok && current != oldSession
	})

	_ = oldConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := oldConn.ReadMessage(); err == nil {
		t.Fatal("old laptop connection should be closed after replacement")
	}
	// the dying old connection must not evict its replacement
	time.Sleep(50 * time.Millisecond)
	if s.Store().Len() != 1 {
		t.Fatalf("expected 1 tunnel, got %d", s.Store().Len())
	}
}

func TestLaptopPingAndBadFrames(t *testing.T) {
	s, ts := newTestServer(t)
	_, conn := connectTunnel(t, s, ts.URL)

	_ = conn.WriteJSON(proto.PingFrame{Type: proto.TypePing})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var pong proto.PingFrame
	if err := conn.ReadJSON(&pong); err != nil || pong.Type != proto.TypePong {
		t.Fatalf("expected pong, got %+v err=%v", pong, err)
	}

	tests := []struct {
		frame string
		code  string
	}{
		{frame: `not json`, code: "bad_json"},
		{frame: `{"type":"mystery"}`, code: "unknown_type"},
		{frame: `{"type":"http_response","statusCode":200}`, code: "invalid_frame"},
	}
	for _, tt := range tests {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.frame)); err != nil {
			t.Fatalf("write: %v", err)
		}
		var errFrame proto.ErrorFrame
		if err := conn.ReadJSON(&errFrame); err != nil {
			t.Fatalf("read error frame: %v", err)
		}
		if errFrame.Type != proto.TypeError || errFrame.Code != tt.code {
			t.Fatalf("frame %q: expected code %s, got %+v", tt.frame, tt.code, errFrame)
		}
	}

	// a late response for an unknown request is dropped silently
	_ = conn.WriteJSON(proto.HTTPResponseFrame{Type: proto.TypeHTTPResponse, RequestID: "gone", StatusCode: 200})
	_ = conn.WriteJSON(proto.PingFrame{Type: proto.TypePing})
	if err := conn.ReadJSON(&pong); err != nil || pong.Type != proto.TypePong {
		t.Fatalf("expected pong after dropped response, got %+v err=%v", pong, err)
	}
}

// --- proxying ---

func TestProxyUnknownTunnelFailsFast(t *testing.T) {
	_, ts := newTestServer(t, func(c *config.Config) { c.RequestTimeout = 10 * time.Second })

	start := time.Now()
	resp, err := http.Get(ts.URL + "/api/does-not-exist/anything")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("404 took %s", elapsed)
	}
}

func TestProxyRegisteredButNotConnected(t *testing.T) {
	_, ts := newTestServer(t)
	cfg := createTunnel(t, ts.URL, "laptop", "")

	req := proxiedRequest(t, http.MethodGet, cfg.PublicURL+"/status", cfg.APIKey, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestProxyClientAuth(t *testing.T) {
	s, ts := newTestServer(t)
	cfg, _ := connectTunnel(t, s, ts.URL)

	for key, status := range map[string]int{"": http.StatusUnauthorized, "wrong": http.StatusForbidden} {
		req := proxiedRequest(t, http.MethodGet, cfg.PublicURL+"/status", key, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != status {
			t.Fatalf("key %q: expected %d, got %d", key, status, resp.StatusCode)
		}
	}
}

func TestProxyRoundTrip(t *testing.T) {
	s, ts := newTestServer(t, func(c *config.Config) { c.RequestTimeout = 5 * time.Second })
	cfg, conn := connectTunnel(t, s, ts.URL)

	go func() {
		frame, err := nextRequest(conn)
		if err != nil {
			t.Error(err)
			return
		}
		if frame.Method != http.MethodPost || frame.Path != "/chat/send" {
			t.Errorf("unexpected request %s %s", frame.Method, frame.Path)
		}
		if frame.Query["session"] != "s1" {
			t.Errorf("unexpected query %v", frame.Query)
		}
		if frame.Headers["x-trace"] != "abc" {
			t.Errorf("expected forwarded header, got %v", frame.Headers)
		}
		if _, leaked := frame.Headers[strings.ToLower(headerLaptopAuthKey)]; leaked {
			t.Error("client auth key must not be forwarded to the laptop")
		}
		if string(frame.Body) != `{"text":"hello"}` {
			t.Errorf("unexpected body %s", string(frame.Body))
		}
		_ = conn.WriteJSON(proto.HTTPResponseFrame{
			Type:       proto.TypeHTTPResponse,
			RequestID:  frame.RequestID,
			StatusCode: http.StatusCreated,
			Body:       json.RawMessage(`{"ok":true}`),
		})
	}()

	req := proxiedRequest(t, http.MethodPost, cfg.PublicURL+"/chat/send?session=s1", cfg.APIKey, strings.NewReader(`{"text":"hello"}`))
	req.Header.Set("X-Trace", "abc")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", resp.StatusCode, string(body))
	}
	if string(body) != `{"ok":true}` {
		t.Fatalf("expected verbatim body, got %s", string(body))
	}
}

func TestProxyTextBody(t *testing.T) {
	s, ts := newTestServer(t, func(c *config.Config) { c.RequestTimeout = 5 * time.Second })
	cfg, conn := connectTunnel(t, s, ts.URL)

	go func() {
		frame, err := nextRequest(conn)
		if err != nil {
			t.Error(err)
			return
		}
		if string(frame.Body) != `"plain words"` {
			t.Errorf("expected non-JSON body as a JSON string, got %s", string(frame.Body))
		}
		_ = conn.WriteJSON(proto.HTTPResponseFrame{
			Type:       proto.TypeHTTPResponse,
			RequestID:  frame.RequestID,
			StatusCode: http.StatusOK,
			Body:       json.RawMessage(`"pong"`),
		})
	}()

	req := proxiedRequest(t, http.MethodPut, cfg.PublicURL+"/echo", cfg.APIKey, strings.NewReader("plain words"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "pong" || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Fatalf("unexpected response %q content-type=%s", string(body), resp.Header.Get("Content-Type"))
	}
}

func TestProxyTimeoutReturns504AndCancels(t *testing.T) {
	s, ts := newTestServer(t)
	cfg, conn := connectTunnel(t, s, ts.URL)

	done := make(chan proto.CancelFrame, 1)
	go func() {
		defer close(done)
		req, err := nextRequest(conn)
		if err != nil {
			return
		}
		var cancel proto.CancelFrame
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		if err := conn.ReadJSON(&cancel); err == nil && cancel.RequestID == req.RequestID {
			done <- cancel
		}
	}()

	start := time.Now()
	req := proxiedRequest(t, http.MethodGet, cfg.PublicURL+"/slow", cfg.APIKey, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	elapsed := time.Since(start)
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", resp.StatusCode)
	}
	if elapsed < 250*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("504 after %s, expected about 300ms", elapsed)
	}

	session, ok := s.Store().Get(cfg.TunnelID)
	if !ok {
		t.Fatal("tunnel should stay registered after a timeout")
	}
	if n := session.Pending().Len(); n != 0 {
		t.Fatalf("expected no pending requests after timeout, got %d", n)
	}

	cancel, ok := <-done
	if !ok || cancel.Type != proto.TypeCancel || cancel.Reason != "timeout" {
		t.Fatalf("expected a timeout cancel frame, got %+v", cancel)
	}
}

func TestProxyOutOfOrderResponses(t *testing.T) {
	s, ts := newTestServer(t, func(c *config.Config) { c.RequestTimeout = 5 * time.Second })
	cfg, conn := connectTunnel(t, s, ts.URL)

	go func() {
		first, err := nextRequest(conn)
		if err != nil {
			t.Error(err)
			return
		}
		second, err := nextRequest(conn)
		if err != nil {
			t.Error(err)
			return
		}
		for _, frame := range []proto.HTTPRequestFrame{second, first} {
			body, _ := json.Marshal(map[string]string{"path": frame.Path})
			_ = conn.WriteJSON(proto.HTTPResponseFrame{
				Type:       proto.TypeHTTPResponse,
				RequestID:  frame.RequestID,
				StatusCode: http.StatusOK,
				Body:       body,
			})
		}
	}()

	var wg sync.WaitGroup
	errs := make(chan string, 2)
	for _, path := range []string{"/a", "/b"} {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			req := proxiedRequest(t, http.MethodGet, cfg.PublicURL+path, cfg.APIKey, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				errs <- err.Error()
				return
			}
			defer resp.Body.Close()
			var got map[string]string
			_ = json.NewDecoder(resp.Body).Decode(&got)
			if got["path"] != path {
				errs <- "request " + path + " received answer for " + got["path"]
			}
		}(path)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestDisconnectFailsPendingPromptly(t *testing.T) {
	s, ts := newTestServer(t, func(c *config.Config) { c.RequestTimeout = 10 * time.Second })
	cfg, conn := connectTunnel(t, s, ts.URL)

	go func() {
		_, _ = nextRequest(conn)
		_ = conn.Close()
	}()

	start := time.Now()
	req := proxiedRequest(t, http.MethodGet, cfg.PublicURL+"/long", cfg.APIKey, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("pending request waited %s after disconnect", elapsed)
	}

	waitFor(t, func() bool { return s.Store().Len() == 0 })

	resp, err = http.DefaultClient.Do(proxiedRequest(t, http.MethodGet, cfg.PublicURL+"/long", cfg.APIKey, nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after disconnect, got %d", resp.StatusCode)
	}
}

func TestProxyBodyTooLarge(t *testing.T) {
	s, ts := newTestServer(t, func(c *config.Config) { c.MaxBodyBytes = 16 })
	cfg, _ := connectTunnel(t, s, ts.URL)

	req := proxiedRequest(t, http.MethodPost, cfg.PublicURL+"/upload", cfg.APIKey, bytes.NewReader(make([]byte, 64)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}

func TestProxyInvalidStatusIsBadGateway(t *testing.T) {
	s, ts := newTestServer(t, func(c *config.Config) {
		c.RequestTimeout = 5 * time.Second
		c.Metrics = true
	})
	cfg, conn := connectTunnel(t, s, ts.URL)

	tests := []struct {
		laptopStatus int
		want         int
	}{
		{laptopStatus: 42, want: http.StatusBadGateway},
		{laptopStatus: 1000, want: http.StatusBadGateway},
		{laptopStatus: -1, want: http.StatusBadGateway},
		{laptopStatus: 101, want: http.StatusBadGateway},
		{laptopStatus: 0, want: http.StatusOK},
		{laptopStatus: 599, want: 599},
	}
	for _, tt := range tests {
		go func(status int) {
			frame, err := nextRequest(conn)
			if err != nil {
				t.Error(err)
				return
			}
			_ = conn.WriteJSON(proto.HTTPResponseFrame{
				Type:       proto.TypeHTTPResponse,
				RequestID:  frame.RequestID,
				StatusCode: status,
				Body:       json.RawMessage(`{"x":1}`),
			})
		}(tt.laptopStatus)

		resp, err := http.DefaultClient.Do(proxiedRequest(t, http.MethodGet, cfg.PublicURL+"/status", cfg.APIKey, nil))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Fatalf("laptop status %d: expected %d, got %d body=%s", tt.laptopStatus, tt.want, resp.StatusCode, body)
		}
		if tt.want == http.StatusBadGateway {
			var apiErr apiError
			if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Error == "" {
				t.Fatalf("laptop status %d: expected JSON error body, got %s", tt.laptopStatus, body)
			}
		}
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	metricsBody, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(metricsBody), `relay_dropped_frames_total{reason="bad_status"} 4`) {
		t.Fatal("invalid status codes were not counted as dropped frames")
	}
}

func TestSilentLaptopIsEvicted(t *testing.T) {
	s, ts := newTestServer(t, func(c *config.Config) {
		c.PingInterval = 50 * time.Millisecond
		c.PongTimeout = 200 * time.Millisecond
		c.RequestTimeout = 5 * time.Second
	})
	// the laptop never reads again, so relay pings go unanswered
	cfg, _ := connectTunnel(t, s, ts.URL)

	start := time.Now()
	resp, err := http.DefaultClient.Do(proxiedRequest(t, http.MethodGet, cfg.PublicURL+"/status", cfg.APIKey, nil))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 for a request in flight on an evicted tunnel, got %d", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("eviction took %s", elapsed)
	}
	waitFor(t, func() bool { return s.Store().Len() == 0 })
}

func TestConnectedAckPrecedesRequests(t *testing.T) {
	s, ts := newTestServer(t, func(c *config.Config) { c.RequestTimeout = 5 * time.Second })
	cfg := createTunnel(t, ts.URL, "laptop", "")

	conn, resp, err := websocket.DefaultDialer.Dial(cfg.WSURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()
	waitFor(t, func() bool {
		_, ok := s.Store().Get(cfg.TunnelID)
		return ok
	})

	result := make(chan int, 1)
	go func() {
		res, err := http.DefaultClient.Do(proxiedRequest(t, http.MethodGet, cfg.PublicURL+"/first", cfg.APIKey, nil))
		if err != nil {
			result <- 0
			return
		}
		res.Body.Close()
		result <- res.StatusCode
	}()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack proto.ConnectedFrame
	if err := conn.ReadJSON(&ack); err != nil || ack.Type != proto.TypeConnected {
		t.Fatalf("first frame should be the connected ack, got %+v err=%v", ack, err)
	}
	frame, err := nextRequest(conn)
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	_ = conn.WriteJSON(proto.HTTPResponseFrame{Type: proto.TypeHTTPResponse, RequestID: frame.RequestID, StatusCode: http.StatusNoContent})
	if status := <-result; status != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}
}

// --- health and metrics ---

func getHealth(t *testing.T, baseURL string) healthResponse {
	t.Helper()
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	return h
}

func TestHealthTracksConnectedTunnels(t *testing.T) {
	s, ts := newTestServer(t)

	if h := getHealth(t, ts.URL); h.Status != "ok" || h.Tunnels != 0 {
		t.Fatalf("unexpected health %+v", h)
	}

	_, first := connectTunnel(t, s, ts.URL)
	connectTunnel(t, s, ts.URL)
	if h := getHealth(t, ts.URL); h.Tunnels != 2 {
		t.Fatalf("expected 2 tunnels, got %d", h.Tunnels)
	}

	_ = first.Close()
	waitFor(t, func() bool { return getHealth(t, ts.URL).Tunnels == 1 })
}

func TestMetricsEndpoint(t *testing.T) {
	s, ts := newTestServer(t)
	connectTunnel(t, s, ts.URL)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, name := range []string{"relay_tunnels_connected 1", "relay_registrations_total", "relay_tunnel_connects_total 1"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}
