package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shaunagostinho/lasaur-bridge/internal/link"
)

func newTestServer(t *testing.T) (*Server, *Config) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.path = t.TempDir() + "/config.yaml"
	cfg.Serial.Demo = true
	cfg.Logging.Path = t.TempDir()
	s := New(cfg, link.New(cfg.LinkConfig("test")))
	s.settle = 0
	return s, cfg
}

func do(t *testing.T, h http.Handler, method, target string, body string, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGcode_Disconnected(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodPost, "/gcode", "G0 X1", "text/plain")
	if rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), "serial disconnected") {
		t.Errorf("got %d %q, want 409 serial disconnected", rec.Code, rec.Body.String())
	}

	if rec := do(t, s.Handler(), http.MethodGet, "/gcode", "", ""); rec.Code != 405 {
		t.Errorf("GET /gcode = %d, want 405", rec.Code)
	}
}

func TestSerialEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	if got := do(t, h, "GET", "/serial/2", "", "").Body.String(); got != "" {
		t.Errorf("/serial/2 before connect = %q", got)
	}
	if got := do(t, h, "GET", "/serial/1", "", "").Body.String(); !strings.Contains(got, "demo") {
		t.Errorf("/serial/1 = %q", got)
	}
	if got := do(t, h, "GET", "/serial/2", "", "").Body.String(); got != "1" {
		t.Errorf("/serial/2 after connect = %q", got)
	}
	if got := do(t, h, "GET", "/serial/1", "", "").Body.String(); got != "1" {
		t.Errorf("/serial/1 when connected = %q", got)
	}
	if got := do(t, h, "GET", "/serial/0", "", "").Body.String(); got != "1" {
		t.Errorf("/serial/0 = %q", got)
	}
	if got := do(t, h, "GET", "/serial/0", "", "").Body.String(); got != "" {
		t.Errorf("/serial/0 when closed = %q", got)
	}
	if got := do(t, h, "GET", "/serial/9", "", "").Body.String(); got != "" {
		t.Errorf("/serial/9 = %q", got)
	}
}

func TestJobLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	dev := link.NewSimulatedDevice(link.DefaultChunkSize)
	s.engine.Attach("sim", dev)

	form := url.Values{"job_data": {"G0 X10 Y20\nG1 X5 Y5"}}.Encode()
	rec := do(t, h, http.MethodPost, "/gcode", form, "application/x-www-form-urlencoded")
	if rec.Body.String() != "__ok__" {
		t.Fatalf("/gcode = %d %q", rec.Code, rec.Body.String())
	}
	if got := do(t, h, "GET", "/queue_pct_done", "", "").Body.String(); got != "0" {
		t.Errorf("pct before polling = %q, want 0", got)
	}

	if got := do(t, h, "GET", "/pause/1", "", "").Body.String(); got != "1" {
		t.Errorf("/pause/1 = %q", got)
	}
	s.engine.PollOnce()
	if len(dev.WrittenData) != 0 {
		t.Errorf("paused engine wrote %q", dev.WrittenData)
	}
	if got := do(t, h, "GET", "/pause/0", "", "").Body.String(); got != "1" {
		t.Errorf("/pause/0 = %q", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.pollLoop(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for do(t, h, "GET", "/queue_pct_done", "", "").Body.String() != "" {
		if time.Now().After(deadline) {
			t.Fatalf("job did not drain")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if dev.LinesRun != 2 {
		t.Errorf("device ran %d lines, want 2", dev.LinesRun)
	}
	if st := s.engine.Status(); !st.Ready || !st.SerialConnected || st.AppVersion != "test" {
		t.Errorf("status after job = %+v", st)
	}
}

func TestPauseAndCancel_EmptyQueue(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	if got := do(t, h, "GET", "/pause/1", "", "").Body.String(); got != "0" {
		t.Errorf("/pause/1 with empty queue = %q", got)
	}
	if rec := do(t, h, "GET", "/pause/x", "", ""); rec.Code != 400 {
		t.Errorf("/pause/x = %d", rec.Code)
	}

	s.engine.Attach("sim", link.NewSimulatedDevice(0))
	do(t, h, http.MethodPost, "/gcode", "G1 X1\nG1 X2", "text/plain")
	if got := do(t, h, "GET", "/cancel", "", "").Body.String(); got != "1" {
		t.Errorf("/cancel = %q", got)
	}
	if got := do(t, h, "GET", "/queue_pct_done", "", "").Body.String(); got != "" {
		t.Errorf("pct after cancel = %q", got)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Handler(), "GET", "/status", "", "")
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var st map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st["serial_connected"] != false || st["app_version"] != "test" {
		t.Errorf("status = %v", st)
	}
	if _, ok := st["ready"]; !ok {
		t.Errorf("status missing ready: %v", st)
	}
}

func TestConfigEndpoint(t *testing.T) {
	s, cfg := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/api/config", `{"logging":{"enabled":true}}`, "application/json")
	if rec.Code != 200 {
		t.Fatalf("POST /api/config = %d %q", rec.Code, rec.Body.String())
	}
	if !cfg.Logging.Enabled || !s.logger.IsEnabled() {
		t.Errorf("logging not enabled after update")
	}

	rec = do(t, h, http.MethodGet, "/api/config", "", "")
	var got map[string]map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["serial"]["baudRate"] != float64(57600) {
		t.Errorf("serial.baudRate = %v", got["serial"]["baudRate"])
	}

	if rec := do(t, h, http.MethodDelete, "/api/config", "", ""); rec.Code != 405 {
		t.Errorf("DELETE = %d", rec.Code)
	}
}

func TestWebSocket_InitialFrame(t *testing.T) {
	s, _ := newTestServer(t)
	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Status == nil || !frame.Status.SerialConnected || frame.Stamp == 0 {
		t.Errorf("frame = %+v", frame)
	}

	s.broadcast(Frame{Percentage: "50", Stamp: 1})
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if frame.Percentage != "50" {
		t.Errorf("broadcast pct = %q", frame.Percentage)
	}
}

func TestConfigEndpoint_AppliesSerialSettings(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	body := `{"serial":{"redundancy":"none","chunkSize":8,"writeTimeoutMs":250}}`
	if rec := do(t, h, http.MethodPost, "/api/config", body, "application/json"); rec.Code != 200 {
		t.Fatalf("POST /api/config = %d %q", rec.Code, rec.Body.String())
	}
	lc := s.engine.Config()
	if lc.Redundancy != link.RedundancyNone || lc.ChunkSize != 8 || lc.WriteTimeout != 250*time.Millisecond {
		t.Errorf("engine config after update = %+v", lc)
	}
	if lc.AppVersion != "test" {
		t.Errorf("AppVersion lost: %q", lc.AppVersion)
	}

	if err := s.Connect(); err != nil {
		t.Fatal(err)
	}
	if got := s.engine.Config(); got.ChunkSize != 8 || got.Redundancy != link.RedundancyNone {
		t.Errorf("engine config after connect = %+v", got)
	}
	form := url.Values{"job_data": {"G1 X1"}}.Encode()
	do(t, h, http.MethodPost, "/gcode", form, "application/x-www-form-urlencoded")
	if got := do(t, h, "GET", "/queue_pct_done", "", "").Body.String(); got != "0" {
		t.Errorf("pct = %q, want 0 with a queued job", got)
	}
}
