package server

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shaunagostinho/lasaur-bridge/internal/link"
	"github.com/shaunagostinho/lasaur-bridge/internal/logger"
)

// Server owns the link engine, drives its poll loop and exposes it over
// HTTP and WebSocket.
type Server struct {
	cfg    *Config
	engine *link.Engine
	mu     sync.Mutex // serializes every engine call
	logger *logger.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	settle time.Duration // wait after connect before flushing the banner
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Status     *link.Status `json:"status,omitempty"`
	Percentage string       `json:"pct_done"`
	Stamp      int64        `json:"stamp"` // Unix ms
}

// New creates a new Server around engine.
func New(cfg *Config, engine *link.Engine) *Server {
	return &Server{
		cfg:    cfg,
		engine: engine,
		logger: logger.New(logger.Config{
			Enabled:    cfg.Logging.Enabled,
			Path:       cfg.Logging.Path,
			IntervalMs: cfg.Logging.Interval,
		}),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		settle: time.Second,
	}
}

// Connect attaches the configured device: the simulator in demo mode, the
// configured port, or the first port matching the configured pattern.
func (s *Server) Connect() error {
	s.cfg.mu.RLock()
	sc := s.cfg.Serial
	s.cfg.mu.RUnlock()

	// pick up serial settings saved through /api/config since the last connect
	s.mu.Lock()
	s.engine.Configure(s.cfg.LinkConfig(s.engine.Config().AppVersion))
	s.mu.Unlock()

	if sc.Demo {
		s.mu.Lock()
		s.engine.Attach("demo", link.NewSimulatedDevice(sc.ChunkSize))
		s.mu.Unlock()
		log.Printf("[server] attached simulated controller")
		return nil
	}

	name := sc.PortPath
	if name == "" {
		// matching only reads engine config, probing can take seconds
		m, ok := s.engine.MatchDevice(sc.Match, sc.BaudRate)
		if !ok {
			return link.ErrNoDevice
		}
		name = m
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.Connect(name, sc.BaudRate)
}

// Connected reports whether the engine holds an open port.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.IsConnected()
}

// Close releases the serial port and the status log.
func (s *Server) Close() {
	s.mu.Lock()
	s.engine.Close()
	s.mu.Unlock()
	s.logger.Close()
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/gcode", s.handleGcode)
	mux.HandleFunc("/queue_pct_done", s.handlePctDone)
	mux.HandleFunc("/pause/", s.handlePause)
	mux.HandleFunc("/cancel", s.handleCancel)
	mux.HandleFunc("/serial/", s.handleSerial)
	mux.HandleFunc("/devices", s.handleDevices)

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)

	return mux
}

// Run starts the HTTP server and the poll and broadcast loops.
func (s *Server) Run(ctx context.Context) error {
	go s.pollLoop(ctx)
	go s.broadcastLoop(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, body)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// pathArg returns the path segment following prefix.
func pathArg(r *http.Request, prefix string) string {
	return strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	st := s.engine.RequestStatus()
	s.mu.Unlock()
	writeJSON(w, st)
}

func (s *Server) handleGcode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	job := r.FormValue("job_data")
	if job == "" {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		job = string(body)
	}
	if strings.TrimSpace(job) == "" {
		http.Error(w, "no job data", 400)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.engine.IsConnected() {
		http.Error(w, "serial disconnected", http.StatusConflict)
		return
	}
	s.engine.Enqueue(job)
	writeText(w, "__ok__")
}

func (s *Server) handlePctDone(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	pct := s.engine.PercentageDone()
	s.mu.Unlock()
	writeText(w, pct)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var pause bool
	switch pathArg(r, "/pause/") {
	case "1":
		pause = true
	case "0":
	default:
		http.Error(w, "flag must be 0 or 1", 400)
		return
	}

	s.mu.Lock()
	ok := s.engine.SetPause(pause)
	s.mu.Unlock()

	if !ok {
		writeText(w, "0")
		return
	}
	if pause {
		log.Printf("[server] pausing")
	} else {
		log.Printf("[server] resuming")
	}
	writeText(w, "1")
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.engine.Cancel()
	s.mu.Unlock()
	log.Printf("[server] queue cancelled")
	writeText(w, "1")
}

func (s *Server) handleSerial(w http.ResponseWriter, r *http.Request) {
	switch pathArg(r, "/serial/") {
	case "1":
		if s.Connected() {
			writeText(w, "1")
			return
		}
		if err := s.Connect(); err != nil {
			log.Printf("[server] serial connect failed: %v", err)
			writeText(w, "")
			return
		}
		// let the banner arrive, then discard it
		time.Sleep(s.settle)
		s.mu.Lock()
		name := s.engine.PortName()
		err := s.engine.FlushInput()
		if err == nil {
			err = s.engine.FlushOutput()
		}
		s.mu.Unlock()
		if err != nil {
			log.Printf("[server] flush after connect: %v", err)
		}
		writeText(w, "Serial connected to "+name+".")

	case "0":
		s.mu.Lock()
		closed := s.engine.Close()
		s.mu.Unlock()
		if closed {
			writeText(w, "1")
			return
		}
		writeText(w, "")

	case "2":
		if s.Connected() {
			writeText(w, "1")
			return
		}
		writeText(w, "")

	default:
		log.Printf("[server] ambiguous serial request: %s", r.URL.Path)
		writeText(w, "")
	}
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	s.cfg.mu.RLock()
	baud := s.cfg.Serial.BaudRate
	s.cfg.mu.RUnlock()

	devices := s.engine.ListDevices(baud)
	if devices == nil {
		devices = []string{}
	}
	writeJSON(w, devices)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Send the current snapshot right away
	if data, err := json.Marshal(s.snapshot()); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, incoming messages are ignored)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		s.applyConfig()

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

// applyConfig pushes saved settings into the running service. Listen
// address, status rate and log path take effect on restart.
func (s *Server) applyConfig() {
	s.cfg.mu.RLock()
	s.logger.SetEnabled(s.cfg.Logging.Enabled)
	s.cfg.mu.RUnlock()

	s.mu.Lock()
	s.engine.Configure(s.cfg.LinkConfig(s.engine.Config().AppVersion))
	s.mu.Unlock()
}

// pollLoop steps the engine until ctx is done. A changed poll interval is
// picked up within a second.
func (s *Server) pollLoop(ctx context.Context) {
	interval := s.cfg.PollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	recheck := time.NewTicker(time.Second)
	defer recheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-recheck.C:
			if d := s.cfg.PollInterval(); d != interval {
				interval = d
				ticker.Reset(d)
				log.Printf("[server] poll interval now %v", d)
			}
		case <-ticker.C:
			s.mu.Lock()
			s.engine.PollOnce()
			s.mu.Unlock()
		}
	}
}

func (s *Server) snapshot() Frame {
	s.mu.Lock()
	st := s.engine.Status()
	pct := s.engine.PercentageDone()
	s.mu.Unlock()
	return Frame{Status: &st, Percentage: pct, Stamp: time.Now().UnixMilli()}
}

// broadcastLoop pushes status frames to WebSocket clients and the CSV log.
func (s *Server) broadcastLoop(ctx context.Context) {
	hz := s.cfg.Server.StatusHz
	if hz <= 0 {
		hz = 4
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Close()
			return
		case <-ticker.C:
			frame := s.snapshot()
			s.broadcast(frame)
			s.logger.Record(*frame.Status, frame.Percentage)
		}
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
