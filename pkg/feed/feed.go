// Package feed serves the live reading snapshot and calibration progress to
// browsers over WebSocket, and accepts calibration commands over HTTP.
//
// Handlers never touch the bus. Calibration requests are posted on the
// Commands channel and answered by whichever goroutine owns the bus.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itohio/wqm/pkg/calibration"
	"github.com/itohio/wqm/pkg/config"
	"github.com/itohio/wqm/pkg/sensor"
)

// commandTimeout bounds how long a handler waits for the bus owner.
const commandTimeout = 5 * time.Second

// ErrBusy is returned when the bus owner did not pick up a command in time.
var ErrBusy = errors.New("scheduler busy")

// Readings is the snapshot source.
type Readings interface {
	Snapshot() sensor.Reading
	Status() string
}

// ProgressSource is the calibration progress source.
type ProgressSource interface {
	Progress() calibration.Progress
}

// CommandKind selects what a Command asks for.
type CommandKind int

const (
	BeginCalibration CommandKind = iota
	CancelCalibration
)

// Command is a calibration request waiting for the bus owner. The owner must
// send exactly one Result on Reply.
type Command struct {
	Kind   CommandKind
	Target calibration.Target
	Reply  chan<- Result
}

// Result answers a Command.
type Result struct {
	OK          bool   `json:"ok"`
	Instruction string `json:"instruction,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Reading     *sensor.Reading       `json:"reading,omitempty"`
	Status      string                `json:"status,omitempty"`
	Calibration *calibration.Progress `json:"calibration,omitempty"`
	Stamp       int64                 `json:"stamp"` // Unix ms
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Server is the live feed and control API.
type Server struct {
	cfg      config.FeedConfig
	readings Readings
	progress ProgressSource
	history  *sensor.History
	metrics  http.Handler

	commands chan Command

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

// New creates a server. history and metrics may be nil.
func New(cfg config.FeedConfig, readings Readings, progress ProgressSource, history *sensor.History, metrics http.Handler) *Server {
	return &Server{
		cfg:      cfg,
		readings: readings,
		progress: progress,
		history:  history,
		metrics:  metrics,
		commands: make(chan Command),
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Commands delivers calibration requests to the bus owner.
func (s *Server) Commands() <-chan Command {
	return s.commands
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/calibration", s.handleCalibration)
	mux.HandleFunc("/api/calibration/begin", s.handleBegin)
	mux.HandleFunc("/api/calibration/cancel", s.handleCancel)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Listen,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[feed] listening on %s", s.cfg.Listen)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// PublishReading broadcasts a fresh snapshot. It matches the poller's update
// callback.
func (s *Server) PublishReading(r sensor.Reading) {
	s.broadcast(Frame{Reading: &r, Status: s.readings.Status(), Stamp: time.Now().UnixMilli()})
}

// PublishProgress broadcasts calibration progress. It matches the engine's
// progress callback.
func (s *Server) PublishProgress(p calibration.Progress) {
	s.broadcast(Frame{Calibration: &p, Stamp: time.Now().UnixMilli()})
}

// Clients returns the number of connected WebSocket clients.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
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

	// Initial frame carries both the snapshot and calibration state.
	snap := s.readings.Snapshot()
	progress := s.progress.Progress()
	first := Frame{
		Reading:     &snap,
		Status:      s.readings.Status(),
		Calibration: &progress,
		Stamp:       time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(first); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", n)

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

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

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := s.readings.Snapshot()
	writeJSON(w, http.StatusOK, struct {
		sensor.Reading
		Status string `json:"status"`
	}{snap, s.readings.Status()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	points := []sensor.Reading{}
	if s.history != nil {
		points = s.history.Points(s.cfg.HistoryPoints)
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleCalibration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.progress.Progress())
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	target, err := calibration.ParseTarget(r.URL.Query().Get("target"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Result{Error: err.Error()})
		return
	}

	res, err := s.submit(r.Context(), Command{Kind: BeginCalibration, Target: target})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, Result{Error: err.Error()})
		return
	}
	if !res.OK {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, err := s.submit(r.Context(), Command{Kind: CancelCalibration})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, Result{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// submit hands cmd to the bus owner and waits for its answer.
func (s *Server) submit(ctx context.Context, cmd Command) (Result, error) {
	reply := make(chan Result, 1)
	cmd.Reply = reply

	timer := time.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case s.commands <- cmd:
	case <-timer.C:
		return Result{}, ErrBusy
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case res := <-reply:
		return res, nil
	case <-timer.C:
		return Result{}, ErrBusy
	case <-ctx.Done():
		return Result{}, ctx.Err()
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[feed] encode failed: %v", err)
	}
}
