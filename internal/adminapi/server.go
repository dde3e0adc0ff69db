// Package adminapi is the read-only observability surface of spec.md §6.3's
// domain-stack addition: /status, /metrics (Prometheus exposition), and
// /events (a websocket event stream). It never touches routing state —
// grounded on internal/api/server.go's control-plane API, stripped of every
// mutating endpoint (config/rules/start/stop/rotate) since this proxy's
// policy is owned exclusively by the file watcher (spec.md §4.8).
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mlesin/proxy-twister/internal/events"
	"github.com/mlesin/proxy-twister/internal/metrics"
)

// Server hosts the admin HTTP+websocket API on its own listen address.
type Server struct {
	addr     string
	bus      *events.Bus
	metrics  *metrics.Metrics
	listener net.Listener
	http     *http.Server
	upgrader websocket.Upgrader

	startedAt time.Time

	subsMu sync.RWMutex
	subs   map[string]*subscriber

	ctx    context.Context
	cancel context.CancelFunc
}

type subscriber struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte
	cancel context.CancelFunc
}

// New constructs a Server bound to addr, observing bus and m.
func New(addr string, bus *events.Bus, m *metrics.Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		bus:       bus,
		metrics:   m,
		startedAt: time.Now(),
		subs:      make(map[string]*subscriber),
		ctx:       ctx,
		cancel:    cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/events", s.handleEvents)
	if s.metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin api: listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.http = &http.Server{Handler: mux}

	var unsub *events.Subscription
	if s.bus != nil {
		unsub = s.bus.Subscribe(s.broadcast)
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			fmt.Printf("admin api: serve: %v\n", err)
		}
		if unsub != nil {
			unsub.Cancel()
		}
	}()
	return nil
}

// Addr returns the actual bound address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop shuts the admin API down, closing every subscriber connection.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	s.subsMu.Lock()
	for _, sub := range s.subs {
		sub.cancel()
		sub.conn.Close()
	}
	s.subsMu.Unlock()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := struct {
		UptimeMs int64 `json:"uptime_ms"`
	}{UptimeMs: time.Since(s.startedAt).Milliseconds()}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	sub := &subscriber{
		id:     fmt.Sprintf("sub-%d", time.Now().UnixNano()),
		conn:   conn,
		sendCh: make(chan []byte, 64),
		cancel: cancel,
	}

	s.subsMu.Lock()
	s.subs[sub.id] = sub
	s.subsMu.Unlock()

	defer func() {
		s.subsMu.Lock()
		delete(s.subs, sub.id)
		s.subsMu.Unlock()
		cancel()
		conn.Close()
	}()

	go s.writeLoop(ctx, sub)
	s.readLoop(ctx, sub)
}

func (s *Server) writeLoop(ctx context.Context, sub *subscriber) {
	for {
		select {
		case msg := <-sub.sendCh:
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				sub.cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readLoop just drains the socket so the library's ping/pong and close
// handling work; this API has no client-to-server commands.
func (s *Server) readLoop(ctx context.Context, sub *subscriber) {
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Server) broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.subsMu.RLock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.sendCh <- data:
		case <-time.After(100 * time.Millisecond):
		}
	}
}
