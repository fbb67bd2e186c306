// Package wsserver exposes the telemetry stream to WebSocket clients.
// Every attached client receives the latest reading on connect and each
// subsequent update as a JSON text frame.
package wsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/srg/kiribridge/internal/telemetry"
)

const (
	// writeTimeout bounds a single frame write so one stuck client
	// cannot hold a broadcast slot forever.
	writeTimeout = 10 * time.Second

	// pingInterval / pongWait implement connection health checks. A
	// client that misses a pong past the deadline fails its next read.
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
)

// HealthFunc supplies the payload served at /healthz.
type HealthFunc func() any

// Options configures the stream server.
type Options struct {
	Host string
	Port int

	// Health, when set, enables the /healthz endpoint.
	Health HealthFunc

	// MetricsRegistry, when set, enables Prometheus metrics and the
	// /metrics endpoint.
	MetricsRegistry *prometheus.Registry
}

// Server is the WebSocket endpoint that bridges hub broadcasts to
// connected clients.
type Server struct {
	opts   Options
	hub    *telemetry.Hub
	cache  *telemetry.Cache
	logger *logrus.Logger

	server   *http.Server
	listener net.Listener
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	lifecycleMu sync.Mutex
	running     bool
	shutdown    chan struct{}
	wg          *sync.WaitGroup

	metrics *Metrics
}

// Metrics holds the Prometheus instruments for the stream server.
type Metrics struct {
	clientsConnected prometheus.Gauge
	connectionsTotal prometheus.Counter
	framesSent       prometheus.Counter
	sendErrors       prometheus.Counter
}

// newMetrics registers server metrics. A nil registry disables metrics
// entirely (nil input, nil feature).
func newMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kiribridge",
			Subsystem: "stream",
			Name:      "clients_connected",
			Help:      "Number of currently connected stream clients",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kiribridge",
			Subsystem: "stream",
			Name:      "client_connections_total",
			Help:      "Total client connections accepted",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kiribridge",
			Subsystem: "stream",
			Name:      "frames_sent_total",
			Help:      "Total telemetry frames sent to clients",
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kiribridge",
			Subsystem: "stream",
			Name:      "send_errors_total",
			Help:      "Total frame sends that failed",
		}),
	}

	registry.MustRegister(
		m.clientsConnected,
		m.connectionsTotal,
		m.framesSent,
		m.sendErrors,
	)

	return m
}

// New creates a stream server bound to the given hub and cache.
func New(opts Options, hub *telemetry.Hub, cache *telemetry.Cache, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}

	return &Server{
		opts:   opts,
		hub:    hub,
		cache:  cache,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				// The server binds to loopback by default; origin
				// filtering is left to a fronting proxy otherwise.
				return true
			},
		},
		clients: make(map[*client]struct{}),
		metrics: newMetrics(opts.MetricsRegistry),
	}
}

// Addr returns the bound listen address. Valid after Start; useful when
// the configured port is 0.
func (s *Server) Addr() string {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listener and begins serving. Returns once the
// listener is accepting connections.
func (s *Server) Start() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleStream)
	if s.opts.Health != nil {
		mux.HandleFunc("/healthz", s.handleHealth)
	}
	if s.opts.MetricsRegistry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.opts.MetricsRegistry, promhttp.HandlerOpts{}))
	}

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.server = &http.Server{Handler: mux}
	s.shutdown = make(chan struct{})
	s.wg = &sync.WaitGroup{}
	s.running = true

	s.wg.Add(2)
	go s.serve(s.server, s.listener)
	go s.pingLoop(s.shutdown)

	s.logger.WithField("address", listener.Addr().String()).Info("Stream server listening")
	return nil
}

// Stop closes the listener and disconnects all clients, waiting up to
// timeout for a graceful HTTP shutdown.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	if !s.running {
		s.lifecycleMu.Unlock()
		return nil
	}
	s.running = false
	close(s.shutdown)
	server := s.server
	wg := s.wg
	s.server = nil
	s.listener = nil
	s.lifecycleMu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := server.Shutdown(shutdownCtx)

	s.closeAllClients()
	wg.Wait()

	s.logger.Info("Stream server stopped")
	return err
}

func (s *Server) serve(server *http.Server, listener net.Listener) {
	defer s.wg.Done()

	err := server.Serve(listener)
	if err != nil && err != http.ErrServerClosed {
		s.logger.WithError(err).Error("Stream server failed")
	}
}

// handleStream upgrades the connection, replays the current reading and
// attaches the client to the hub.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	c := &client{conn: conn, server: s}

	// An upgraded connection is hijacked, so http.Server.Shutdown no
	// longer tracks it. Register under the lifecycle lock: a concurrent
	// Stop either rejects the client here or finds it in the client set
	// before waiting on the group.
	s.lifecycleMu.Lock()
	if !s.running {
		s.lifecycleMu.Unlock()
		_ = conn.Close()
		return
	}
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.wg.Add(1)
	s.lifecycleMu.Unlock()

	go s.readLoop(c)

	if s.metrics != nil {
		s.metrics.connectionsTotal.Inc()
		s.metrics.clientsConnected.Set(float64(count))
	}

	s.logger.WithFields(logrus.Fields{
		"remote":  r.RemoteAddr,
		"clients": count,
	}).Info("Stream client connected")

	// New clients get the latest reading immediately rather than waiting
	// for the next sensor update.
	if payload, err := json.Marshal(s.cache.Snapshot()); err == nil {
		if err := c.Send(payload); err != nil {
			s.removeClient(c)
			return
		}
	}

	s.hub.Attach(c)
	// Stop may have closed this client between registration and attach;
	// its Detach then ran against a not-yet-attached consumer.
	if c.closed.Load() {
		s.hub.Detach(c)
	}
}

// readLoop drains inbound frames. Clients are not expected to send
// anything; the loop exists to observe close frames and pong replies.
func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.opts.Health()); err != nil {
		s.logger.WithError(err).Warn("Failed to encode health payload")
	}
}

// pingLoop keeps idle connections alive and weeds out dead ones.
func (s *Server) pingLoop(shutdown <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			s.pingClients()
		}
	}
}

func (s *Server) pingClients() {
	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range targets {
		if err := c.ping(); err != nil {
			s.removeClient(c)
		}
	}
}

// removeClient detaches the client from the hub and closes the socket.
// Idempotent; broadcast failures and read-loop exits can race here.
func (s *Server) removeClient(c *client) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		s.hub.Detach(c)

		s.clientsMu.Lock()
		delete(s.clients, c)
		count := len(s.clients)
		s.clientsMu.Unlock()

		if s.metrics != nil {
			s.metrics.clientsConnected.Set(float64(count))
		}

		_ = c.conn.Close()
		s.logger.WithField("clients", count).Info("Stream client disconnected")
	})
}

func (s *Server) closeAllClients() {
	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range targets {
		s.removeClient(c)
	}
}

// ClientCount returns the number of connected stream clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// client is one WebSocket connection, registered with the hub as a
// telemetry.Consumer.
type client struct {
	conn      *websocket.Conn
	server    *Server
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// Send delivers one telemetry frame. The write mutex serializes access
// to the connection; gorilla/websocket does not allow concurrent writes.
func (c *client) Send(data []byte) error {
	if c.closed.Load() {
		return websocket.ErrCloseSent
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.conn.WriteMessage(websocket.TextMessage, data)
	if m := c.server.metrics; m != nil {
		if err != nil {
			m.sendErrors.Inc()
		} else {
			m.framesSent.Inc()
		}
	}
	return err
}

func (c *client) ping() error {
	if c.closed.Load() {
		return websocket.ErrCloseSent
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}
