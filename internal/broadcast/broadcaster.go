// Package broadcast fans brain commands out to external WebSocket
// subscribers: visualizers, loggers, or a controller listening on the
// side channel. Delivery is fire-and-forget; subscribers that cannot
// keep up are dropped rather than allowed to block the producer.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openrobobrain/orb/pkg/protocol"
)

// ErrNoPortAvailable is returned by Bind after the configured port and
// the two above it each failed twice.
var ErrNoPortAvailable = errors.New("broadcast: no port available")

const (
	portSpread   = 3
	bindAttempts = 2

	defaultMaxClients   = 32
	defaultWriteTimeout = 5 * time.Second
)

// Config wires a Broadcaster. Zero values take the defaults.
type Config struct {
	Host         string
	Port         int // 0 = any free port, no fallback walk
	MaxClients   int
	WriteTimeout time.Duration
	ServerID     string
	Version      string
}

type client struct {
	id   string
	conn *websocket.Conn
}

// Broadcaster is the WebSocket fan-out server. All frame emission is
// serialized so every subscriber observes seq in strictly increasing
// order.
type Broadcaster struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client

	sendMu sync.Mutex // serializes seq allocation and fan-out writes

	seq           atomic.Uint64
	totalMessages atomic.Uint64

	listener   net.Listener
	httpServer *http.Server
}

// New builds a Broadcaster. Call Bind then Serve, or Start for both.
func New(cfg Config) *Broadcaster {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = defaultMaxClients
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ServerID == "" {
		cfg.ServerID = "orb-" + uuid.NewString()[:8]
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Broadcaster{
		cfg:    cfg,
		logger: slog.Default().With("component", "broadcast"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Bind acquires the listener: the configured port first, then port+1
// and port+2, two attempts each. Port 0 asks the OS for a free port
// and skips the fallback walk.
func (b *Broadcaster) Bind() error {
	for offset := 0; offset < portSpread; offset++ {
		port := b.cfg.Port
		if port > 0 {
			port += offset
		}
		addr := net.JoinHostPort(b.cfg.Host, strconv.Itoa(port))
		for attempt := 1; attempt <= bindAttempts; attempt++ {
			ln, err := net.Listen("tcp", addr)
			if err == nil {
				b.listener = ln
				if offset > 0 {
					b.logger.Warn("configured port busy, bound fallback",
						"configured", b.cfg.Port, "bound", port)
				}
				return nil
			}
			b.logger.Warn("bind failed", "addr", addr, "attempt", attempt, "error", err)
		}
		if port == 0 {
			break
		}
	}
	return fmt.Errorf("%w: tried %d ports from %d, %d attempts each",
		ErrNoPortAvailable, portSpread, b.cfg.Port, bindAttempts)
}

// Addr returns the bound address, empty before Bind.
func (b *Broadcaster) Addr() string {
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// Serve runs the HTTP server on the bound listener until ctx is done.
func (b *Broadcaster) Serve(ctx context.Context) error {
	if b.listener == nil {
		return errors.New("broadcast: serve before bind")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	mux.HandleFunc("/health", b.handleHealth)
	b.httpServer = &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.httpServer.Shutdown(shutdownCtx)
	}()

	b.logger.Info("broadcaster listening", "addr", b.listener.Addr().String())
	err := b.httpServer.Serve(b.listener)
	b.closeAll()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("broadcast server: %w", err)
	}
	return nil
}

// Start binds and serves until ctx is done.
func (b *Broadcaster) Start(ctx context.Context) error {
	if err := b.Bind(); err != nil {
		return err
	}
	return b.Serve(ctx)
}

// handleWS upgrades the connection, greets the subscriber, and blocks
// reading until the peer goes away. Inbound frames are ignored.
func (b *Broadcaster) handleWS(w http.ResponseWriter, r *http.Request) {
	b.mu.RLock()
	n := len(b.clients)
	b.mu.RUnlock()
	if n >= b.cfg.MaxClients {
		http.Error(w, "too many subscribers", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	c := &client{id: uuid.NewString(), conn: conn}

	// welcome and registration share the emission lock so a concurrent
	// broadcast is ordered strictly before or after both
	b.sendMu.Lock()
	welcome := protocol.WelcomeFrame{
		Type:      protocol.FrameWelcome,
		ServerID:  b.cfg.ServerID,
		Version:   b.cfg.Version,
		Timestamp: time.Now().UTC(),
		Seq:       b.seq.Add(1),
	}
	data, _ := json.Marshal(welcome)
	if err := b.writeTo(c, data); err != nil {
		b.sendMu.Unlock()
		conn.Close()
		return
	}
	b.totalMessages.Add(1)
	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()
	b.sendMu.Unlock()

	b.logger.Info("subscriber connected", "id", c.id, "remote", r.RemoteAddr)

	defer b.drop(c.id, "connection closed")
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := b.Stats()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","clients":%d,"total_messages":%d}`,
		st.Clients, st.TotalMessages)
}

// BroadcastCommand fans one command out to every subscriber and
// returns how many received it.
func (b *Broadcaster) BroadcastCommand(cmd *protocol.Command) int {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	frame := protocol.BrainCommandFrame{
		Type:      protocol.FrameBrainCommand,
		Command:   cmd,
		Timestamp: time.Now().UTC(),
		Seq:       b.seq.Add(1),
	}
	return b.sendLocked(frame)
}

// BroadcastStatus fans a system_status frame out to every subscriber.
func (b *Broadcaster) BroadcastStatus(status map[string]any) int {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	frame := protocol.SystemStatusFrame{
		Type:      protocol.FrameSystemStatus,
		Status:    status,
		Timestamp: time.Now().UTC(),
		Seq:       b.seq.Add(1),
	}
	return b.sendLocked(frame)
}

// sendLocked marshals the frame once and writes it to every
// subscriber. Subscribers whose write fails are dropped and closed.
// Caller holds sendMu.
func (b *Broadcaster) sendLocked(frame any) int {
	data, err := json.Marshal(frame)
	if err != nil {
		b.logger.Error("marshal frame failed", "error", err)
		return 0
	}

	b.mu.RLock()
	targets := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := b.writeTo(c, data); err != nil {
			b.drop(c.id, "write failed: "+err.Error())
			continue
		}
		sent++
	}
	if sent > 0 {
		b.totalMessages.Add(uint64(sent))
	}
	return sent
}

func (b *Broadcaster) writeTo(c *client, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// drop removes and closes one subscriber. Safe to call twice.
func (b *Broadcaster) drop(id, reason string) {
	b.mu.Lock()
	c, ok := b.clients[id]
	if ok {
		delete(b.clients, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	c.conn.Close()
	b.logger.Info("subscriber dropped", "id", id, "reason", reason)
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	clients := b.clients
	b.clients = make(map[string]*client)
	b.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

// Stats is a snapshot of the broadcaster counters.
type Stats struct {
	TotalMessages uint64 `json:"total_messages"`
	Clients       int    `json:"clients"`
	Seq           uint64 `json:"seq"`
}

// Stats returns the current counters.
func (b *Broadcaster) Stats() Stats {
	b.mu.RLock()
	n := len(b.clients)
	b.mu.RUnlock()
	return Stats{
		TotalMessages: b.totalMessages.Load(),
		Clients:       n,
		Seq:           b.seq.Load(),
	}
}

// StartTestBroadcaster binds on 127.0.0.1:0 and serves until ctx is
// done. Used for integration tests.
func StartTestBroadcaster(ctx context.Context) (*Broadcaster, string, error) {
	b := New(Config{Host: "127.0.0.1", Port: 0})
	if err := b.Bind(); err != nil {
		return nil, "", err
	}
	go b.Serve(ctx)
	return b, b.Addr(), nil
}
