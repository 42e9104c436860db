package ws

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calebmorgan/cosmowatch/internal/presence"
	"nhooyr.io/websocket"
)

const (
	// sendBufferSize is the number of events that can be queued per client.
	sendBufferSize = 32

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second

	// defaultMaxConns is the default maximum concurrent connections (0 = unlimited).
	defaultMaxConns = 0

	// defaultIdleTimeout is the default time after which an idle connection is reaped.
	defaultIdleTimeout = 0

	// idleCheckInterval is how often the idle reaper runs.
	idleCheckInterval = 30 * time.Second
)

// Client is one live WebSocket connection. Its identity is set by the first
// join and may be updated by later joins; topics is touched only by the
// client's own read loop, so it needs no lock.
type Client struct {
	conn        *websocket.Conn
	send        chan []byte
	id          string
	participant presence.Participant
	topics      map[string]struct{}
}

// ID returns the connection identifier assigned at connect time.
func (c *Client) ID() string {
	return c.id
}

// participantKey is the identifier typing state is attributed to:
// authenticated users by user id, anonymous ones by connection.
func (c *Client) participantKey() string {
	if c.participant.UserID != "" {
		return c.participant.UserID
	}
	return "conn:" + c.id
}

// connEntry holds per-connection metadata alongside the cancel function.
type connEntry struct {
	cancel      context.CancelFunc
	connectedAt time.Time
	lastActive  time.Time
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active        int
	MaxConns      int
	Rejected      int64
	DroppedEvents int64
	IdleReaped    int64
}

// ConnManager tracks all active WebSocket connections: per-client buffered
// send channels drained by a write pump, optional connection limits, idle
// detection, and graceful shutdown.
type ConnManager struct {
	mu       sync.Mutex
	clients  map[*Client]*connEntry
	byID     map[string]*Client
	closed   bool
	maxConns int
	idleTTL  time.Duration
	stopIdle context.CancelFunc

	rejected      atomic.Int64
	droppedEvents atomic.Int64
	idleReaped    atomic.Int64
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections. When the
// limit is reached, new connections are rejected. 0 means unlimited.
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// WithIdleTimeout sets how long a connection can be idle before it is
// automatically closed. 0 disables idle reaping.
func WithIdleTimeout(d time.Duration) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.idleTTL = d
	}
}

// NewConnManager creates a new connection manager.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients:  make(map[*Client]*connEntry),
		byID:     make(map[string]*Client),
		maxConns: defaultMaxConns,
		idleTTL:  defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(cm)
	}
	if cm.idleTTL > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		cm.stopIdle = cancel
		go cm.idleReapLoop(ctx)
	}
	return cm
}

// Add registers a client and starts its write pump. The returned context is
// cancelled when the client is removed or the manager shuts down; callers
// should select on ctx.Done() in their read loop. Returns a cancelled
// context if the manager is closed or at capacity.
func (cm *ConnManager) Add(c *Client) context.Context {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	if cm.maxConns > 0 && len(cm.clients) >= cm.maxConns {
		cm.rejected.Add(1)
		c.conn.Close(websocket.StatusTryAgainLater, "server at capacity")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	now := time.Now()
	c.send = make(chan []byte, sendBufferSize)
	ctx, cancel := context.WithCancel(context.Background())
	cm.clients[c] = &connEntry{
		cancel:      cancel,
		connectedAt: now,
		lastActive:  now,
	}
	cm.byID[c.id] = c

	go cm.writePump(ctx, c)

	return ctx
}

// Remove stops a client's write pump and cleans it up.
func (cm *ConnManager) Remove(c *Client) {
	cm.mu.Lock()
	entry, ok := cm.clients[c]
	if ok {
		delete(cm.clients, c)
		delete(cm.byID, c.id)
	}
	cm.mu.Unlock()

	// The send channel is left open: concurrent broadcasters may still hold
	// a reference to this client, and the write pump exits on cancel.
	if ok {
		entry.cancel()
	}
}

// Get resolves a connection id to its live client, or nil if it is gone.
func (cm *ConnManager) Get(id string) *Client {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.byID[id]
}

// Send queues an event for delivery to the client. Returns false if the
// client's buffer is full (slow consumer) or the client has been removed.
func (cm *ConnManager) Send(c *Client, data []byte) bool {
	cm.mu.Lock()
	_, ok := cm.clients[c]
	cm.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		cm.droppedEvents.Add(1)
		log.Printf("ws: send buffer full for connection %s, dropping event", c.id)
		return false
	}
}

// TouchActivity updates the last-active timestamp for a client so idle
// reaping does not close active connections.
func (cm *ConnManager) TouchActivity(c *Client) {
	cm.mu.Lock()
	if entry, ok := cm.clients[c]; ok {
		entry.lastActive = time.Now()
	}
	cm.mu.Unlock()
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:        active,
		MaxConns:      maxConns,
		Rejected:      cm.rejected.Load(),
		DroppedEvents: cm.droppedEvents.Load(),
		IdleReaped:    cm.idleReaped.Load(),
	}
}

// Shutdown gracefully closes all connections. It cancels every write pump
// and closes each WebSocket with StatusGoingAway.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	clients := make(map[*Client]*connEntry, len(cm.clients))
	for c, entry := range cm.clients {
		clients[c] = entry
	}
	cm.clients = make(map[*Client]*connEntry)
	cm.byID = make(map[string]*Client)
	cm.mu.Unlock()

	if cm.stopIdle != nil {
		cm.stopIdle()
	}

	for c, entry := range clients {
		entry.cancel()
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// idleReapLoop periodically checks for and closes idle connections.
func (cm *ConnManager) idleReapLoop(ctx context.Context) {
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cm.reapIdle()
		}
	}
}

// reapIdle closes connections that have been idle longer than idleTTL. The
// close wakes the connection's read loop, which runs the normal disconnect
// cleanup for presence and typing state.
func (cm *ConnManager) reapIdle() {
	cm.mu.Lock()
	now := time.Now()
	var stale []*Client
	for c, entry := range cm.clients {
		if now.Sub(entry.lastActive) > cm.idleTTL {
			stale = append(stale, c)
		}
	}
	cm.mu.Unlock()

	for _, c := range stale {
		c.conn.Close(websocket.StatusPolicyViolation, "idle timeout")
		cm.idleReaped.Add(1)
		log.Printf("ws: reaped idle connection %s", c.id)
	}
}

// writePump drains the client's send channel, writing each event to the
// WebSocket connection. It exits when ctx is cancelled or the send channel
// is closed.
func (cm *ConnManager) writePump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				log.Printf("ws: write to connection %s failed: %v", c.id, err)
				return
			}
		}
	}
}
