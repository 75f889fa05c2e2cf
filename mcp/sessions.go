package mcp

import (
	"context"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"pkt.systems/docmcp"
	"pkt.systems/docmcp/internal/clock"
	"pkt.systems/pslog"
)

// sessionConn is the slice of *mcpsdk.ServerSession the registry needs;
// tests substitute fakes.
type sessionConn interface {
	ID() string
	Ping(ctx context.Context, params *mcpsdk.PingParams) error
	Close() error
	Wait() error
}

type sessionState int

const (
	sessionActive sessionState = iota
	sessionRemoved
)

type trackedSession struct {
	conn  sessionConn
	state sessionState
}

// sessionRegistry tracks live MCP server sessions. Teardown has four
// triggers: the connection ending (waiter goroutine), a failed keepalive
// ping, an explicit Remove, and Shutdown. All of them funnel through
// Remove, which is idempotent.
type sessionRegistry struct {
	logger   pslog.Logger
	clk      clock.Clock
	interval time.Duration
	onCount  func(int)

	mu       sync.Mutex
	sessions map[string]*trackedSession
	closed   bool
}

type sessionRegistryOptions struct {
	KeepAliveInterval time.Duration
	Clock             clock.Clock
	Logger            pslog.Logger
	// OnCount receives the live session count after every change.
	OnCount func(int)
}

func newSessionRegistry(opts sessionRegistryOptions) *sessionRegistry {
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = docmcp.DefaultKeepAliveInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	return &sessionRegistry{
		logger:   opts.Logger,
		clk:      opts.Clock,
		interval: opts.KeepAliveInterval,
		onCount:  opts.OnCount,
		sessions: make(map[string]*trackedSession),
	}
}

// Add registers a session and starts its waiter. Adding a session with an
// ID already present replaces nothing and reports false.
func (r *sessionRegistry) Add(conn sessionConn) bool {
	if conn == nil {
		return false
	}
	id := conn.ID()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return false
	}
	r.sessions[id] = &trackedSession{conn: conn, state: sessionActive}
	count := len(r.sessions)
	r.mu.Unlock()

	go r.waitSession(conn, id)

	r.logger.Info("mcp.session.add", "session_id", id, "active", count)
	r.countChanged(count)
	return true
}

// Get returns the live session for id. Absence is a normal outcome.
func (r *sessionRegistry) Get(id string) (sessionConn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tracked, ok := r.sessions[id]
	if !ok || tracked.state != sessionActive {
		return nil, false
	}
	return tracked.conn, true
}

// Remove tears down one session. The first call transitions it to the
// terminal removed state; duplicate and unknown removals are silent no-ops.
func (r *sessionRegistry) Remove(id string) bool {
	r.mu.Lock()
	tracked, ok := r.sessions[id]
	if !ok || tracked.state != sessionActive {
		r.mu.Unlock()
		return false
	}
	tracked.state = sessionRemoved
	delete(r.sessions, id)
	count := len(r.sessions)
	r.mu.Unlock()

	_ = tracked.conn.Close()
	r.logger.Info("mcp.session.remove", "session_id", id, "active", count)
	r.countChanged(count)
	return true
}

// Len reports the live session count.
func (r *sessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *sessionRegistry) waitSession(conn sessionConn, id string) {
	_ = conn.Wait()
	if r.Remove(id) {
		r.logger.Debug("mcp.session.connection_ended", "session_id", id)
	}
}

// Run drives the single global keepalive loop until ctx is cancelled.
// Every interval each live session gets one ping; sessions whose ping
// fails are removed during the sweep.
func (r *sessionRegistry) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clk.After(r.interval):
		}
		r.pingAll(ctx)
	}
}

func (r *sessionRegistry) pingAll(ctx context.Context) {
	r.mu.Lock()
	conns := make(map[string]sessionConn, len(r.sessions))
	for id, tracked := range r.sessions {
		if tracked.state == sessionActive {
			conns[id] = tracked.conn
		}
	}
	r.mu.Unlock()

	for id, conn := range conns {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := conn.Ping(pingCtx, nil)
		cancel()
		if err == nil {
			continue
		}
		r.logger.Warn("mcp.session.keepalive_failed", "session_id", id, "error", err)
		r.Remove(id)
	}
}

// Shutdown removes every session. Safe to call more than once.
func (r *sessionRegistry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Remove(id)
	}
	r.logger.Info("mcp.session.shutdown", "closed", len(ids))
}

func (r *sessionRegistry) countChanged(count int) {
	if r.onCount != nil {
		r.onCount(count)
	}
}
