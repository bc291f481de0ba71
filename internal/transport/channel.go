// Package transport maintains the authenticated push connection to the fleet
// server. It owns connection lifecycle only and keeps no vehicle state.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"fleetview/internal/domain"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateExhausted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateExhausted:
		return "exhausted"
	case StateClosed:
		return "closed"
	default:
		return "idle"
	}
}

// Command names accepted by the server.
const (
	CommandSubscribeAll       = "subscribe:all"
	CommandSubscribeVehicle   = "subscribe:vehicle"
	CommandUnsubscribeVehicle = "unsubscribe:vehicle"
)

// Handler receives decoded push events.
type Handler func(domain.Event)

// DialFunc matches websocket.Dial so tests can substitute the network.
type DialFunc func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error)

type Options struct {
	// MaxAttempts is the number of consecutive failed dials after which the
	// channel gives up and stays disconnected until Reconnect is called.
	MaxAttempts      int
	Delay            time.Duration
	MaxDelay         time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	Dial             DialFunc
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Delay <= 0 {
		o.Delay = time.Second
	}
	if o.MaxDelay < o.Delay {
		o.MaxDelay = o.Delay
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.Dial == nil {
		o.Dial = websocket.Dial
	}
	return o
}

// Message is the wire envelope for events and commands.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type registration struct {
	id uint64
	fn Handler
}

// Credential yields the current access token. It is read on every dial so a
// refreshed token is picked up by redials and Reconnect.
type Credential func() string

// StaticCredential returns a Credential that always yields token.
func StaticCredential(token string) Credential {
	return func() string { return token }
}

type Channel struct {
	url        string
	credential Credential
	opts       Options
	logger     *slog.Logger

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	cancel       context.CancelFunc
	done         chan struct{}
	attempts     int
	subscribeAll bool
	allSent      bool
	vehicles     map[int64]struct{}

	handlersMu sync.RWMutex
	handlers   map[domain.EventKind][]registration
	nextID     uint64
}

// Connect starts a push connection authenticated with credential. It returns
// nil without touching the network when no token is available; callers treat
// that as offline mode.
func Connect(ctx context.Context, url string, credential Credential, opts Options, logger *slog.Logger) *Channel {
	logger = logger.With("component", "push_channel")
	if credential == nil || credential() == "" {
		logger.Warn("no access token, push channel disabled")
		return nil
	}

	c := &Channel{
		url:        url,
		credential: credential,
		opts:       opts.withDefaults(),
		logger:     logger,
		vehicles:   make(map[int64]struct{}),
		handlers:   make(map[domain.EventKind][]registration),
	}

	c.mu.Lock()
	c.startLocked(ctx)
	c.mu.Unlock()
	return c
}

func (c *Channel) startLocked(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = StateConnecting
	go c.run(runCtx, c.done)
}

// Reconnect re-initialises a channel whose retries were exhausted. It is a
// no-op in any other state.
func (c *Channel) Reconnect(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateExhausted {
		return false
	}
	c.logger.Info("re-initialising push channel")
	c.startLocked(ctx)
	return true
}

// Disconnect closes the connection and stops reconnecting. Safe to call more
// than once.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	conn, cancel, done := c.conn, c.cancel, c.done
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	c.logger.Info("push channel disconnected")
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the total number of dials made since Connect.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Done is closed when the current connection loop exits, either because
// retries ran out or because the channel was disconnected.
func (c *Channel) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// On registers h for events of the given kind. Handlers for one kind run in
// registration order. The returned func unregisters h.
func (c *Channel) On(kind domain.EventKind, h Handler) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	c.nextID++
	id := c.nextID
	c.handlers[kind] = append(c.handlers[kind], registration{id: id, fn: h})

	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		regs := c.handlers[kind]
		for i, r := range regs {
			if r.id == id {
				c.handlers[kind] = append(regs[:i:i], regs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll asks the server for events about every vehicle. The request is
// remembered and repeated after each reconnect.
func (c *Channel) SubscribeAll() {
	c.mu.Lock()
	c.subscribeAll = true
	conn := c.conn
	send := conn != nil && !c.allSent
	if send {
		c.allSent = true
	}
	c.mu.Unlock()

	if send {
		c.write(conn, CommandSubscribeAll, nil)
	}
}

func (c *Channel) SubscribeVehicle(id int64) {
	c.mu.Lock()
	c.vehicles[id] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.write(conn, CommandSubscribeVehicle, id)
	}
}

func (c *Channel) UnsubscribeVehicle(id int64) {
	c.mu.Lock()
	delete(c.vehicles, id)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.write(conn, CommandUnsubscribeVehicle, id)
	}
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer func() {
		if ctx.Err() != nil {
			c.setState(StateClosed)
		}
		close(done)
	}()

	failures := 0
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.logger.Warn("push channel connect failed",
				"attempt", failures,
				"max_attempts", c.opts.MaxAttempts,
				"error", err,
			)
			if failures >= c.opts.MaxAttempts {
				c.setState(StateExhausted)
				c.logger.Error("push channel reconnect attempts exhausted", "attempts", failures)
				return
			}
			c.setState(StateReconnecting)
			if !sleep(ctx, c.backoff(failures)) {
				return
			}
			continue
		}

		failures = 0
		c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		c.setState(StateReconnecting)
		c.logger.Warn("push channel lost, reconnecting", "delay", c.opts.Delay)
		if !sleep(ctx, c.opts.Delay) {
			return
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	c.attempts++
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	token := c.credential()
	if token == "" {
		return nil, errors.New("no access token")
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := c.opts.Dial(dialCtx, c.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: status %d: %w", c.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing %s: %w", c.url, err)
	}
	return conn, nil
}

// serve owns one live connection until it drops or ctx ends.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.CloseNow()

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.allSent = c.subscribeAll
	sendAll := c.subscribeAll
	vehicles := make([]int64, 0, len(c.vehicles))
	for id := range c.vehicles {
		vehicles = append(vehicles, id)
	}
	c.mu.Unlock()

	c.logger.Info("connected to push server", "url", c.url)

	if sendAll {
		c.write(conn, CommandSubscribeAll, nil)
	}
	for _, id := range vehicles {
		c.write(conn, CommandSubscribeVehicle, id)
	}

	go c.keepalive(connCtx, conn)

	for {
		msgType, data, err := conn.Read(connCtx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				c.logger.Debug("push channel read error", "error", err)
			}
			break
		}
		if msgType != websocket.MessageText {
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("invalid push message", "error", err)
			continue
		}
		c.dispatch(domain.EventKind(msg.Type), msg.Payload)
	}

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Channel) keepalive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Debug("push channel ping failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (c *Channel) dispatch(kind domain.EventKind, payload json.RawMessage) {
	c.handlersMu.RLock()
	regs := append([]registration(nil), c.handlers[kind]...)
	c.handlersMu.RUnlock()

	if len(regs) == 0 {
		return
	}

	ev, err := domain.DecodeEvent(kind, payload)
	if err != nil {
		c.logger.Debug("dropping push event", "type", kind, "error", err)
		return
	}

	for _, r := range regs {
		c.invoke(r.fn, ev)
	}
}

func (c *Channel) invoke(h Handler, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("push event handler panicked", "type", ev.Kind(), "panic", r)
		}
	}()
	h(ev)
}

func (c *Channel) write(conn *websocket.Conn, typ string, payload interface{}) {
	msg := Message{Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			c.logger.Error("encoding command payload", "type", typ, "error", err)
			return
		}
		msg.Payload = data
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Warn("push command failed", "type", typ, "error", err)
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = s
}

func (c *Channel) backoff(failures int) time.Duration {
	d := c.opts.Delay * time.Duration(failures)
	if d > c.opts.MaxDelay {
		return c.opts.MaxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
