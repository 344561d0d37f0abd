package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/example/campus-messaging/domain/message"
	"github.com/example/campus-messaging/protocol"
	"github.com/gorilla/websocket"
)

// State is the transport state reported by ConnectionInfo.
type State string

// Transport states.
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
	StatePolling      State = "polling"
)

// ConnectionInfo is a snapshot of the negotiator.
type ConnectionInfo struct {
	State             State
	Interval          time.Duration
	SinceActivity     time.Duration
	ConsecutiveErrors int
	SocketAttempts    int
	Visible           bool
}

// transportHooks let a Channel observe socket and poll events.
type transportHooks struct {
	onOpen     func()
	onClose    func()
	onEnvelope func(protocol.Envelope)
	onPolled   func()
}

// Negotiator keeps messages flowing over a socket when the device allows
// it and over adaptive polling otherwise. Fetch and socket errors are
// logged and absorbed into the backoff; they never reach the caller.
type Negotiator struct {
	cfg      Config
	fetcher  Fetcher
	dialer   Dialer
	clock    clock.Clock
	logger   *slog.Logger
	strategy Strategy
	hooks    transportHooks

	mu             sync.Mutex
	rate           *AdaptiveRate
	state          State
	started        bool
	runCtx         context.Context
	cancel         context.CancelFunc
	scheduler      *Scheduler
	onMessage      func([]message.Message)
	lastActivity   time.Time
	cursor         Cursor
	socketAttempts int
	socketGaveUp   bool
	conn           SocketConn
	pingSentAt     time.Time

	writeMu   sync.Mutex
	deliverMu sync.Mutex
	inFlight  atomic.Bool
}

// NewNegotiator creates a stopped Negotiator. A nil dialer uses
// gorilla/websocket.
func NewNegotiator(cfg Config, fetcher Fetcher, dialer Dialer) *Negotiator {
	cfg = cfg.withDefaults()
	if dialer == nil {
		dialer = WebSocketDialer{}
	}
	return &Negotiator{
		cfg:          cfg,
		fetcher:      fetcher,
		dialer:       dialer,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		strategy:     cfg.strategy(),
		rate:         NewAdaptiveRate(cfg.Capability.Bounds()),
		state:        StateDisconnected,
		lastActivity: cfg.Clock.Now(),
	}
}

// Start begins delivery to onMessage: a socket attempt when the strategy
// allows one, otherwise an immediate first poll. Calling Start while
// started does nothing. onMessage must not call Stop.
func (n *Negotiator) Start(onMessage func([]message.Message)) {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.started = true
	n.runCtx = ctx
	n.cancel = cancel
	n.onMessage = onMessage
	n.lastActivity = n.clock.Now()
	n.scheduler = NewScheduler(n.clock, n.rate.Current(), n.poll)
	scheduler := n.scheduler

	useSocket := n.strategy.Socket && !n.socketGaveUp
	if useSocket {
		n.state = StateConnecting
	} else {
		n.state = StatePolling
	}
	n.mu.Unlock()

	scheduler.Start(ctx)
	if useSocket {
		go n.runSocket(ctx)
	} else {
		scheduler.Kick()
	}
	n.logger.Info("Message delivery started", "socket", useSocket, "interval", n.Interval())
}

// Stop cancels timers, the in-flight fetch and the socket. It is safe to
// call before Start. Once Stop returns no further messages are delivered,
// even if a fetch issued earlier resolves later.
func (n *Negotiator) Stop() {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return
	}
	n.started = false
	cancel, scheduler, conn := n.cancel, n.scheduler, n.conn
	n.conn = nil
	n.state = StateDisconnected
	n.mu.Unlock()

	cancel()
	scheduler.Stop()
	if conn != nil {
		_ = conn.Close()
	}

	// Wait out a delivery that passed its context check before cancel.
	n.deliverMu.Lock()
	n.deliverMu.Unlock()
	n.logger.Info("Message delivery stopped")
}

// ForceCheck resets the interval to its minimum and fetches now, or pings
// when the socket is connected.
func (n *Negotiator) ForceCheck() {
	n.mu.Lock()
	n.rate.ResetToMin()
	n.syncDelayLocked()
	started, socketUp, scheduler := n.started, n.state == StateConnected, n.scheduler
	n.mu.Unlock()

	if !started {
		return
	}
	if socketUp {
		n.ping()
		return
	}
	scheduler.Kick()
}

// SetVisible records a visibility change. Becoming visible resets the
// interval to its minimum and forces a check.
func (n *Negotiator) SetVisible(visible bool) {
	n.mu.Lock()
	if visible {
		n.rate.Shown()
	} else {
		n.rate.Hidden(n.clock.Since(n.lastActivity))
	}
	n.syncDelayLocked()
	n.mu.Unlock()

	if visible {
		n.ForceCheck()
	}
}

// RecordActivity records user input. While a transport is working the
// interval returns to base.
func (n *Negotiator) RecordActivity() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.lastActivity = n.clock.Now()
	if n.state == StateConnected || n.state == StatePolling {
		n.rate.OnActivity()
		n.syncDelayLocked()
	}
}

// ConnectionInfo returns a snapshot of the transport state.
func (n *Negotiator) ConnectionInfo() ConnectionInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return ConnectionInfo{
		State:             n.state,
		Interval:          n.rate.Current(),
		SinceActivity:     n.clock.Since(n.lastActivity),
		ConsecutiveErrors: n.rate.ConsecutiveErrors(),
		SocketAttempts:    n.socketAttempts,
		Visible:           n.rate.Visible(),
	}
}

// Interval returns the current polling interval.
func (n *Negotiator) Interval() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rate.Current()
}

// SocketConnected reports whether the socket is open.
func (n *Negotiator) SocketConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn != nil && n.state == StateConnected
}

// SendEnvelope writes env to the open socket.
func (n *Negotiator) SendEnvelope(env protocol.Envelope) error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return errSocketUnavailable
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	n.writeMu.Lock()
	defer n.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (n *Negotiator) syncDelayLocked() {
	if n.scheduler != nil {
		n.scheduler.SetDelay(n.rate.Current())
	}
}

// poll is the scheduler task.
func (n *Negotiator) poll(ctx context.Context) {
	n.mu.Lock()
	if !n.rate.Visible() {
		n.rate.Hidden(n.clock.Since(n.lastActivity))
		n.syncDelayLocked()
	}
	socketUp := n.state == StateConnected
	cursor := n.cursor
	onMessage := n.onMessage
	n.mu.Unlock()

	if socketUp || !n.strategy.Polling || ctx.Err() != nil {
		return
	}
	if !n.inFlight.CompareAndSwap(false, true) {
		n.logger.Debug("Previous fetch still in flight, skipping tick")
		return
	}
	defer n.inFlight.Store(false)

	start := n.clock.Now()
	msgs, err := n.fetcher.Fetch(ctx, cursor, n.cfg.FetchLimit)
	if ctx.Err() != nil {
		return
	}
	rtt := n.clock.Since(start)

	n.mu.Lock()
	// ctx is derived from runCtx by the scheduler; Stop cancels it under
	// the same lock that clears started.
	if !n.started || ctx.Err() != nil {
		n.mu.Unlock()
		return
	}
	if err != nil {
		n.rate.OnError()
		errs := n.rate.ConsecutiveErrors()
		if errs >= errorStateThreshold && n.state != StateConnected {
			n.state = StateError
		}
		n.syncDelayLocked()
		interval := n.rate.Current()
		n.mu.Unlock()
		n.logger.Warn("Fetch failed", "error", err, "consecutive_errors", errs, "interval", interval)
		return
	}

	n.rate.OnSuccess(rtt)
	if n.state != StateConnected {
		n.state = StatePolling
	}
	for _, msg := range msgs {
		n.cursor = n.cursor.Advance(msg)
	}
	n.syncDelayLocked()
	n.mu.Unlock()

	n.deliver(ctx, onMessage, msgs)
	if n.hooks.onPolled != nil {
		n.hooks.onPolled()
	}
}

// deliver hands msgs to onMessage in chunks, yielding between them.
func (n *Negotiator) deliver(ctx context.Context, onMessage func([]message.Message), msgs []message.Message) {
	if len(msgs) == 0 || onMessage == nil {
		return
	}

	n.deliverMu.Lock()
	defer n.deliverMu.Unlock()

	for i := 0; i < len(msgs); i += n.cfg.ChunkSize {
		if ctx.Err() != nil {
			return
		}
		end := min(i+n.cfg.ChunkSize, len(msgs))
		onMessage(msgs[i:end])
		if end < len(msgs) {
			runtime.Gosched()
		}
	}
}

// runSocket dials and serves the socket, reconnecting with capped
// exponential backoff. When the attempts run out the socket is abandoned
// for the rest of the session and polling carries on.
func (n *Negotiator) runSocket(ctx context.Context) {
	rawURL, err := socketURL(n.cfg.ServerURL, n.cfg.Token)
	if err != nil {
		n.logger.Error("Socket disabled", "error", err)
		n.giveUpSocket(ctx)
		return
	}

	b := newReconnectBackOff(ctx, n.cfg)
	operation := func() error {
		n.mu.Lock()
		n.socketAttempts++
		n.mu.Unlock()

		conn, err := n.dialer.Dial(ctx, rawURL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		// An open socket restarts the reconnect budget.
		b.Reset()

		err = n.serveSocket(ctx, conn)
		switch {
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case isAuthClose(err):
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		n.logger.Info("Socket unavailable, polling until reconnect", "error", err, "retry_in", wait)
		n.fallBackToPolling(ctx)
	}

	err = backoff.RetryNotifyWithTimer(operation, b, notify, &clockTimer{clock: n.clock})
	if ctx.Err() != nil {
		return
	}
	n.logger.Warn("Giving up on socket for this session", "error", err)
	n.giveUpSocket(ctx)
}

func (n *Negotiator) giveUpSocket(ctx context.Context) {
	n.mu.Lock()
	n.socketGaveUp = true
	n.mu.Unlock()
	n.fallBackToPolling(ctx)
}

// fallBackToPolling switches to polling and fetches immediately.
func (n *Negotiator) fallBackToPolling(ctx context.Context) {
	n.mu.Lock()
	if n.runCtx != ctx || !n.started {
		n.mu.Unlock()
		return
	}
	if !n.strategy.Polling {
		n.state = StateDisconnected
		n.mu.Unlock()
		return
	}
	if n.state != StateError {
		n.state = StatePolling
	}
	scheduler := n.scheduler
	n.mu.Unlock()
	scheduler.Kick()
}

// serveSocket owns an open connection until it fails.
func (n *Negotiator) serveSocket(ctx context.Context, conn SocketConn) error {
	n.mu.Lock()
	if n.runCtx != ctx || !n.started {
		n.mu.Unlock()
		_ = conn.Close()
		return context.Canceled
	}
	n.conn = conn
	n.state = StateConnected
	n.socketAttempts = 0
	n.mu.Unlock()

	n.logger.Info("Socket connected")
	if n.hooks.onOpen != nil {
		n.hooks.onOpen()
	}

	err := n.readLoop(ctx, conn)

	n.mu.Lock()
	if n.conn == conn {
		n.conn = nil
	}
	current := n.runCtx == ctx && n.started
	if current && n.state == StateConnected {
		n.state = StateDisconnected
	}
	n.mu.Unlock()
	_ = conn.Close()

	if current {
		n.logger.Info("Socket closed", "error", err)
		if n.hooks.onClose != nil {
			n.hooks.onClose()
		}
		n.fallBackToPolling(ctx)
	}
	return err
}

func (n *Negotiator) readLoop(ctx context.Context, conn SocketConn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		env, err := protocol.Parse(data)
		if err != nil {
			n.logger.Warn("Ignoring malformed frame", "error", err)
			continue
		}
		n.handleEnvelope(ctx, env)
	}
}

func (n *Negotiator) handleEnvelope(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeNewMessage:
		var payload protocol.NewMessage
		if err := env.Bind(&payload); err != nil {
			n.logger.Warn("Ignoring malformed new_message", "error", err)
			return
		}
		n.mu.Lock()
		onMessage := n.onMessage
		n.mu.Unlock()
		n.deliver(ctx, onMessage, []message.Message{payload.Message})

	case protocol.TypePong:
		n.mu.Lock()
		if !n.pingSentAt.IsZero() {
			n.rate.OnSuccess(n.clock.Since(n.pingSentAt))
			n.pingSentAt = time.Time{}
			n.syncDelayLocked()
		}
		n.mu.Unlock()

	case protocol.TypeError:
		var payload protocol.Error
		if err := env.Bind(&payload); err == nil {
			n.logger.Warn("Server rejected frame", "code", payload.Code, "message", payload.Message)
		}

	case protocol.TypeConnectionEstablished:
		n.logger.Debug("Socket session established")
	}

	if n.hooks.onEnvelope != nil {
		n.hooks.onEnvelope(env)
	}
}

func (n *Negotiator) ping() {
	env, err := protocol.New(protocol.TypePing, nil)
	if err != nil {
		return
	}
	n.mu.Lock()
	n.pingSentAt = n.clock.Now()
	n.mu.Unlock()

	if err := n.SendEnvelope(env); err != nil && !errors.Is(err, errSocketUnavailable) {
		n.logger.Warn("Ping failed", "error", err)
	}
}
