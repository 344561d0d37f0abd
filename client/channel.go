package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/example/campus-messaging/domain/message"
	"github.com/example/campus-messaging/protocol"
	nanoid "github.com/jaevor/go-nanoid"
)

// ErrOffline is returned by Drain while the channel is offline.
var ErrOffline = errors.New("channel is offline")

const (
	clientIDLength = 21
	seenCapacity   = 4096
)

// Method is the transport a send used.
type Method string

// Send methods.
const (
	MethodSocket Method = "socket"
	MethodHTTP   Method = "http"
)

// Outgoing is a message the user wants to send.
type Outgoing struct {
	ReceiverID     string
	ConversationID string
	Body           string
	Kind           message.Kind
}

// SendResult is the immediate outcome of Send. A socket send reports
// Success once the frame is written; the server confirmation arrives
// through OnConfirmed.
type SendResult struct {
	ClientID string
	Method   Method
	Queued   bool
	Success  bool
	Err      error
}

type sendOutcome int

const (
	outcomeSent sendOutcome = iota
	outcomeRetry
	outcomeRejected
)

// Channel moves messages over whichever transport the Negotiator has up
// and keeps an ordered queue of sends made while offline.
type Channel struct {
	cfg        Config
	negotiator *Negotiator
	sender     Sender
	queue      Queue
	newID      func() string
	clock      clock.Clock
	logger     *slog.Logger

	online   atomic.Bool
	draining atomic.Bool
	sendMu   sync.Mutex

	mu        sync.Mutex
	runCtx    context.Context
	cancel    context.CancelFunc
	subs      map[int]func(message.Message)
	nextSub   int
	seen      map[string]struct{}
	seenOrder []string
	inflight  map[string]message.PendingMessage
	confirmed []func(message.ConfirmedMessage)
	failed    []func(message.FailedMessage)
}

// NewChannel creates a Channel that talks to cfg.ServerURL.
func NewChannel(cfg Config) (*Channel, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	api := NewHTTPClient(cfg.ServerURL, cfg.Token, cfg.HTTPClient)
	return newChannel(cfg, api, api, nil)
}

func newChannel(cfg Config, fetcher Fetcher, sender Sender, dialer Dialer) (*Channel, error) {
	cfg = cfg.withDefaults()
	newID, err := nanoid.Standard(clientIDLength)
	if err != nil {
		return nil, fmt.Errorf("failed to create id generator: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:        cfg,
		negotiator: NewNegotiator(cfg, fetcher, dialer),
		sender:     sender,
		newID:      newID,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		runCtx:     ctx,
		cancel:     cancel,
		subs:       make(map[int]func(message.Message)),
		seen:       make(map[string]struct{}),
		inflight:   make(map[string]message.PendingMessage),
	}
	c.online.Store(true)
	c.negotiator.hooks = transportHooks{
		onOpen:     c.handleSocketOpen,
		onClose:    c.handleSocketClose,
		onEnvelope: c.handleEnvelope,
		onPolled:   c.handlePolled,
	}
	return c, nil
}

// Negotiator returns the transport negotiator.
func (c *Channel) Negotiator() *Negotiator {
	return c.negotiator
}

// Start begins receiving messages.
func (c *Channel) Start() {
	c.negotiator.Start(c.handleIncoming)
}

// Stop stops receiving and aborts a running drain. Queued messages stay
// queued.
func (c *Channel) Stop() {
	c.negotiator.Stop()

	c.mu.Lock()
	c.cancel()
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()
}

// OnIncoming registers fn for every newly observed message and returns a
// function that removes it.
func (c *Channel) OnIncoming(fn func(message.Message)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// OnConfirmed registers fn for sends the server has persisted. Handlers
// run synchronously and must not call Send.
func (c *Channel) OnConfirmed(fn func(message.ConfirmedMessage)) {
	c.mu.Lock()
	c.confirmed = append(c.confirmed, fn)
	c.mu.Unlock()
}

// OnFailed registers fn for sends that will not be retried.
func (c *Channel) OnFailed(fn func(message.FailedMessage)) {
	c.mu.Lock()
	c.failed = append(c.failed, fn)
	c.mu.Unlock()
}

// Online reports the last connectivity input.
func (c *Channel) Online() bool {
	return c.online.Load()
}

// SetOnline records a network event. Coming back online drains the queue
// and checks for new messages.
func (c *Channel) SetOnline(online bool) {
	was := c.online.Swap(online)
	if online && !was {
		c.logger.Info("Network online", "queued", c.queue.Len())
		c.triggerDrain()
		c.negotiator.ForceCheck()
	}
}

// QueueLen returns the number of queued sends.
func (c *Channel) QueueLen() int {
	return c.queue.Len()
}

// Pending returns the queued sends in order.
func (c *Channel) Pending() []message.PendingMessage {
	return c.queue.Snapshot()
}

// Send delivers out, or queues it when offline or behind earlier queued
// sends. It never blocks on connectivity.
func (c *Channel) Send(ctx context.Context, out Outgoing) SendResult {
	kind := out.Kind
	if kind == "" {
		kind = message.KindText
	}
	pending := message.PendingMessage{
		ClientID:       "tmp_" + c.newID(),
		ReceiverID:     out.ReceiverID,
		ConversationID: out.ConversationID,
		Body:           out.Body,
		Kind:           kind,
		CreatedAt:      c.clock.Now().UTC(),
	}

	if !c.online.Load() {
		c.queue.Push(pending)
		return SendResult{ClientID: pending.ClientID, Queued: true}
	}
	if c.queue.Len() > 0 {
		c.queue.Push(pending)
		c.triggerDrain()
		return SendResult{ClientID: pending.ClientID, Queued: true}
	}

	method, outcome, err := c.attempt(ctx, pending)
	result := SendResult{ClientID: pending.ClientID, Method: method, Err: err}
	switch outcome {
	case outcomeSent:
		result.Success = true
	case outcomeRejected:
		c.fail(pending, err)
	case outcomeRetry:
		next := pending.WithAttempt()
		if next.Attempts >= c.cfg.MaxSendAttempts {
			c.fail(next, err)
			break
		}
		c.queue.Push(next)
		result.Queued = true
	}
	return result
}

// Drain sends queued messages in order, pausing between sends. A send
// that fails stays at the head and ends the drain until the next
// connectivity event. Only one drain runs at a time.
func (c *Channel) Drain(ctx context.Context) error {
	if !c.online.Load() {
		return ErrOffline
	}
	if !c.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer c.draining.Store(false)

	for {
		if !c.online.Load() {
			return ErrOffline
		}
		pending, ok := c.queue.Peek()
		if !ok {
			return nil
		}

		_, outcome, err := c.attempt(ctx, pending)
		switch outcome {
		case outcomeSent:
			c.queue.Remove(pending.ClientID)
		case outcomeRejected:
			c.queue.Remove(pending.ClientID)
			c.fail(pending, err)
		case outcomeRetry:
			next := pending.WithAttempt()
			if next.Attempts >= c.cfg.MaxSendAttempts {
				c.queue.Remove(pending.ClientID)
				c.fail(next, err)
			} else {
				c.queue.Replace(next)
			}
			return fmt.Errorf("drain stopped: %w", err)
		}

		if c.queue.Len() == 0 {
			return nil
		}
		if c.cfg.DrainPause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clock.After(c.cfg.DrainPause):
			}
		}
	}
}

// attempt sends pending once, over the socket when it is up and over
// HTTP otherwise.
func (c *Channel) attempt(ctx context.Context, pending message.PendingMessage) (Method, sendOutcome, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.negotiator.SocketConnected() {
		env, err := protocol.New(protocol.TypeSendMessage, protocol.SendMessage{
			ReceiverID:     pending.ReceiverID,
			ConversationID: pending.ConversationID,
			Body:           pending.Body,
			Kind:           pending.Kind,
			ClientID:       pending.ClientID,
		})
		if err == nil {
			// Track first so a fast confirmation finds the entry.
			c.trackInflight(pending)
			if err = c.negotiator.SendEnvelope(env); err == nil {
				return MethodSocket, outcomeSent, nil
			}
			c.takeInflight(pending.ClientID)
		}
		c.logger.Warn("Socket send failed, using HTTP", "client_id", pending.ClientID, "error", err)
	}

	msg, err := c.sender.Send(ctx, pending)
	if err == nil {
		c.confirm(pending, *msg)
		c.negotiator.ForceCheck()
		return MethodHTTP, outcomeSent, nil
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) && !statusErr.Temporary() {
		return MethodHTTP, outcomeRejected, err
	}
	return MethodHTTP, outcomeRetry, err
}

func (c *Channel) triggerDrain() {
	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()

	go func() {
		if err := c.Drain(ctx); err != nil && !errors.Is(err, ErrOffline) {
			c.logger.Warn("Queue drain interrupted", "error", err, "queued", c.queue.Len())
		}
	}()
}

func (c *Channel) confirm(pending message.PendingMessage, msg message.Message) {
	confirmed := pending.Confirm(msg)
	c.mu.Lock()
	handlers := slices.Clone(c.confirmed)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(confirmed)
	}
}

func (c *Channel) fail(pending message.PendingMessage, err error) {
	reason := "send failed"
	if err != nil {
		reason = err.Error()
	}
	failed := pending.Fail(reason, c.clock.Now().UTC())
	c.logger.Warn("Message failed to send", "client_id", pending.ClientID, "attempts", pending.Attempts, "reason", reason)

	c.mu.Lock()
	handlers := slices.Clone(c.failed)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(failed)
	}
}

func (c *Channel) trackInflight(pending message.PendingMessage) {
	c.mu.Lock()
	c.inflight[pending.ClientID] = pending
	c.mu.Unlock()
}

func (c *Channel) takeInflight(clientID string) (message.PendingMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending, ok := c.inflight[clientID]
	if ok {
		delete(c.inflight, clientID)
	}
	return pending, ok
}

// handleIncoming dedupes by message id and fans out to subscribers in
// arrival order.
func (c *Channel) handleIncoming(batch []message.Message) {
	c.mu.Lock()
	fresh := make([]message.Message, 0, len(batch))
	for _, msg := range batch {
		if _, ok := c.seen[msg.ID]; ok {
			continue
		}
		c.markSeenLocked(msg.ID)
		fresh = append(fresh, msg)
	}
	subs := make([]func(message.Message), 0, len(c.subs))
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		subs = append(subs, c.subs[id])
	}
	c.mu.Unlock()

	for _, msg := range fresh {
		for _, fn := range subs {
			fn(msg)
		}
	}
}

func (c *Channel) markSeenLocked(id string) {
	c.seen[id] = struct{}{}
	c.seenOrder = append(c.seenOrder, id)
	if len(c.seenOrder) > seenCapacity {
		oldest := c.seenOrder[0]
		c.seenOrder = c.seenOrder[1:]
		delete(c.seen, oldest)
	}
}

func (c *Channel) handleSocketOpen() {
	if c.queue.Len() > 0 {
		c.triggerDrain()
	}
}

// handleSocketClose puts unconfirmed socket sends back at the head of the
// queue in their original order.
func (c *Channel) handleSocketClose() {
	c.mu.Lock()
	orphans := make([]message.PendingMessage, 0, len(c.inflight))
	for _, pending := range c.inflight {
		orphans = append(orphans, pending)
	}
	c.inflight = make(map[string]message.PendingMessage)
	c.mu.Unlock()

	sort.Slice(orphans, func(i, j int) bool {
		return orphans[i].CreatedAt.Before(orphans[j].CreatedAt)
	})
	for i := len(orphans) - 1; i >= 0; i-- {
		c.queue.PushFront(orphans[i])
	}
	if len(orphans) > 0 {
		c.logger.Info("Requeued unconfirmed socket sends", "count", len(orphans))
	}
}

func (c *Channel) handlePolled() {
	if c.online.Load() && c.queue.Len() > 0 {
		c.triggerDrain()
	}
}

func (c *Channel) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeNewMessage:
		var payload protocol.NewMessage
		if env.Bind(&payload) != nil || payload.ClientID == "" {
			return
		}
		if pending, ok := c.takeInflight(payload.ClientID); ok {
			c.confirm(pending, payload.Message)
		}

	case protocol.TypeError:
		var payload protocol.Error
		if env.Bind(&payload) != nil || payload.ClientID == "" {
			return
		}
		pending, ok := c.takeInflight(payload.ClientID)
		if !ok {
			return
		}
		err := fmt.Errorf("server rejected message: %s: %s", payload.Code, payload.Message)
		if payload.Code != protocol.CodePersistenceFailed {
			c.fail(pending, err)
			return
		}
		next := pending.WithAttempt()
		if next.Attempts >= c.cfg.MaxSendAttempts {
			c.fail(next, err)
			return
		}
		c.queue.PushFront(next)
		c.triggerDrain()
	}
}
