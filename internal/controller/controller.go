// Package controller implements the per-connection owner of one analyzer
// socket: a single event loop that multiplexes inbound link traffic, the
// outbound send queue and the keep-alive schedule.
//
// Single ownership is the concurrency design: only the event loop goroutine
// touches the socket and the link machine. Other goroutines interact through
// QueueOutbound (mailbox), the atomic link state (IsBusy) and Stop. This
// replaces any locking around the link with a structure where a race cannot
// be expressed.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openlis/astmlink/internal/astm/link"
	"github.com/openlis/astmlink/internal/astm/record"
	"github.com/openlis/astmlink/internal/broker"
	"github.com/openlis/astmlink/internal/keepalive"
	"github.com/openlis/astmlink/internal/logger"
	"github.com/openlis/astmlink/internal/store"
	"github.com/openlis/astmlink/pkg/metrics"
)

// ErrStopped is returned by QueueOutbound after the controller shut down.
var ErrStopped = errors.New("controller stopped")

// DefaultPollInterval is the event loop granularity: the longest stretch the
// loop spends blocked on a quiet socket before it re-checks the mailbox, the
// keep-alive tick and the shutdown flag.
const DefaultPollInterval = 250 * time.Millisecond

// storeTimeout bounds each persistence call so a slow database can never
// stall the link.
const storeTimeout = 5 * time.Second

// Config carries the per-connection settings.
type Config struct {
	// InstrumentName keys the registry and tags every persisted row.
	InstrumentName string

	// ResultQueue is the broker destination for inbound publishes.
	ResultQueue string

	// Link tunables are passed through to the link machine.
	Link link.Config

	// KeepAliveInterval enables the keep-alive schedule when > 0.
	KeepAliveInterval time.Duration

	// PollInterval overrides DefaultPollInterval (tests use a short one).
	PollInterval time.Duration
}

// pendingSend is one mailbox entry.
type pendingSend struct {
	msg       *record.Message
	token     *SendToken
	keepAlive bool
}

// Controller owns one accepted analyzer socket for its lifetime.
type Controller struct {
	cfg     Config
	conn    net.Conn
	machine *link.Machine
	driver  record.Driver
	store   store.ServerMessageStore
	broker  broker.Broker
	ka      *keepalive.Engine
	metrics metrics.LinkMetrics

	// mailbox holds queued outbound sends, FIFO. The event loop drains it
	// whenever the link is idle; QueueOutbound never blocks and never
	// refuses while the controller is alive.
	mailboxMu sync.Mutex
	mailbox   []*pendingSend

	connectedAt time.Time
	stopped     atomic.Bool
	stopOnce    sync.Once
	stopCh      chan struct{}
	done        chan struct{}
	onStop      func()
}

// New wraps an accepted socket. Call Run on a dedicated goroutine to start
// the event loop. m may be nil to disable metrics.
func New(conn net.Conn, cfg Config, driver record.Driver, st store.ServerMessageStore, b broker.Broker, m metrics.LinkMetrics) *Controller {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Controller{
		cfg:         cfg,
		conn:        conn,
		machine:     link.New(conn, cfg.Link, cfg.InstrumentName, m),
		driver:      driver,
		store:       st,
		broker:      b,
		ka:          keepalive.New(cfg.KeepAliveInterval, driver),
		metrics:     m,
		connectedAt: time.Now(),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// SetOnStop registers a callback invoked once when the event loop
// terminates. The registry uses it for self-removal. Must be called before
// Run.
func (c *Controller) SetOnStop(fn func()) {
	c.onStop = fn
}

// InstrumentName returns the configured instrument identity.
func (c *Controller) InstrumentName() string {
	return c.cfg.InstrumentName
}

// RemoteAddr returns the analyzer's address.
func (c *Controller) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// IsConnected reports whether the event loop is still running.
func (c *Controller) IsConnected() bool {
	select {
	case <-c.done:
		return false
	default:
		return !c.stopped.Load()
	}
}

// IsBusy reports whether the link is mid-transmission in either direction.
// Safe from any goroutine; the dispatcher uses it for collision avoidance.
func (c *Controller) IsBusy() bool {
	return c.machine.Busy()
}

// LinkState returns the current link state.
func (c *Controller) LinkState() link.LinkState {
	return c.machine.State()
}

// ConnectedAt returns when the socket was accepted.
func (c *Controller) ConnectedAt() time.Time {
	return c.connectedAt
}

// KeepAliveStats returns the keep-alive snapshot.
func (c *Controller) KeepAliveStats() keepalive.Stats {
	return c.ka.Stats()
}

// QueueOutbound appends a message to the send queue and returns a token the
// caller can await. Queueing always succeeds while the controller is alive;
// delivery is FIFO. The message is serialized by the instrument's driver at
// send time.
func (c *Controller) QueueOutbound(msg *record.Message) (*SendToken, error) {
	if c.stopped.Load() {
		return nil, ErrStopped
	}
	p := &pendingSend{msg: msg, token: newSendToken()}

	c.mailboxMu.Lock()
	c.mailbox = append(c.mailbox, p)
	c.mailboxMu.Unlock()
	return p.token, nil
}

// Stop shuts the controller down cooperatively: the event loop observes the
// flag between link operations, abandons queued sends and closes the
// socket. If the loop does not come around within the grace period (it may
// legitimately sit in a 30s intra-transmission timeout), the socket is
// closed under it to force the exit.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		close(c.stopCh)

		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
			c.conn.Close()
			<-c.done
		}
	})
}

// Done returns a channel closed when the event loop has terminated.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Run is the event loop. It returns when Stop is called, the socket fails,
// or the link enters ERROR.
func (c *Controller) Run() {
	defer c.teardown()

	clientIP, _, _ := net.SplitHostPort(c.RemoteAddr())
	lc := logger.NewLogContext(c.cfg.InstrumentName, clientIP)
	ctx := logger.WithContext(context.Background(), lc)

	logger.InfoCtx(ctx, "analyzer connected", logger.KeyRemoteAddr, c.RemoteAddr())
	if c.metrics != nil {
		c.metrics.RecordConnectionOpened(c.cfg.InstrumentName)
	}

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if c.machine.State() == link.StateError {
			logger.WarnCtx(ctx, "link in error state, closing connection")
			return
		}

		// Outbound has priority over polling once the link is idle, so a
		// queued order goes out at the first opportunity.
		if c.machine.State() == link.StateIdle {
			if p := c.dequeue(); p != nil {
				if !c.serviceSend(ctx, p) {
					return
				}
				continue
			}
		}

		// A due keep-alive is queued like any other outbound and competes
		// for the line under the same arbitration rules.
		select {
		case now := <-c.ka.C():
			if !c.ka.InProgress() {
				c.ka.MarkInProgress(true)
				p := &pendingSend{msg: c.ka.NewMessage(now), token: newSendToken(), keepAlive: true}
				c.mailboxMu.Lock()
				c.mailbox = append(c.mailbox, p)
				c.mailboxMu.Unlock()
			}
		default:
		}

		payload, err := c.machine.Poll(c.cfg.PollInterval)
		if err != nil {
			// An aborted inbound transmission (EOT before the final
			// frame) discards the partial buffer but leaves the link
			// usable.
			if errors.Is(err, link.ErrPeerAborted) {
				logger.WarnCtx(ctx, "analyzer aborted transmission, buffer discarded")
				continue
			}
			if !c.stopped.Load() {
				logger.WarnCtx(ctx, "connection lost", logger.KeyError, err.Error())
			}
			return
		}
		if payload != nil {
			c.handleInbound(ctx, payload)
		}
	}
}

func (c *Controller) dequeue() *pendingSend {
	c.mailboxMu.Lock()
	defer c.mailboxMu.Unlock()
	if len(c.mailbox) == 0 {
		return nil
	}
	p := c.mailbox[0]
	c.mailbox = c.mailbox[1:]
	return p
}

func (c *Controller) requeueFront(p *pendingSend) {
	c.mailboxMu.Lock()
	c.mailbox = append([]*pendingSend{p}, c.mailbox...)
	c.mailboxMu.Unlock()
}

// serviceSend performs one outbound attempt. Returns false when the
// controller must terminate.
func (c *Controller) serviceSend(ctx context.Context, p *pendingSend) bool {
	payload := c.driver.Build(p.msg)
	start := time.Now()

	inbound, err := c.machine.Send(payload)
	switch {
	case err == nil:
		p.token.resolve(SendResult{Status: StatusSent})
		if p.keepAlive {
			c.ka.MarkSent(time.Now())
			logger.DebugCtx(ctx, "keep-alive sent")
			if c.metrics != nil {
				c.metrics.RecordKeepAlive(c.cfg.InstrumentName, "sent")
			}
		} else {
			logger.InfoCtx(ctx, "outbound transmission complete",
				logger.KeyBytes, len(payload),
				logger.KeyDuration, logger.Duration(start))
			if c.metrics != nil {
				c.metrics.RecordTransmission(c.cfg.InstrumentName, "out", string(p.msg.Type), len(payload), time.Since(start))
			}
		}

	case errors.Is(err, link.ErrCollision):
		// Receiver priority: the inbound was serviced inside Send; our
		// message goes back to the head of the queue for the next idle
		// window.
		logger.DebugCtx(ctx, "outbound yielded to analyzer transmission")
		c.requeueFront(p)
		if inbound != nil {
			c.handleInbound(ctx, inbound)
		}
		if c.machine.State() == link.StateError {
			return false
		}

	case errors.Is(err, link.ErrNotIdle):
		c.requeueFront(p)

	case errors.Is(err, link.ErrClosed):
		// A socket closed under us by Stop abandons the send; any other
		// closure is a failure.
		status := StatusFailed
		if c.stopped.Load() {
			status = StatusAbandoned
		}
		p.token.resolve(SendResult{Status: status, Err: err})
		return false

	default:
		// Timeout or retry budget: the send failed but the link survived
		// unless the machine says otherwise.
		p.token.resolve(SendResult{Status: StatusFailed, Err: err})
		if p.keepAlive {
			c.ka.MarkInProgress(false)
			logger.WarnCtx(ctx, "keep-alive failed", logger.KeyError, err.Error())
		} else {
			logger.WarnCtx(ctx, "outbound transmission failed", logger.KeyError, err.Error())
		}
		if c.machine.State() == link.StateError {
			return false
		}
	}
	return true
}

// handleInbound runs the persistence and publish pipeline for one complete
// transmission. The link layer has already acknowledged every frame; from
// here on failures are recorded on the audit row and never back-pressure
// the analyzer.
func (c *Controller) handleInbound(ctx context.Context, payload []byte) {
	start := time.Now()
	lc := logger.FromContext(ctx).Clone()
	if lc == nil {
		lc = logger.NewLogContext(c.cfg.InstrumentName, "")
	}

	sniffed := record.Sniff(payload)
	lc.MessageType = string(sniffed)

	sm := &store.ServerMessage{
		InstrumentName: c.cfg.InstrumentName,
		RemoteAddress:  c.RemoteAddr(),
		RawMessage:     payload,
		MessageType:    string(sniffed),
	}

	sctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	id, err := c.store.CreateServerMessage(sctx, sm)
	cancel()
	if err != nil {
		// The pipeline continues: losing the audit row is bad, dropping
		// the message entirely is worse.
		logger.ErrorCtx(ctx, "failed to persist inbound message", logger.KeyError, err.Error())
	}
	lc.MessageID = id
	ctx = logger.WithContext(context.Background(), lc)

	msg, perr := c.driver.Parse(payload)
	if perr != nil {
		logger.WarnCtx(ctx, "inbound message failed to parse", logger.KeyError, perr.Error())
		c.updateStatus(ctx, id, store.StatusError, perr.Error())
		return
	}
	for _, w := range msg.Warnings {
		logger.WarnCtx(ctx, "parse warning", logger.KeyError, w)
	}
	msg.InstrumentName = c.cfg.InstrumentName

	if msg.IsKeepAlive() {
		c.ka.MarkReceived(time.Now())
		c.updateStatus(ctx, id, store.StatusProcessed, "")
		logger.DebugCtx(ctx, "keep-alive received")
		if c.metrics != nil {
			c.metrics.RecordKeepAlive(c.cfg.InstrumentName, "received")
		}
		return
	}

	c.updateStatus(ctx, id, store.StatusProcessed, "")

	pctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	puberr := PublishMessage(pctx, c.broker, c.cfg.ResultQueue, msg)
	cancel()

	switch {
	case puberr == nil:
		c.updateStatus(ctx, id, store.StatusPublished, "")
		if c.metrics != nil {
			c.metrics.RecordPublish(c.cfg.InstrumentName, "ok")
		}
	case broker.IsTransient(puberr):
		logger.WarnCtx(ctx, "broker unavailable, scheduling publish retry", logger.KeyError, puberr.Error())
		c.markPublishRetry(ctx, id, puberr.Error())
		if c.metrics != nil {
			c.metrics.RecordPublish(c.cfg.InstrumentName, "retry")
		}
	default:
		logger.ErrorCtx(ctx, "publish failed permanently", logger.KeyError, puberr.Error())
		c.updateStatus(ctx, id, store.StatusError, puberr.Error())
		if c.metrics != nil {
			c.metrics.RecordPublish(c.cfg.InstrumentName, "error")
		}
	}

	logger.InfoCtx(ctx, "inbound transmission processed",
		logger.KeyBytes, len(payload),
		logger.KeyRecords, msg.RecordCount(),
		logger.KeyDuration, logger.Duration(start))
	if c.metrics != nil {
		c.metrics.RecordTransmission(c.cfg.InstrumentName, "in", string(msg.Type), len(payload), time.Since(start))
	}
}

func (c *Controller) updateStatus(ctx context.Context, id string, status store.ServerMessageStatus, lastError string) {
	if id == "" {
		return
	}
	sctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.UpdateServerMessageStatus(sctx, id, status, lastError); err != nil {
		logger.ErrorCtx(ctx, "failed to update message status",
			logger.KeyStatus, string(status),
			logger.KeyError, err.Error())
	}
}

func (c *Controller) markPublishRetry(ctx context.Context, id string, lastError string) {
	if id == "" {
		return
	}
	sctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.MarkServerMessagePublishRetry(sctx, id, lastError); err != nil {
		logger.ErrorCtx(ctx, "failed to mark publish retry", logger.KeyError, err.Error())
	}
}

func (c *Controller) teardown() {
	c.stopped.Store(true)
	c.ka.Stop()
	c.conn.Close()

	// Every queued send is abandoned; callers re-queue through the
	// dispatcher's retry path.
	c.mailboxMu.Lock()
	pending := c.mailbox
	c.mailbox = nil
	c.mailboxMu.Unlock()
	for _, p := range pending {
		p.token.resolve(SendResult{Status: StatusAbandoned, Err: fmt.Errorf("%w before send", ErrStopped)})
	}

	if c.metrics != nil {
		c.metrics.RecordConnectionClosed(c.cfg.InstrumentName)
	}
	if c.onStop != nil {
		c.onStop()
	}
	close(c.done)
	logger.Info("analyzer connection closed",
		logger.KeyInstrument, c.cfg.InstrumentName,
		logger.KeyRemoteAddr, c.RemoteAddr())
}
