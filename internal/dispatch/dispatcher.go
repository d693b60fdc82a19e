// Package dispatch bridges the order broker and the connection controllers.
//
// Inbound orders from the broker are persisted first (the durability
// boundary), attempted immediately, and rescheduled with time-based back-off
// whenever the target instrument is disconnected or its link is busy. A
// periodic scan re-attempts due orders; a second scan re-publishes inbound
// audit rows stuck in PUBLISH_RETRY.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openlis/astmlink/internal/astm/record"
	"github.com/openlis/astmlink/internal/broker"
	"github.com/openlis/astmlink/internal/controller"
	"github.com/openlis/astmlink/internal/logger"
	"github.com/openlis/astmlink/internal/store"
	"github.com/openlis/astmlink/pkg/metrics"
)

// Controller is the slice of the connection controller the dispatcher
// needs: liveness, busy detection and the send queue.
type Controller interface {
	IsConnected() bool
	IsBusy() bool
	QueueOutbound(msg *record.Message) (*controller.SendToken, error)
}

// Registry resolves an instrument name to a live controller, or nil. The
// server package's registry is adapted to this interface by the service
// composition layer.
type Registry interface {
	Get(instrumentName string) Controller
}

// Defaults for the retry policy.
const (
	DefaultBatchSize        = 20
	DefaultMaxAttempts      = 5
	DefaultCollisionDelay   = 30 * time.Minute
	DefaultConnectionDelay  = 5 * time.Minute
	DefaultScheduleInterval = time.Minute
)

// Config is the retry policy section of the configuration file.
type Config struct {
	// BatchSize caps how many due orders one scan loads.
	BatchSize int `mapstructure:"batch_size" validate:"min=0" yaml:"batch_size"`

	// MaxAttempts is the per-order (and per-publish) retry budget.
	MaxAttempts int `mapstructure:"max_attempts" validate:"min=0" yaml:"max_attempts"`

	// CollisionDelayMinutes delays the retry after finding the link busy.
	CollisionDelayMinutes int `mapstructure:"collision_delay_minutes" validate:"min=0" yaml:"collision_delay_minutes"`

	// ConnectionDelayMinutes delays the retry after finding the
	// instrument disconnected.
	ConnectionDelayMinutes int `mapstructure:"connection_delay_minutes" validate:"min=0" yaml:"connection_delay_minutes"`

	// ScheduleIntervalMs is the period of the due-order scan.
	ScheduleIntervalMs int `mapstructure:"schedule_interval_ms" validate:"min=0" yaml:"schedule_interval_ms"`
}

// resolved turns the file-level config into runtime values with defaults.
type resolved struct {
	batchSize        int
	maxAttempts      int
	collisionDelay   time.Duration
	connectionDelay  time.Duration
	scheduleInterval time.Duration
}

func (c Config) resolve() resolved {
	r := resolved{
		batchSize:        c.BatchSize,
		maxAttempts:      c.MaxAttempts,
		collisionDelay:   time.Duration(c.CollisionDelayMinutes) * time.Minute,
		connectionDelay:  time.Duration(c.ConnectionDelayMinutes) * time.Minute,
		scheduleInterval: time.Duration(c.ScheduleIntervalMs) * time.Millisecond,
	}
	if r.batchSize == 0 {
		r.batchSize = DefaultBatchSize
	}
	if r.maxAttempts == 0 {
		r.maxAttempts = DefaultMaxAttempts
	}
	if r.collisionDelay == 0 {
		r.collisionDelay = DefaultCollisionDelay
	}
	if r.connectionDelay == 0 {
		r.connectionDelay = DefaultConnectionDelay
	}
	if r.scheduleInterval == 0 {
		r.scheduleInterval = DefaultScheduleInterval
	}
	return r
}

// InstrumentQueues names one instrument's broker destinations.
type InstrumentQueues struct {
	Name        string
	OrderQueue  string
	ResultQueue string
}

// Dispatcher consumes the order queues and drives the retry scans.
type Dispatcher struct {
	cfg         resolved
	store       store.Store
	registry    Registry
	broker      broker.Broker
	instruments []InstrumentQueues
	metrics     metrics.DispatchMetrics

	cron     *cron.Cron
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

// New assembles a dispatcher. m may be nil to disable metrics.
func New(cfg Config, st store.Store, reg Registry, b broker.Broker, instruments []InstrumentQueues, m metrics.DispatchMetrics) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:         cfg.resolve(),
		store:       st,
		registry:    reg,
		broker:      b,
		instruments: instruments,
		metrics:     m,
		cron:        cron.New(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start subscribes to every instrument's order queue and starts the
// periodic scans.
func (d *Dispatcher) Start() error {
	for _, inst := range d.instruments {
		inst := inst
		err := d.broker.Subscribe(d.ctx, inst.OrderQueue, func(ctx context.Context, body []byte) error {
			return d.handleOrder(ctx, inst.Name, body)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", inst.OrderQueue, err)
		}
		logger.Info("subscribed to order queue",
			logger.KeyInstrument, inst.Name,
			logger.KeyQueue, inst.OrderQueue)
	}

	spec := fmt.Sprintf("@every %s", d.cfg.scheduleInterval)
	if _, err := d.cron.AddFunc(spec, d.scanDueOrders); err != nil {
		return fmt.Errorf("schedule order scan: %w", err)
	}
	if _, err := d.cron.AddFunc(spec, d.scanPublishRetries); err != nil {
		return fmt.Errorf("schedule publish retry scan: %w", err)
	}
	d.cron.Start()
	return nil
}

// Stop halts the scans and the subscriptions. In-flight processOrder calls
// finish; the atomic claim keeps a restarted scan from double-sending.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		stopCtx := d.cron.Stop()
		<-stopCtx.Done()
	})
}

// handleOrder persists one order from the broker and attempts it
// immediately. Returning nil acknowledges the broker message; from that
// point the database row is the source of truth.
func (d *Dispatcher) handleOrder(ctx context.Context, instrumentName string, body []byte) error {
	order := &store.OrderMessage{
		InstrumentName:   instrumentName,
		MessageContent:   body,
		MaxRetryAttempts: d.cfg.maxAttempts,
	}
	id, err := d.store.CreateOrderMessage(ctx, order)
	if err != nil {
		// Not acknowledged: the broker redelivers and we try to persist
		// again.
		logger.Error("failed to persist order",
			logger.KeyInstrument, instrumentName,
			logger.KeyError, err.Error())
		return err
	}

	logger.Info("order received",
		logger.KeyInstrument, instrumentName,
		logger.KeyOrderID, id,
		logger.KeyBytes, len(body))

	d.processOrder(ctx, id)
	return nil
}

// processOrder runs one delivery attempt for the given order.
//
// The atomic PENDING -> PROCESSING claim is the entry gate: the immediate
// path and the periodic scan can race on the same id and exactly one
// proceeds.
func (d *Dispatcher) processOrder(ctx context.Context, id string) {
	claimed, err := d.store.ClaimOrderMessage(ctx, id)
	if err != nil {
		logger.Error("order claim failed", logger.KeyOrderID, id, logger.KeyError, err.Error())
		return
	}
	if !claimed {
		return
	}

	order, err := d.store.GetOrderMessage(ctx, id)
	if err != nil {
		logger.Error("claimed order vanished", logger.KeyOrderID, id, logger.KeyError, err.Error())
		return
	}

	if order.BudgetExhausted() {
		logger.Warn("order retry budget exhausted",
			logger.KeyInstrument, order.InstrumentName,
			logger.KeyOrderID, id,
			logger.KeyAttempt, order.RetryCount)
		d.finalize(ctx, id, order.InstrumentName, "retry budget exhausted")
		return
	}

	ctrl := d.registry.Get(order.InstrumentName)
	if ctrl == nil || !ctrl.IsConnected() {
		d.reschedule(ctx, order, d.cfg.connectionDelay, "instrument disconnected", "disconnected")
		return
	}
	if ctrl.IsBusy() {
		d.reschedule(ctx, order, d.cfg.collisionDelay, "link busy", "busy")
		return
	}

	var msg record.Message
	if err := json.Unmarshal(order.MessageContent, &msg); err != nil {
		// Treated like any other attempt failure; the budget converts a
		// permanently undecodable payload into FAILED.
		d.reschedule(ctx, order, d.cfg.connectionDelay, fmt.Sprintf("undecodable payload: %v", err), "error")
		return
	}
	msg.InstrumentName = order.InstrumentName

	token, err := ctrl.QueueOutbound(&msg)
	if err != nil {
		d.reschedule(ctx, order, d.cfg.connectionDelay, err.Error(), "disconnected")
		return
	}

	// Handed to the controller's send queue: that is the success
	// criterion. The token is watched only to log the link-level outcome.
	if err := d.store.MarkOrderMessageSuccess(ctx, id); err != nil {
		logger.Error("failed to finalize order", logger.KeyOrderID, id, logger.KeyError, err.Error())
	}
	if d.metrics != nil {
		d.metrics.RecordOrderDispatched(order.InstrumentName)
	}
	logger.Info("order handed to controller",
		logger.KeyInstrument, order.InstrumentName,
		logger.KeyOrderID, id)

	go d.watchToken(order.InstrumentName, id, token)
}

func (d *Dispatcher) watchToken(instrumentName, id string, token *controller.SendToken) {
	result, err := token.Await(d.ctx)
	if err != nil {
		return
	}
	switch result.Status {
	case controller.StatusSent:
		logger.Info("order transmitted", logger.KeyInstrument, instrumentName, logger.KeyOrderID, id)
	default:
		logger.Warn("order send did not complete",
			logger.KeyInstrument, instrumentName,
			logger.KeyOrderID, id,
			logger.KeyStatus, result.Status.String(),
			logger.KeyError, fmt.Sprint(result.Err))
	}
}

func (d *Dispatcher) reschedule(ctx context.Context, order *store.OrderMessage, delay time.Duration, reason, metricReason string) {
	next := time.Now().Add(delay)
	if err := d.store.RescheduleOrderMessage(ctx, order.MessageID, next, reason); err != nil {
		logger.Error("failed to reschedule order",
			logger.KeyOrderID, order.MessageID,
			logger.KeyError, err.Error())
		return
	}
	if d.metrics != nil {
		d.metrics.RecordOrderRescheduled(order.InstrumentName, metricReason)
	}
	logger.Info("order rescheduled",
		logger.KeyInstrument, order.InstrumentName,
		logger.KeyOrderID, order.MessageID,
		logger.KeyAttempt, order.RetryCount+1,
		logger.KeyError, reason,
		"next_retry_at", next.Format(time.RFC3339))
}

func (d *Dispatcher) finalize(ctx context.Context, id, instrumentName, reason string) {
	if err := d.store.MarkOrderMessageFailed(ctx, id, reason); err != nil {
		logger.Error("failed to mark order failed", logger.KeyOrderID, id, logger.KeyError, err.Error())
		return
	}
	if d.metrics != nil {
		d.metrics.RecordOrderFailed(instrumentName)
	}
}

// scanDueOrders loads one batch of due PENDING orders and attempts each.
func (d *Dispatcher) scanDueOrders() {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.scheduleInterval)
	defer cancel()

	due, err := d.store.ListDueOrderMessages(ctx, time.Now(), d.cfg.batchSize)
	if err != nil {
		logger.Error("due order scan failed", logger.KeyError, err.Error())
		return
	}
	if len(due) == 0 {
		return
	}
	logger.Debug("retrying due orders", "count", len(due))
	for _, order := range due {
		d.processOrder(ctx, order.MessageID)
	}
}

// scanPublishRetries re-publishes inbound audit rows stuck in
// PUBLISH_RETRY. Rows whose payload cannot be reconstructed, or that have
// exhausted the publish attempt budget, move to ERROR.
func (d *Dispatcher) scanPublishRetries() {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.scheduleInterval)
	defer cancel()

	rows, err := d.store.ListServerMessagesByStatus(ctx, store.StatusPublishRetry, d.cfg.batchSize)
	if err != nil {
		logger.Error("publish retry scan failed", logger.KeyError, err.Error())
		return
	}

	for _, row := range rows {
		d.republish(ctx, row)
	}
}

func (d *Dispatcher) republish(ctx context.Context, row *store.ServerMessage) {
	if row.PublishAttempts >= d.cfg.maxAttempts {
		d.markServerError(ctx, row, "publish attempt budget exhausted")
		return
	}

	queue := d.resultQueueFor(row.InstrumentName)
	if queue == "" {
		d.markServerError(ctx, row, fmt.Sprintf("no result queue for instrument %s", row.InstrumentName))
		return
	}

	msg, err := record.Parse(row.RawMessage)
	if err != nil {
		d.markServerError(ctx, row, fmt.Sprintf("cannot reconstruct message: %v", err))
		return
	}
	msg.InstrumentName = row.InstrumentName

	puberr := controller.PublishMessage(ctx, d.broker, queue, msg)
	switch {
	case puberr == nil:
		if err := d.store.UpdateServerMessageStatus(ctx, row.MessageID, store.StatusPublished, ""); err != nil {
			logger.Error("failed to finalize republished message",
				logger.KeyMessageID, row.MessageID, logger.KeyError, err.Error())
		}
		if d.metrics != nil {
			d.metrics.RecordPublish(row.InstrumentName, "ok")
		}
		logger.Info("publish retry succeeded",
			logger.KeyInstrument, row.InstrumentName,
			logger.KeyMessageID, row.MessageID)
	case broker.IsTransient(puberr):
		if err := d.store.MarkServerMessagePublishRetry(ctx, row.MessageID, puberr.Error()); err != nil {
			logger.Error("failed to count publish attempt",
				logger.KeyMessageID, row.MessageID, logger.KeyError, err.Error())
		}
		if d.metrics != nil {
			d.metrics.RecordPublish(row.InstrumentName, "retry")
		}
	default:
		d.markServerError(ctx, row, puberr.Error())
	}
}

func (d *Dispatcher) markServerError(ctx context.Context, row *store.ServerMessage, reason string) {
	if err := d.store.UpdateServerMessageStatus(ctx, row.MessageID, store.StatusError, reason); err != nil {
		logger.Error("failed to mark message error",
			logger.KeyMessageID, row.MessageID, logger.KeyError, err.Error())
		return
	}
	if d.metrics != nil {
		d.metrics.RecordPublish(row.InstrumentName, "error")
	}
	logger.Warn("inbound message abandoned",
		logger.KeyInstrument, row.InstrumentName,
		logger.KeyMessageID, row.MessageID,
		logger.KeyError, reason)
}

func (d *Dispatcher) resultQueueFor(instrumentName string) string {
	for _, inst := range d.instruments {
		if inst.Name == instrumentName {
			return inst.ResultQueue
		}
	}
	return ""
}
