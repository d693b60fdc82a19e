package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlis/astmlink/internal/astm/record"
	"github.com/openlis/astmlink/internal/broker"
	"github.com/openlis/astmlink/internal/controller"
	"github.com/openlis/astmlink/internal/store"
)

const resultUpload = "H|\\^&|||OCD^VISION^5.13.1^J1|||||||P|LIS2-A|20250101120000\r" +
	"R|1|ABO|A|||||F||Auto||20250101120000|J1\r" +
	"L||\r"

// fakeController satisfies the Controller interface with scripted state.
type fakeController struct {
	mu        sync.Mutex
	connected bool
	busy      bool
	queueErr  error
	queued    []*record.Message
}

func (f *fakeController) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeController) IsBusy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *fakeController) QueueOutbound(msg *record.Message) (*controller.SendToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queueErr != nil {
		return nil, f.queueErr
	}
	f.queued = append(f.queued, msg)
	token := controller.NewResolvedToken(controller.SendResult{Status: controller.StatusSent})
	return token, nil
}

func (f *fakeController) queuedMessages() []*record.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*record.Message(nil), f.queued...)
}

type fakeRegistry struct {
	mu    sync.Mutex
	ctrls map[string]*fakeController
}

func (f *fakeRegistry) Get(name string) Controller {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.ctrls[name]; ok {
		return c
	}
	return nil
}

type publishCall struct {
	queue string
	body  []byte
}

type fakeBroker struct {
	mu        sync.Mutex
	published []publishCall
	err       error
	handlers  map[string]broker.Handler
}

func (f *fakeBroker) Publish(_ context.Context, queue string, body []byte, _ broker.Headers) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishCall{queue, body})
	return nil
}

func (f *fakeBroker) Subscribe(_ context.Context, queue string, h broker.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = map[string]broker.Handler{}
	}
	f.handlers[queue] = h
	return nil
}

func (f *fakeBroker) Close() error { return nil }

func newTestStore(t *testing.T) *store.GORMStore {
	t.Helper()
	s, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newDispatcher(t *testing.T, cfg Config, ctrls map[string]*fakeController) (*Dispatcher, *store.GORMStore, *fakeBroker) {
	t.Helper()
	st := newTestStore(t)
	fb := &fakeBroker{}
	reg := &fakeRegistry{ctrls: ctrls}
	instruments := []InstrumentQueues{
		{Name: "VISION-1", OrderQueue: "astm.orders.vision-1", ResultQueue: "astm.results"},
	}
	d := New(cfg, st, reg, fb, instruments, nil)
	t.Cleanup(d.Stop)
	return d, st, fb
}

func pendingOrder(t *testing.T, st *store.GORMStore, maxAttempts int) string {
	t.Helper()
	id, err := st.CreateOrderMessage(context.Background(), &store.OrderMessage{
		InstrumentName:   "VISION-1",
		MessageContent:   []byte(`{"orderRecords":[{"specimenId":"S9","universalTestId":"ABO"}],"resultRecords":[],"queryRecords":[]}`),
		MaxRetryAttempts: maxAttempts,
	})
	require.NoError(t, err)
	return id
}

func TestHandleOrder(t *testing.T) {
	t.Run("PersistsAndDispatchesImmediately", func(t *testing.T) {
		ctrl := &fakeController{connected: true}
		d, st, _ := newDispatcher(t, Config{}, map[string]*fakeController{"VISION-1": ctrl})

		body := []byte(`{"orderRecords":[{"specimenId":"S9"}],"resultRecords":[],"queryRecords":[]}`)
		require.NoError(t, d.handleOrder(context.Background(), "VISION-1", body))

		queued := ctrl.queuedMessages()
		require.Len(t, queued, 1)
		assert.Equal(t, "VISION-1", queued[0].InstrumentName)
		require.Len(t, queued[0].Orders, 1)
		assert.Equal(t, "S9", queued[0].Orders[0].SpecimenID)

		due, err := st.ListDueOrderMessages(context.Background(), time.Now().Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, due, "order should no longer be pending")
	})

	t.Run("PersistFailureIsNotAcknowledged", func(t *testing.T) {
		d, st, _ := newDispatcher(t, Config{}, nil)
		st.Close() // force the insert to fail

		err := d.handleOrder(context.Background(), "VISION-1", []byte("{}"))
		assert.Error(t, err)
	})
}

func TestProcessOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("DisconnectedReschedulesWithConnectionDelay", func(t *testing.T) {
		d, st, _ := newDispatcher(t, Config{ConnectionDelayMinutes: 5}, nil)
		id := pendingOrder(t, st, 5)

		d.processOrder(ctx, id)

		order, err := st.GetOrderMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.OrderPending, order.Status)
		assert.Equal(t, 1, order.RetryCount)
		require.NotNil(t, order.NextRetryAt)
		delay := time.Until(*order.NextRetryAt)
		assert.InDelta(t, (5 * time.Minute).Seconds(), delay.Seconds(), 10)
	})

	t.Run("BusyReschedulesWithCollisionDelay", func(t *testing.T) {
		ctrl := &fakeController{connected: true, busy: true}
		d, st, _ := newDispatcher(t, Config{CollisionDelayMinutes: 30}, map[string]*fakeController{"VISION-1": ctrl})
		id := pendingOrder(t, st, 5)

		d.processOrder(ctx, id)

		order, err := st.GetOrderMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.OrderPending, order.Status)
		require.NotNil(t, order.NextRetryAt)
		delay := time.Until(*order.NextRetryAt)
		assert.InDelta(t, (30 * time.Minute).Seconds(), delay.Seconds(), 10)
		assert.Empty(t, ctrl.queuedMessages())
	})

	t.Run("RetryBudgetExhaustionMarksFailed", func(t *testing.T) {
		d, st, _ := newDispatcher(t, Config{MaxAttempts: 2}, nil)
		id := pendingOrder(t, st, 2)

		// Two attempts against a disconnected instrument reschedule...
		d.processOrder(ctx, id)
		d.processOrder(ctx, id)

		// ...and the third finds the budget spent.
		d.processOrder(ctx, id)

		order, err := st.GetOrderMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.OrderFailed, order.Status)
		assert.Equal(t, 2, order.RetryCount)
		assert.Contains(t, order.ErrorMessage, "budget exhausted")
	})

	t.Run("ClaimedOrderIsNotReprocessed", func(t *testing.T) {
		ctrl := &fakeController{connected: true}
		d, st, _ := newDispatcher(t, Config{}, map[string]*fakeController{"VISION-1": ctrl})
		id := pendingOrder(t, st, 5)

		claimed, err := st.ClaimOrderMessage(ctx, id)
		require.NoError(t, err)
		require.True(t, claimed)

		d.processOrder(ctx, id)
		assert.Empty(t, ctrl.queuedMessages())
	})

	t.Run("QueueRefusalReschedules", func(t *testing.T) {
		ctrl := &fakeController{connected: true, queueErr: controller.ErrStopped}
		d, st, _ := newDispatcher(t, Config{}, map[string]*fakeController{"VISION-1": ctrl})
		id := pendingOrder(t, st, 5)

		d.processOrder(ctx, id)

		order, err := st.GetOrderMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.OrderPending, order.Status)
	})

	t.Run("UndecodablePayloadBurnsAnAttempt", func(t *testing.T) {
		ctrl := &fakeController{connected: true}
		d, st, _ := newDispatcher(t, Config{}, map[string]*fakeController{"VISION-1": ctrl})
		id, err := st.CreateOrderMessage(ctx, &store.OrderMessage{
			InstrumentName: "VISION-1",
			MessageContent: []byte("this is not json"),
		})
		require.NoError(t, err)

		d.processOrder(ctx, id)

		order, err := st.GetOrderMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.OrderPending, order.Status)
		assert.Equal(t, 1, order.RetryCount)
		assert.Contains(t, order.ErrorMessage, "undecodable")
	})
}

func TestScanDueOrders(t *testing.T) {
	ctrl := &fakeController{connected: true}
	d, st, _ := newDispatcher(t, Config{}, map[string]*fakeController{"VISION-1": ctrl})

	for i := 0; i < 3; i++ {
		pendingOrder(t, st, 5)
	}

	d.scanDueOrders()
	assert.Len(t, ctrl.queuedMessages(), 3)
}

func TestScanPublishRetries(t *testing.T) {
	ctx := context.Background()

	retryRow := func(t *testing.T, st *store.GORMStore, raw []byte, instrument string, attempts int) string {
		t.Helper()
		id, err := st.CreateServerMessage(ctx, &store.ServerMessage{
			InstrumentName: instrument,
			RawMessage:     raw,
			MessageType:    "RESULT",
		})
		require.NoError(t, err)
		for i := 0; i < attempts; i++ {
			require.NoError(t, st.MarkServerMessagePublishRetry(ctx, id, "broker down"))
		}
		if attempts == 0 {
			require.NoError(t, st.MarkServerMessagePublishRetry(ctx, id, "broker down"))
		}
		return id
	}

	t.Run("SuccessfulRetryPublishes", func(t *testing.T) {
		d, st, fb := newDispatcher(t, Config{}, nil)
		id := retryRow(t, st, []byte(resultUpload), "VISION-1", 0)

		d.scanPublishRetries()

		row, err := st.GetServerMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusPublished, row.Status)

		fb.mu.Lock()
		defer fb.mu.Unlock()
		require.Len(t, fb.published, 1)
		assert.Equal(t, "astm.results", fb.published[0].queue)
	})

	t.Run("TransientFailureStaysInRetry", func(t *testing.T) {
		d, st, fb := newDispatcher(t, Config{}, nil)
		fb.err = fmt.Errorf("%w: still down", broker.ErrTransient)
		id := retryRow(t, st, []byte(resultUpload), "VISION-1", 0)

		d.scanPublishRetries()

		row, err := st.GetServerMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusPublishRetry, row.Status)
		assert.Equal(t, 2, row.PublishAttempts)
	})

	t.Run("AttemptBudgetExhaustionMarksError", func(t *testing.T) {
		d, st, _ := newDispatcher(t, Config{MaxAttempts: 3}, nil)
		id := retryRow(t, st, []byte(resultUpload), "VISION-1", 3)

		d.scanPublishRetries()

		row, err := st.GetServerMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusError, row.Status)
		assert.Contains(t, row.LastError, "budget exhausted")
	})

	t.Run("UnknownInstrumentMarksError", func(t *testing.T) {
		d, st, _ := newDispatcher(t, Config{}, nil)
		id := retryRow(t, st, []byte(resultUpload), "GHOST-9", 0)

		d.scanPublishRetries()

		row, err := st.GetServerMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusError, row.Status)
		assert.Contains(t, row.LastError, "no result queue")
	})

	t.Run("UnparseablePayloadMarksError", func(t *testing.T) {
		d, st, _ := newDispatcher(t, Config{}, nil)
		id := retryRow(t, st, []byte("####\r"), "VISION-1", 0)

		d.scanPublishRetries()

		row, err := st.GetServerMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusError, row.Status)
		assert.Contains(t, row.LastError, "cannot reconstruct")
	})
}

func TestStartSubscribes(t *testing.T) {
	ctrl := &fakeController{connected: true}
	d, st, fb := newDispatcher(t, Config{ScheduleIntervalMs: 60000}, map[string]*fakeController{"VISION-1": ctrl})

	require.NoError(t, d.Start())

	fb.mu.Lock()
	handler := fb.handlers["astm.orders.vision-1"]
	fb.mu.Unlock()
	require.NotNil(t, handler, "dispatcher must subscribe to the order queue")

	// Deliver one order through the subscription as the broker would.
	body := []byte(`{"orderRecords":[{"specimenId":"S1"}],"resultRecords":[],"queryRecords":[]}`)
	require.NoError(t, handler(context.Background(), body))

	assert.Len(t, ctrl.queuedMessages(), 1)

	due, err := st.ListDueOrderMessages(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}
