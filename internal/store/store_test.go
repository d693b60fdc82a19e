package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestStore creates an in-memory SQLite store for testing.
func createTestStore(t *testing.T) *GORMStore {
	t.Helper()
	s, err := New(&Config{
		Type:   DatabaseTypeSQLite,
		SQLite: SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConfig(t *testing.T) {
	t.Run("DefaultsToSQLite", func(t *testing.T) {
		cfg := &Config{}
		cfg.ApplyDefaults()
		assert.Equal(t, DatabaseTypeSQLite, cfg.Type)
		assert.NotEmpty(t, cfg.SQLite.Path)
	})

	t.Run("PostgresDefaults", func(t *testing.T) {
		cfg := &Config{Type: DatabaseTypePostgres}
		cfg.ApplyDefaults()
		assert.Equal(t, 5432, cfg.Postgres.Port)
		assert.Equal(t, "disable", cfg.Postgres.SSLMode)
	})

	t.Run("InvalidTypeRejected", func(t *testing.T) {
		_, err := New(&Config{Type: "mongodb"})
		assert.Error(t, err)
	})

	t.Run("PostgresDSN", func(t *testing.T) {
		cfg := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "astm", SSLMode: "disable"}
		assert.Equal(t, "host=db port=5432 user=u password=p dbname=astm sslmode=disable", cfg.DSN())
	})
}

func TestServerMessages(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	t.Run("CreateAssignsIDAndStatus", func(t *testing.T) {
		id, err := s.CreateServerMessage(ctx, &ServerMessage{
			InstrumentName: "VISION-1",
			RemoteAddress:  "10.0.0.7:51234",
			RawMessage:     []byte("H|\\^&\rL||\r"),
			MessageType:    "KEEP_ALIVE",
		})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		msg, err := s.GetServerMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusReceived, msg.Status)
		assert.Equal(t, "VISION-1", msg.InstrumentName)
		assert.False(t, msg.ReceivedAt.IsZero())
	})

	t.Run("StatusLifecycle", func(t *testing.T) {
		id, err := s.CreateServerMessage(ctx, &ServerMessage{
			InstrumentName: "VISION-1",
			RawMessage:     []byte("x"),
		})
		require.NoError(t, err)

		for _, status := range []ServerMessageStatus{StatusProcessed, StatusPublishRetry, StatusPublished} {
			require.NoError(t, s.UpdateServerMessageStatus(ctx, id, status, ""))
			msg, err := s.GetServerMessage(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, status, msg.Status)
		}

		require.NoError(t, s.UpdateServerMessageStatus(ctx, id, StatusError, "broker rejected payload"))
		msg, err := s.GetServerMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "broker rejected payload", msg.LastError)
	})

	t.Run("ListByStatus", func(t *testing.T) {
		s := createTestStore(t)
		for i := 0; i < 3; i++ {
			_, err := s.CreateServerMessage(ctx, &ServerMessage{InstrumentName: "A", RawMessage: []byte("x")})
			require.NoError(t, err)
		}
		id, err := s.CreateServerMessage(ctx, &ServerMessage{InstrumentName: "A", RawMessage: []byte("x")})
		require.NoError(t, err)
		require.NoError(t, s.UpdateServerMessageStatus(ctx, id, StatusPublishRetry, "down"))

		retry, err := s.ListServerMessagesByStatus(ctx, StatusPublishRetry, 10)
		require.NoError(t, err)
		require.Len(t, retry, 1)
		assert.Equal(t, id, retry[0].MessageID)

		received, err := s.ListServerMessagesByStatus(ctx, StatusReceived, 2)
		require.NoError(t, err)
		assert.Len(t, received, 2)
	})

	t.Run("PublishRetryCountsAttempts", func(t *testing.T) {
		id, err := s.CreateServerMessage(ctx, &ServerMessage{
			InstrumentName: "VISION-1",
			RawMessage:     []byte("x"),
		})
		require.NoError(t, err)

		require.NoError(t, s.MarkServerMessagePublishRetry(ctx, id, "broker down"))
		require.NoError(t, s.MarkServerMessagePublishRetry(ctx, id, "still down"))

		msg, err := s.GetServerMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusPublishRetry, msg.Status)
		assert.Equal(t, 2, msg.PublishAttempts)
		assert.Equal(t, "still down", msg.LastError)

		assert.ErrorIs(t, s.MarkServerMessagePublishRetry(ctx, "ghost", "x"), ErrServerMessageNotFound)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := s.GetServerMessage(ctx, "no-such-id")
		assert.ErrorIs(t, err, ErrServerMessageNotFound)

		err = s.UpdateServerMessageStatus(ctx, "no-such-id", StatusError, "")
		assert.ErrorIs(t, err, ErrServerMessageNotFound)
	})
}

func TestOrderMessages(t *testing.T) {
	ctx := context.Background()

	newOrder := func(t *testing.T, s *GORMStore, maxRetries int) string {
		t.Helper()
		id, err := s.CreateOrderMessage(ctx, &OrderMessage{
			InstrumentName:   "VISION-1",
			MessageContent:   []byte(`{"orderRecords":[]}`),
			MaxRetryAttempts: maxRetries,
		})
		require.NoError(t, err)
		return id
	}

	t.Run("CreateDefaults", func(t *testing.T) {
		s := createTestStore(t)
		id, err := s.CreateOrderMessage(ctx, &OrderMessage{
			InstrumentName: "VISION-1",
			MessageContent: []byte("{}"),
		})
		require.NoError(t, err)

		order, err := s.GetOrderMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, OrderPending, order.Status)
		assert.Equal(t, 5, order.MaxRetryAttempts)
		assert.Equal(t, 0, order.RetryCount)
	})

	t.Run("ClaimIsAtomic", func(t *testing.T) {
		s := createTestStore(t)
		id := newOrder(t, s, 5)

		claimed, err := s.ClaimOrderMessage(ctx, id)
		require.NoError(t, err)
		assert.True(t, claimed)

		// Second claim must lose.
		claimed, err = s.ClaimOrderMessage(ctx, id)
		require.NoError(t, err)
		assert.False(t, claimed)

		order, err := s.GetOrderMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, OrderProcessing, order.Status)
	})

	t.Run("ConcurrentClaimsSingleWinner", func(t *testing.T) {
		s := createTestStore(t)
		id := newOrder(t, s, 5)

		var wins int
		var mu sync.Mutex
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				claimed, err := s.ClaimOrderMessage(ctx, id)
				if err == nil && claimed {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("RescheduleIncrementsRetryCount", func(t *testing.T) {
		s := createTestStore(t)
		id := newOrder(t, s, 5)

		_, err := s.ClaimOrderMessage(ctx, id)
		require.NoError(t, err)

		next := time.Now().Add(5 * time.Minute)
		require.NoError(t, s.RescheduleOrderMessage(ctx, id, next, "instrument disconnected"))

		order, err := s.GetOrderMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, OrderPending, order.Status)
		assert.Equal(t, 1, order.RetryCount)
		assert.Equal(t, "instrument disconnected", order.ErrorMessage)
		require.NotNil(t, order.NextRetryAt)
		require.NotNil(t, order.LastRetryAt)
	})

	t.Run("DueScanHonorsNextRetryAt", func(t *testing.T) {
		s := createTestStore(t)
		dueNow := newOrder(t, s, 5)
		later := newOrder(t, s, 5)

		_, err := s.ClaimOrderMessage(ctx, later)
		require.NoError(t, err)
		require.NoError(t, s.RescheduleOrderMessage(ctx, later, time.Now().Add(time.Hour), "busy"))

		due, err := s.ListDueOrderMessages(ctx, time.Now(), 10)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, dueNow, due[0].MessageID)

		// An hour from now both are due.
		due, err = s.ListDueOrderMessages(ctx, time.Now().Add(2*time.Hour), 10)
		require.NoError(t, err)
		assert.Len(t, due, 2)
	})

	t.Run("FinalStates", func(t *testing.T) {
		s := createTestStore(t)
		ok := newOrder(t, s, 5)
		bad := newOrder(t, s, 5)

		require.NoError(t, s.MarkOrderMessageSuccess(ctx, ok))
		require.NoError(t, s.MarkOrderMessageFailed(ctx, bad, "retry budget exhausted"))

		order, err := s.GetOrderMessage(ctx, ok)
		require.NoError(t, err)
		assert.Equal(t, OrderSuccess, order.Status)

		order, err = s.GetOrderMessage(ctx, bad)
		require.NoError(t, err)
		assert.Equal(t, OrderFailed, order.Status)
		assert.Equal(t, "retry budget exhausted", order.ErrorMessage)
	})

	t.Run("BudgetExhausted", func(t *testing.T) {
		order := &OrderMessage{RetryCount: 2, MaxRetryAttempts: 2}
		assert.True(t, order.BudgetExhausted())
		order.RetryCount = 1
		assert.False(t, order.BudgetExhausted())
	})

	t.Run("NotFound", func(t *testing.T) {
		s := createTestStore(t)
		_, err := s.GetOrderMessage(ctx, "nope")
		assert.ErrorIs(t, err, ErrOrderMessageNotFound)

		claimed, err := s.ClaimOrderMessage(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, claimed)

		assert.ErrorIs(t, s.MarkOrderMessageSuccess(ctx, "nope"), ErrOrderMessageNotFound)
	})
}
