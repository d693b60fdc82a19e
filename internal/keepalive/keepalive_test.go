package keepalive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlis/astmlink/internal/astm/record"
)

func testDriver(t *testing.T) record.Driver {
	t.Helper()
	d, err := record.LookupDriver(record.DriverVision)
	require.NoError(t, err)
	return d
}

func TestDisabledEngine(t *testing.T) {
	e := New(0, testDriver(t))
	defer e.Stop()

	assert.False(t, e.Enabled())
	assert.Nil(t, e.C())

	stats := e.Stats()
	assert.False(t, stats.Enabled)
	assert.Zero(t, stats.Interval)
}

func TestTicks(t *testing.T) {
	e := New(10*time.Millisecond, testDriver(t))
	defer e.Stop()

	require.NotNil(t, e.C())
	select {
	case <-e.C():
	case <-time.After(time.Second):
		t.Fatal("no keep-alive tick")
	}
}

func TestNewMessage(t *testing.T) {
	e := New(time.Minute, testDriver(t))
	defer e.Stop()

	now := time.Date(2022, 9, 2, 17, 40, 4, 0, time.UTC)
	msg := e.NewMessage(now)
	require.NotNil(t, msg.Header)
	require.NotNil(t, msg.Terminator)
	assert.Equal(t, record.MessageTypeKeepAlive, msg.Classify())
	assert.Equal(t, "20220902174004", msg.Header.Timestamp)
}

func TestStatsAccounting(t *testing.T) {
	e := New(time.Minute, testDriver(t))
	defer e.Stop()

	e.MarkInProgress(true)
	assert.True(t, e.InProgress())

	sentAt := time.Now()
	e.MarkSent(sentAt)
	assert.False(t, e.InProgress())

	recvAt := sentAt.Add(time.Second)
	e.MarkReceived(recvAt)

	stats := e.Stats()
	assert.True(t, stats.Enabled)
	assert.Equal(t, time.Minute, stats.Interval)
	assert.Equal(t, sentAt, stats.LastSent)
	assert.Equal(t, recvAt, stats.LastReceived)
	assert.False(t, stats.InProgress)
}
