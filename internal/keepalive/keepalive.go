// Package keepalive schedules and accounts for the periodic H+L liveness
// messages exchanged with an idle analyzer.
//
// The engine never touches the link itself: ticks are delivered through C()
// to the connection controller's event loop, which sends the message via the
// normal outbound path so a keep-alive naturally loses arbitration to a
// concurrent inbound transmission.
package keepalive

import (
	"sync"
	"time"

	"github.com/openlis/astmlink/internal/astm/record"
)

// Stats is the read-only keep-alive snapshot exposed for observability.
type Stats struct {
	Enabled      bool          `json:"enabled"`
	Interval     time.Duration `json:"interval"`
	LastSent     time.Time     `json:"last_sent,omitzero"`
	LastReceived time.Time     `json:"last_received,omitzero"`
	InProgress   bool          `json:"in_progress"`
}

// Engine owns one connection's keep-alive schedule.
type Engine struct {
	interval time.Duration
	driver   record.Driver
	ticker   *time.Ticker

	mu           sync.Mutex
	lastSent     time.Time
	lastReceived time.Time
	inProgress   bool
}

// New creates an engine. interval <= 0 disables keep-alives entirely: C()
// returns a nil channel that never fires.
func New(interval time.Duration, driver record.Driver) *Engine {
	e := &Engine{interval: interval, driver: driver}
	if interval > 0 {
		e.ticker = time.NewTicker(interval)
	}
	return e
}

// Enabled reports whether the engine has a schedule.
func (e *Engine) Enabled() bool {
	return e.ticker != nil
}

// C returns the tick channel, or nil when disabled. A nil channel blocks
// forever in a select, which is exactly the disabled behavior.
func (e *Engine) C() <-chan time.Time {
	if e.ticker == nil {
		return nil
	}
	return e.ticker.C
}

// Stop halts the schedule. Safe to call on a disabled engine.
func (e *Engine) Stop() {
	if e.ticker != nil {
		e.ticker.Stop()
	}
}

// NewMessage builds the driver's keep-alive message for the current tick.
func (e *Engine) NewMessage(now time.Time) *record.Message {
	return e.driver.NewKeepAlive(now)
}

// MarkInProgress flags that a keep-alive send has been queued and not yet
// resolved, so the next tick can skip instead of piling up.
func (e *Engine) MarkInProgress(v bool) {
	e.mu.Lock()
	e.inProgress = v
	e.mu.Unlock()
}

// InProgress reports whether a keep-alive send is unresolved.
func (e *Engine) InProgress() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inProgress
}

// MarkSent records a completed keep-alive transmission.
func (e *Engine) MarkSent(at time.Time) {
	e.mu.Lock()
	e.lastSent = at
	e.inProgress = false
	e.mu.Unlock()
}

// MarkReceived records an inbound transmission that classified as a
// keep-alive.
func (e *Engine) MarkReceived(at time.Time) {
	e.mu.Lock()
	e.lastReceived = at
	e.mu.Unlock()
}

// Stats returns a consistent snapshot. Safe from any goroutine.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Enabled:      e.ticker != nil,
		Interval:     e.interval,
		LastSent:     e.lastSent,
		LastReceived: e.lastReceived,
		InProgress:   e.inProgress,
	}
}
