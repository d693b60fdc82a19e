// Package link implements the ASTM E1381 link layer: the half-duplex
// ENQ/ACK/NAK/EOT handshake, framed transfer with retransmission, and
// collision arbitration on a single TCP socket.
//
// Concurrency model: a Machine is owned by exactly one goroutine, the
// connection controller's event loop. Every method that touches the socket
// (Poll, Send) must be called from that goroutine. The only concession to
// other goroutines is State(), which reads an atomic and may be called from
// anywhere (the dispatcher uses it for busy detection and the status
// snapshot reports it).
// There is no internal locking; single ownership is the synchronization.
package link

import (
	"errors"
	"time"
)

// LinkState is the state of the half-duplex link.
type LinkState int32

const (
	// StateIdle means neither side is transmitting. Both Poll and Send
	// are legal.
	StateIdle LinkState = iota

	// StateWaitingForAck means we sent ENQ and are waiting for the
	// analyzer's answer.
	StateWaitingForAck

	// StateReceiving means the analyzer won the line and is sending
	// frames.
	StateReceiving

	// StateTransmitting means we won the line and are sending frames.
	StateTransmitting

	// StateError is terminal: the retry budget was exhausted or the
	// socket failed. The controller closes the connection.
	StateError
)

func (s LinkState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateWaitingForAck:
		return "WAITING_FOR_ACK"
	case StateReceiving:
		return "RECEIVING"
	case StateTransmitting:
		return "TRANSMITTING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Link layer failures. Send and Poll wrap these so callers can branch on
// the failure class without string matching.
var (
	// ErrNotIdle is returned by Send when the link is not in IDLE.
	ErrNotIdle = errors.New("link not idle")

	// ErrCollision is returned by Send when the analyzer answered our ENQ
	// with its own ENQ. The receiver has priority: the inbound was
	// serviced and the outbound must be re-queued by the caller.
	ErrCollision = errors.New("line contention, yielded to analyzer")

	// ErrLinkTimeout is an ACK or inactivity timeout.
	ErrLinkTimeout = errors.New("link timeout")

	// ErrRetriesExhausted means 6 consecutive NAKs or retransmissions.
	ErrRetriesExhausted = errors.New("link retry budget exhausted")

	// ErrPeerAborted means the analyzer sent EOT before completing its
	// transmission. The partial buffer is discarded.
	ErrPeerAborted = errors.New("analyzer aborted transmission")

	// ErrClosed means the socket reached EOF or a fatal error.
	ErrClosed = errors.New("link closed")
)

// Timeout and retry defaults per ASTM E1381.
const (
	// DefaultEnqAckTimeout bounds the wait for the answer to our ENQ.
	DefaultEnqAckTimeout = 15 * time.Second

	// DefaultFrameAckTimeout bounds the wait for the ACK of each frame.
	DefaultFrameAckTimeout = 15 * time.Second

	// DefaultIntraTimeout bounds the gap between bytes of an inbound
	// transmission in progress.
	DefaultIntraTimeout = 30 * time.Second

	// DefaultEnqRetryDelay is the back-off after a NAK'd ENQ.
	DefaultEnqRetryDelay = 10 * time.Second

	// MaxRetries is the consecutive NAK / retransmission budget, after
	// which the link enters ERROR (inbound) or the send fails (outbound).
	MaxRetries = 6
)

// Config carries the link layer tunables. Zero values select the defaults
// above.
type Config struct {
	EnqAckTimeout   time.Duration
	FrameAckTimeout time.Duration
	IntraTimeout    time.Duration
	EnqRetryDelay   time.Duration

	// SplitLimit is the soft frame payload limit; see frame.Split.
	SplitLimit int
}

func (c *Config) applyDefaults() {
	if c.EnqAckTimeout == 0 {
		c.EnqAckTimeout = DefaultEnqAckTimeout
	}
	if c.FrameAckTimeout == 0 {
		c.FrameAckTimeout = DefaultFrameAckTimeout
	}
	if c.IntraTimeout == 0 {
		c.IntraTimeout = DefaultIntraTimeout
	}
	if c.EnqRetryDelay == 0 {
		c.EnqRetryDelay = DefaultEnqRetryDelay
	}
}
