package link

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/openlis/astmlink/internal/astm/frame"
	"github.com/openlis/astmlink/internal/logger"
	"github.com/openlis/astmlink/pkg/metrics"
)

// maxFrameWire bounds the accumulated bytes of one wire frame. The payload
// soft limit is 240 bytes; a frame that reaches this size without its LF is
// a protocol violation: the reception fails with ErrClosed and the link
// enters ERROR instead of growing the buffer.
const maxFrameWire = 8192

// Machine drives the E1381 handshake on one socket.
//
// All methods except State and Busy must be called from the owning
// controller goroutine; see the package comment.
type Machine struct {
	conn       net.Conn
	r          *bufio.Reader
	cfg        Config
	instrument string
	metrics    metrics.LinkMetrics

	state atomic.Int32
}

// New wraps an accepted socket in a link machine in IDLE state.
// m may be nil to disable metrics.
func New(conn net.Conn, cfg Config, instrument string, m metrics.LinkMetrics) *Machine {
	cfg.applyDefaults()
	return &Machine{
		conn:       conn,
		r:          bufio.NewReader(conn),
		cfg:        cfg,
		instrument: instrument,
		metrics:    m,
	}
}

// State returns the current link state. Safe from any goroutine.
func (m *Machine) State() LinkState {
	return LinkState(m.state.Load())
}

// Busy reports whether the link is in any state other than IDLE.
// Safe from any goroutine.
func (m *Machine) Busy() bool {
	return m.State() != StateIdle
}

func (m *Machine) setState(s LinkState) {
	old := LinkState(m.state.Swap(int32(s)))
	if old != s {
		logger.Debug("link state change",
			logger.KeyInstrument, m.instrument,
			logger.KeyLinkState, s.String())
	}
	if s == StateError && m.metrics != nil {
		m.metrics.RecordLinkError(m.instrument)
	}
}

// Poll waits up to wait for inbound activity while the link is idle.
//
// An ENQ starts a reception and Poll blocks until the transmission
// completes, returning the accumulated payload. A quiet line or a stray
// non-ENQ byte returns (nil, nil). A closed socket returns ErrClosed.
func (m *Machine) Poll(wait time.Duration) ([]byte, error) {
	b, err := m.readByte(wait)
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		// An EOF on an idle line is a normal disconnect, not a protocol
		// failure; skip the error-state accounting.
		if errors.Is(err, io.EOF) {
			m.state.Store(int32(StateError))
			return nil, fmt.Errorf("%w: analyzer disconnected", ErrClosed)
		}
		m.setState(StateError)
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}

	if b != frame.ENQ {
		// Anything but ENQ in IDLE is noise and is discarded silently.
		return nil, nil
	}
	return m.receive()
}

// Send transmits one payload: ENQ handshake, framed transfer, EOT.
//
// Only legal from IDLE. On success the returned inbound slice is nil. When
// the analyzer answers our ENQ with its own ENQ, the receiver has priority:
// Send services the inbound transmission and returns its payload together
// with ErrCollision; the caller must re-queue the outbound and process the
// inbound as if Poll had returned it.
func (m *Machine) Send(payload []byte) ([]byte, error) {
	if m.State() != StateIdle {
		return nil, fmt.Errorf("%w: %s", ErrNotIdle, m.State())
	}

	m.setState(StateWaitingForAck)
	if err := m.handshake(); err != nil {
		if errors.Is(err, ErrCollision) {
			if m.metrics != nil {
				m.metrics.RecordCollision(m.instrument)
			}
			inbound, rerr := m.receive()
			if rerr != nil {
				return nil, errors.Join(err, rerr)
			}
			return inbound, err
		}
		return nil, err
	}

	if err := m.transmit(payload); err != nil {
		return nil, err
	}

	if err := m.writeByte(frame.EOT); err != nil {
		return nil, err
	}
	m.setState(StateIdle)
	return nil, nil
}

// handshake sends ENQ and classifies the answer, retrying NAK'd attempts
// with back-off. On success the state is TRANSMITTING.
func (m *Machine) handshake() error {
	for attempt := 1; ; attempt++ {
		if err := m.writeByte(frame.ENQ); err != nil {
			return err
		}

		b, err := m.readByte(m.cfg.EnqAckTimeout)
		if err != nil {
			if isTimeout(err) {
				m.setState(StateIdle)
				return fmt.Errorf("%w: no answer to ENQ", ErrLinkTimeout)
			}
			m.setState(StateError)
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}

		switch b {
		case frame.ACK:
			m.setState(StateTransmitting)
			return nil
		case frame.ENQ:
			return ErrCollision
		default:
			// NAK, or noise treated like one: the analyzer is not ready.
			if m.metrics != nil {
				m.metrics.RecordNAK(m.instrument, "received")
			}
			if attempt >= MaxRetries {
				m.setState(StateIdle)
				return fmt.Errorf("%w: ENQ refused %d times", ErrRetriesExhausted, attempt)
			}
			time.Sleep(m.cfg.EnqRetryDelay)
		}
	}
}

// transmit sends the framed payload, one ACK per frame. Sequence numbers
// start at 1 for every transmission attempt and wrap 7 -> 0.
func (m *Machine) transmit(payload []byte) error {
	chunks := frame.Split(payload, m.cfg.SplitLimit)
	seq := 1

	for i, chunk := range chunks {
		last := i == len(chunks)-1
		wire := frame.Build(seq, chunk, last)

		retries := 0
		timeouts := 0
		for {
			if err := m.write(wire); err != nil {
				return err
			}

			b, err := m.readByte(m.cfg.FrameAckTimeout)
			if err != nil {
				if !isTimeout(err) {
					m.setState(StateError)
					return fmt.Errorf("%w: %v", ErrClosed, err)
				}
				// First timeout counts as a NAK; the second fails the send.
				timeouts++
				if timeouts >= 2 {
					m.setState(StateError)
					return fmt.Errorf("%w: no ACK for frame %d", ErrLinkTimeout, seq)
				}
			} else if b == frame.ACK {
				break
			}

			if m.metrics != nil {
				m.metrics.RecordNAK(m.instrument, "received")
				m.metrics.RecordRetransmission(m.instrument)
			}
			retries++
			if retries >= MaxRetries {
				m.setState(StateError)
				return fmt.Errorf("%w: frame %d refused %d times", ErrRetriesExhausted, seq, retries)
			}
		}

		seq = frame.NextSeq(seq)
	}
	return nil
}

// receive services one inbound transmission. The caller has consumed the
// analyzer's ENQ (Poll) or observed contention (Send); receive ACKs it and
// accumulates frames until the final frame and EOT.
func (m *Machine) receive() ([]byte, error) {
	m.setState(StateReceiving)
	if err := m.writeByte(frame.ACK); err != nil {
		return nil, err
	}

	var buffer bytes.Buffer
	expected := 1
	naks := 0
	sawFinal := false

	for {
		b, err := m.readByte(m.cfg.IntraTimeout)
		if err != nil {
			m.setState(StateError)
			if isTimeout(err) {
				return nil, fmt.Errorf("%w: analyzer went quiet mid-transmission", ErrLinkTimeout)
			}
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}

		switch b {
		case frame.EOT:
			if sawFinal {
				m.setState(StateIdle)
				return buffer.Bytes(), nil
			}
			// EOT before the final frame: the analyzer gave up.
			m.setState(StateIdle)
			return nil, ErrPeerAborted

		case frame.STX:
			raw, err := m.readFrameTail()
			if err != nil {
				m.setState(StateError)
				return nil, err
			}

			if sawFinal {
				// Only EOT is legal after the ETX frame.
				naks++
				if err := m.nak(); err != nil {
					return nil, err
				}
				if naks >= MaxRetries {
					m.setState(StateError)
					return nil, fmt.Errorf("%w: garbage after final frame", ErrRetriesExhausted)
				}
				continue
			}

			f, perr := frame.Parse(raw)
			if perr != nil || f.Seq != expected {
				if perr != nil {
					logger.Debug("NAK on bad frame",
						logger.KeyInstrument, m.instrument,
						logger.KeyError, perr.Error())
				} else {
					logger.Debug("NAK on unexpected sequence",
						logger.KeyInstrument, m.instrument,
						logger.KeyFrameSeq, f.Seq)
				}
				naks++
				if err := m.nak(); err != nil {
					return nil, err
				}
				if naks >= MaxRetries {
					m.setState(StateError)
					return nil, fmt.Errorf("%w: %d consecutive NAKs", ErrRetriesExhausted, naks)
				}
				continue
			}

			naks = 0
			buffer.Write(f.Data)
			if err := m.writeByte(frame.ACK); err != nil {
				return nil, err
			}
			expected = frame.NextSeq(expected)
			if f.Last {
				sawFinal = true
			}

		case frame.ENQ:
			// Duplicate ENQ: our ACK got lost. Re-ACK only while nothing
			// has been received yet; mid-transmission it is noise.
			if buffer.Len() == 0 && !sawFinal {
				if err := m.writeByte(frame.ACK); err != nil {
					return nil, err
				}
			}

		default:
			if sawFinal {
				naks++
				if err := m.nak(); err != nil {
					return nil, err
				}
				if naks >= MaxRetries {
					m.setState(StateError)
					return nil, fmt.Errorf("%w: garbage after final frame", ErrRetriesExhausted)
				}
			}
			// Stray bytes between frames are discarded.
		}
	}
}

// readFrameTail accumulates one frame from the byte after STX through LF.
func (m *Machine) readFrameTail() ([]byte, error) {
	raw := make([]byte, 1, 256)
	raw[0] = frame.STX
	for {
		b, err := m.readByte(m.cfg.IntraTimeout)
		if err != nil {
			if isTimeout(err) {
				return nil, fmt.Errorf("%w: frame truncated", ErrLinkTimeout)
			}
			return nil, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		raw = append(raw, b)
		if b == frame.LF {
			return raw, nil
		}
		if len(raw) > maxFrameWire {
			return nil, fmt.Errorf("%w: frame exceeds %d bytes without LF", ErrClosed, maxFrameWire)
		}
	}
}

func (m *Machine) nak() error {
	if m.metrics != nil {
		m.metrics.RecordNAK(m.instrument, "sent")
	}
	return m.writeByte(frame.NAK)
}

func (m *Machine) readByte(timeout time.Duration) (byte, error) {
	if m.r.Buffered() == 0 {
		if err := m.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, err
		}
	}
	return m.r.ReadByte()
}

func (m *Machine) writeByte(b byte) error {
	return m.write([]byte{b})
}

func (m *Machine) write(p []byte) error {
	// A hung peer must not wedge the event loop on a blocked write.
	if err := m.conn.SetWriteDeadline(time.Now().Add(m.cfg.FrameAckTimeout)); err != nil {
		m.setState(StateError)
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if _, err := m.conn.Write(p); err != nil {
		m.setState(StateError)
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
