// Package server hosts one TCP acceptor per configured instrument and the
// registry that routes outbound orders to live connection controllers.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/openlis/astmlink/internal/astm/link"
	"github.com/openlis/astmlink/internal/astm/record"
	"github.com/openlis/astmlink/internal/broker"
	"github.com/openlis/astmlink/internal/controller"
	"github.com/openlis/astmlink/internal/logger"
	"github.com/openlis/astmlink/internal/store"
	"github.com/openlis/astmlink/pkg/metrics"
)

// DefaultMaxConnections caps concurrent connections per instrument.
const DefaultMaxConnections = 5

// acceptPollInterval is the accept deadline: the longest stretch the accept
// loop spends blocked before re-checking the shutdown flag.
const acceptPollInterval = time.Second

// InstrumentConfig is the per-instrument section of the configuration file.
type InstrumentConfig struct {
	// Name is the logical identifier; it keys the registry and the broker
	// queue names.
	Name string `mapstructure:"name" validate:"required" yaml:"name"`

	// Port is the dedicated TCP listen port for this instrument.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	// Driver selects the record codec variant; empty means generic.
	Driver string `mapstructure:"driver" yaml:"driver"`

	// MaxConnections caps concurrent analyzer connections; excess
	// connections are closed immediately. 0 selects the default of 5.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0" yaml:"max_connections"`

	// ConnectionTimeoutSeconds is the TCP keep-alive period set on every
	// accepted socket. A socket that stays silent this long is not closed
	// (analyzers connect eagerly and go quiet). 0 selects the default of 30.
	ConnectionTimeoutSeconds int `mapstructure:"connection_timeout_seconds" validate:"min=0" yaml:"connection_timeout_seconds"`

	// KeepAliveIntervalMinutes schedules the periodic H+L liveness
	// message. 0 disables; the maximum is 1440 (one day).
	KeepAliveIntervalMinutes int `mapstructure:"keep_alive_interval_minutes" validate:"min=0,max=1440" yaml:"keep_alive_interval_minutes"`

	// OrderQueueName overrides the broker queue this instrument's orders
	// are consumed from. Empty derives <prefix><lowercase name>.
	OrderQueueName string `mapstructure:"order_queue_name" yaml:"order_queue_name"`

	// ResultQueueName overrides the broker queue inbound messages are
	// published to. Empty falls back to the global result queue.
	ResultQueueName string `mapstructure:"result_queue_name" yaml:"result_queue_name"`
}

// ApplyDefaults fills zero values.
func (c *InstrumentConfig) ApplyDefaults() {
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.ConnectionTimeoutSeconds == 0 {
		c.ConnectionTimeoutSeconds = 30
	}
}

// Deps bundles the collaborators shared by all acceptors.
type Deps struct {
	Store    store.ServerMessageStore
	Broker   broker.Broker
	Registry *Registry
	Metrics  metrics.LinkMetrics

	// Link carries the link layer tunables applied to every connection.
	Link link.Config
}

// Acceptor owns one instrument's TCP listener.
//
// Shutdown flow mirrors the rest of the service: Stop (or context
// cancellation) closes the shutdown channel, the accept loop drains, then
// every controller spawned by this acceptor is stopped and awaited.
type Acceptor struct {
	cfg         InstrumentConfig
	deps        Deps
	driver      record.Driver
	resultQueue string

	listener      net.Listener
	listenerMu    sync.RWMutex
	listenerReady chan struct{}
	readyOnce     sync.Once

	shutdown     chan struct{}
	shutdownOnce sync.Once
	activeConns  sync.WaitGroup
}

// NewAcceptor validates the instrument configuration and resolves its
// record driver.
func NewAcceptor(cfg InstrumentConfig, resultQueue string, deps Deps) (*Acceptor, error) {
	cfg.ApplyDefaults()
	driver, err := record.LookupDriver(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("instrument %s: %w", cfg.Name, err)
	}
	return &Acceptor{
		cfg:           cfg,
		deps:          deps,
		driver:        driver,
		resultQueue:   resultQueue,
		listenerReady: make(chan struct{}),
		shutdown:      make(chan struct{}),
	}, nil
}

// Serve listens on the instrument port and accepts connections until ctx is
// cancelled or Stop is called.
func (a *Acceptor) Serve(ctx context.Context) error {
	// WaitReady must unblock even when the bind fails, so callers waiting
	// on startup can observe the error instead of hanging.
	defer a.readyOnce.Do(func() { close(a.listenerReady) })

	lc := net.ListenConfig{Control: reuseAddrControl}
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", a.cfg.Port))
	if err != nil {
		return fmt.Errorf("instrument %s: listen on port %d: %w", a.cfg.Name, a.cfg.Port, err)
	}

	a.listenerMu.Lock()
	a.listener = listener
	a.listenerMu.Unlock()
	a.readyOnce.Do(func() { close(a.listenerReady) })

	logger.Info("instrument listener started",
		logger.KeyInstrument, a.cfg.Name,
		logger.KeyPort, a.cfg.Port,
		"driver", a.driver.Name(),
		"max_connections", a.cfg.MaxConnections)

	go func() {
		select {
		case <-ctx.Done():
			a.initiateShutdown()
		case <-a.shutdown:
		}
	}()

	tcpListener := listener.(*net.TCPListener)
	for {
		select {
		case <-a.shutdown:
			return a.drain()
		default:
		}

		// A short accept deadline keeps the loop responsive to shutdown
		// without a second goroutine poking the listener.
		if err := tcpListener.SetDeadline(time.Now().Add(acceptPollInterval)); err != nil {
			return a.drain()
		}

		conn, err := tcpListener.Accept()
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			select {
			case <-a.shutdown:
				return a.drain()
			default:
				logger.Warn("accept failed",
					logger.KeyInstrument, a.cfg.Name,
					logger.KeyError, err.Error())
				continue
			}
		}

		a.handleAccept(conn)
	}
}

// handleAccept enforces the connection cap and spawns a controller.
func (a *Acceptor) handleAccept(conn net.Conn) {
	if live := a.deps.Registry.Count(a.cfg.Name); live >= a.cfg.MaxConnections {
		logger.Warn("connection cap reached, rejecting analyzer",
			logger.KeyInstrument, a.cfg.Name,
			logger.KeyRemoteAddr, conn.RemoteAddr().String(),
			"live", live)
		conn.Close()
		return
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		// OS-level keep-alive underneath the application-layer one, so a
		// powered-off analyzer is detected even with keep-alives disabled.
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(time.Duration(a.cfg.ConnectionTimeoutSeconds) * time.Second)
	}

	ctrl := controller.New(conn, controller.Config{
		InstrumentName:    a.cfg.Name,
		ResultQueue:       a.resultQueue,
		Link:              a.deps.Link,
		KeepAliveInterval: time.Duration(a.cfg.KeepAliveIntervalMinutes) * time.Minute,
	}, a.driver, a.deps.Store, a.deps.Broker, a.deps.Metrics)

	a.deps.Registry.Add(ctrl)
	a.activeConns.Add(1)
	ctrl.SetOnStop(func() {
		a.deps.Registry.Remove(ctrl)
		a.activeConns.Done()
	})

	go ctrl.Run()
}

// initiateShutdown closes the shutdown channel and the listener exactly once.
func (a *Acceptor) initiateShutdown() {
	a.shutdownOnce.Do(func() {
		close(a.shutdown)
		a.listenerMu.RLock()
		if a.listener != nil {
			a.listener.Close()
		}
		a.listenerMu.RUnlock()
	})
}

// drain stops every live controller and waits for them to finish.
func (a *Acceptor) drain() error {
	for _, ctrl := range a.deps.Registry.List(a.cfg.Name) {
		ctrl.Stop()
	}
	a.activeConns.Wait()
	logger.Info("instrument listener stopped", logger.KeyInstrument, a.cfg.Name)
	return nil
}

// Stop initiates shutdown from outside.
func (a *Acceptor) Stop() {
	a.initiateShutdown()
}

// WaitReady blocks until the listener is accepting (used by tests).
func (a *Acceptor) WaitReady() {
	<-a.listenerReady
}

// Addr returns the bound listener address, or nil before WaitReady.
func (a *Acceptor) Addr() net.Addr {
	a.listenerMu.RLock()
	defer a.listenerMu.RUnlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}
