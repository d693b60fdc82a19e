// Package service wires the whole interface service together: store,
// broker, per-instrument acceptors, outbound dispatcher and the admin
// endpoint, with one typed start/stop lifecycle.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openlis/astmlink/internal/api"
	"github.com/openlis/astmlink/internal/broker"
	"github.com/openlis/astmlink/internal/broker/kafka"
	"github.com/openlis/astmlink/internal/broker/stub"
	"github.com/openlis/astmlink/internal/dispatch"
	"github.com/openlis/astmlink/internal/logger"
	"github.com/openlis/astmlink/internal/server"
	"github.com/openlis/astmlink/internal/store"
	"github.com/openlis/astmlink/pkg/config"
	"github.com/openlis/astmlink/pkg/metrics"
	promimpl "github.com/openlis/astmlink/pkg/metrics/prometheus"
)

// Service is the composed interface service.
type Service struct {
	cfg        *config.Config
	store      *store.GORMStore
	broker     broker.Broker
	registry   *server.Registry
	acceptors  []*server.Acceptor
	dispatcher *dispatch.Dispatcher
	admin      *api.Server

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	errCh    chan error
	stopOnce sync.Once
}

// registryAdapter narrows the server registry to the dispatcher's view.
// The indirection also keeps a nil *controller.Controller from becoming a
// non-nil interface value.
type registryAdapter struct {
	r *server.Registry
}

func (a registryAdapter) Get(name string) dispatch.Controller {
	if c := a.r.Get(name); c != nil {
		return c
	}
	return nil
}

// New assembles a service from configuration. Nothing is listening yet;
// call Start.
func New(cfg *config.Config) (*Service, error) {
	if cfg.API.Enabled {
		metrics.InitRegistry()
	}
	linkMetrics := promimpl.NewLinkMetrics()
	dispatchMetrics := promimpl.NewDispatchMetrics()

	st, err := store.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var b broker.Broker
	if cfg.Messaging.Enabled {
		b, err = kafka.New(cfg.Messaging.Kafka)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("connect broker: %w", err)
		}
	} else {
		logger.Info("messaging disabled, broker stubbed")
		b = stub.New()
	}

	registry := server.NewRegistry()
	deps := server.Deps{
		Store:    st,
		Broker:   b,
		Registry: registry,
		Metrics:  linkMetrics,
		Link:     cfg.Link.ToLink(),
	}

	svc := &Service{
		cfg:      cfg,
		store:    st,
		broker:   b,
		registry: registry,
		errCh:    make(chan error, len(cfg.Instruments)),
	}

	var queues []dispatch.InstrumentQueues
	for _, inst := range cfg.Instruments {
		acceptor, err := server.NewAcceptor(inst, cfg.ResultQueueFor(inst), deps)
		if err != nil {
			st.Close()
			b.Close()
			return nil, err
		}
		svc.acceptors = append(svc.acceptors, acceptor)
		queues = append(queues, dispatch.InstrumentQueues{
			Name:        inst.Name,
			OrderQueue:  cfg.OrderQueueFor(inst),
			ResultQueue: cfg.ResultQueueFor(inst),
		})
	}

	svc.dispatcher = dispatch.New(cfg.Messaging.Retry, st, registryAdapter{registry}, b, queues, dispatchMetrics)

	if cfg.API.Enabled {
		svc.admin = api.New(cfg.API.Listen, svc)
	}
	return svc, nil
}

// Start opens every instrument listener, starts the dispatcher and the
// admin endpoint. The returned error reflects startup only; runtime
// acceptor failures surface through Err.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	for _, a := range s.acceptors {
		a := a
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := a.Serve(ctx); err != nil {
				s.errCh <- err
			}
		}()
	}
	for _, a := range s.acceptors {
		a.WaitReady()
		if a.Addr() == nil {
			// The bind failed; Serve is about to report why.
			err := <-s.errCh
			s.Stop()
			return err
		}
	}

	if err := s.dispatcher.Start(); err != nil {
		s.Stop()
		return err
	}

	if s.admin != nil {
		s.admin.Start()
	}

	logger.Info("astmlink started", "instruments", len(s.acceptors))
	return nil
}

// Err exposes runtime acceptor failures for the process supervisor.
func (s *Service) Err() <-chan error {
	return s.errCh
}

// Stop tears everything down in dependency order: no new orders, then no
// analyzer traffic, then the admin endpoint, broker and store.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		logger.Info("astmlink stopping")

		s.dispatcher.Stop()

		if s.cancel != nil {
			s.cancel()
		}
		for _, a := range s.acceptors {
			a.Stop()
		}
		s.wg.Wait()

		if s.admin != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			s.admin.Stop(ctx)
			cancel()
		}

		if err := s.broker.Close(); err != nil {
			logger.Warn("broker close", logger.KeyError, err.Error())
		}
		if err := s.store.Close(); err != nil {
			logger.Warn("store close", logger.KeyError, err.Error())
		}
		logger.Info("astmlink stopped")
	})
}

// Status implements api.StatusProvider: a read-only snapshot of every
// instrument and its live connections.
func (s *Service) Status() []api.InstrumentStatus {
	out := make([]api.InstrumentStatus, 0, len(s.cfg.Instruments))
	for _, inst := range s.cfg.Instruments {
		status := api.InstrumentStatus{
			Name:        inst.Name,
			Port:        inst.Port,
			Connections: []api.ConnectionStatus{},
		}
		for _, ctrl := range s.registry.List(inst.Name) {
			status.Connections = append(status.Connections, api.ConnectionStatus{
				RemoteAddress: ctrl.RemoteAddr(),
				LinkState:     ctrl.LinkState().String(),
				Busy:          ctrl.IsBusy(),
				ConnectedAt:   ctrl.ConnectedAt(),
				KeepAlive:     ctrl.KeepAliveStats(),
			})
		}
		out = append(out, status)
	}
	return out
}

// WaitForSignalOrError blocks until ctx is done or an acceptor fails, then
// stops the service. The CLI start command calls this.
func (s *Service) WaitForSignalOrError(ctx context.Context) error {
	var cause error
	select {
	case <-ctx.Done():
	case cause = <-s.errCh:
		logger.Error("listener failed", logger.KeyError, cause.Error())
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		logger.Warn("shutdown timeout exceeded, exiting anyway")
	}
	return cause
}
