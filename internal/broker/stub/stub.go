// Package stub is the no-op broker used when messaging is disabled in
// configuration: publishes succeed immediately and subscriptions never
// deliver anything.
package stub

import (
	"context"

	"github.com/openlis/astmlink/internal/broker"
	"github.com/openlis/astmlink/internal/logger"
)

// Broker implements broker.Broker with no backing transport.
type Broker struct{}

// New returns a stub broker.
func New() *Broker {
	return &Broker{}
}

func (b *Broker) Publish(ctx context.Context, queue string, body []byte, headers broker.Headers) error {
	logger.Debug("stub broker publish dropped", logger.KeyQueue, queue, logger.KeyBytes, len(body))
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, queue string, h broker.Handler) error {
	logger.Debug("stub broker subscribe ignored", logger.KeyQueue, queue)
	return nil
}

func (b *Broker) Close() error {
	return nil
}
