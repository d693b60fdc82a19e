// Package kafka binds the broker interface to Apache Kafka via franz-go.
//
// Queue names map to topics. Publishing uses one shared producer client;
// each subscription gets its own consumer-group client so that slow order
// processing on one instrument never stalls another's delivery.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/openlis/astmlink/internal/broker"
	"github.com/openlis/astmlink/internal/logger"
)

// Config carries the Kafka connection settings.
type Config struct {
	// Brokers is the seed broker list (host:port).
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`

	// GroupPrefix prefixes the consumer group id of each subscription.
	// Default: "astmlink".
	GroupPrefix string `mapstructure:"group_prefix" yaml:"group_prefix,omitempty"`
}

// Broker implements broker.Broker on Kafka.
type Broker struct {
	cfg      Config
	producer *kgo.Client

	mu        sync.Mutex
	consumers []*kgo.Client
	wg        sync.WaitGroup
	closed    bool
}

// New connects the shared producer client. Subscriptions are created lazily
// by Subscribe.
func New(cfg Config) (*Broker, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no seed brokers configured")
	}
	if cfg.GroupPrefix == "" {
		cfg.GroupPrefix = "astmlink"
	}

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: create producer: %w", err)
	}

	return &Broker{cfg: cfg, producer: producer}, nil
}

// Publish produces one record synchronously and classifies the failure:
// unreachable brokers and retriable Kafka errors wrap broker.ErrTransient,
// anything else (authorization, invalid topic, oversized message) is
// permanent.
func (b *Broker) Publish(ctx context.Context, queue string, body []byte, headers broker.Headers) error {
	rec := &kgo.Record{
		Topic: queue,
		Value: body,
	}
	for k, v := range headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if err := b.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		if isTransient(err) {
			return fmt.Errorf("%w: produce to %s: %v", broker.ErrTransient, queue, err)
		}
		return fmt.Errorf("kafka: produce to %s: %w", queue, err)
	}
	return nil
}

// Subscribe starts a consumer-group client on the queue's topic and pumps
// records to h on a dedicated goroutine until ctx is cancelled. Offsets are
// committed only after h returns nil, so unprocessed orders survive a
// restart.
func (b *Broker) Subscribe(ctx context.Context, queue string, h broker.Handler) error {
	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(b.cfg.Brokers...),
		kgo.ConsumeTopics(queue),
		kgo.ConsumerGroup(b.cfg.GroupPrefix+"-"+queue),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return fmt.Errorf("kafka: create consumer for %s: %w", queue, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		consumer.Close()
		return fmt.Errorf("kafka: broker closed")
	}
	b.consumers = append(b.consumers, consumer)
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		b.consume(ctx, consumer, queue, h)
	}()
	return nil
}

func (b *Broker) consume(ctx context.Context, consumer *kgo.Client, queue string, h broker.Handler) {
	for {
		fetches := consumer.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			logger.Warn("kafka fetch error",
				logger.KeyQueue, topic,
				"partition", partition,
				logger.KeyError, err.Error())
		})

		fetches.EachRecord(func(rec *kgo.Record) {
			if err := h(ctx, rec.Value); err != nil {
				// Leave the offset uncommitted; the record comes back on
				// the next rebalance or restart.
				logger.Warn("order handler failed, leaving message unacknowledged",
					logger.KeyQueue, queue,
					logger.KeyError, err.Error())
				return
			}
			if err := consumer.CommitRecords(ctx, rec); err != nil {
				logger.Warn("kafka offset commit failed",
					logger.KeyQueue, queue,
					logger.KeyError, err.Error())
			}
		})
	}
}

// Close tears down the producer and every consumer, then waits for the
// delivery goroutines to drain.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	consumers := b.consumers
	b.consumers = nil
	b.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	b.producer.Close()
	b.wg.Wait()
	return nil
}

// isTransient classifies produce failures. Network-level errors and
// retriable Kafka error codes are worth retrying.
func isTransient(err error) bool {
	var kafkaErr *kerr.Error
	if errors.As(err, &kafkaErr) {
		return kafkaErr.Retriable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, kgo.ErrClientClosed)
}
