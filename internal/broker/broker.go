// Package broker defines the message broker boundary of the service.
//
// The core uses exactly two capabilities: publish an inbound message toward
// the LIS and subscribe to the outbound order stream. Any durable broker can
// sit behind this interface; the kafka subpackage is the production binding
// and the stub subpackage the disabled-messaging one.
package broker

import (
	"context"
	"errors"
)

// Headers carries message metadata alongside the JSON body.
type Headers map[string]string

// Handler consumes one subscribed message. Returning nil acknowledges the
// message; returning an error leaves it unacknowledged for redelivery.
type Handler func(ctx context.Context, body []byte) error

// Broker is the injected messaging boundary.
type Broker interface {
	// Publish delivers body to the named queue. A nil return means the
	// broker acknowledged the message.
	Publish(ctx context.Context, queue string, body []byte, headers Headers) error

	// Subscribe starts delivering the named queue's messages to h until
	// ctx is cancelled. It returns once the subscription is established;
	// delivery happens on a broker-owned goroutine.
	Subscribe(ctx context.Context, queue string, h Handler) error

	// Close tears down all clients and subscriptions.
	Close() error
}

// ErrTransient marks broker failures worth retrying: the broker is
// unreachable or momentarily refusing work. Implementations wrap transient
// failures so callers can branch with errors.Is; anything else is permanent.
var ErrTransient = errors.New("transient broker failure")

// IsTransient reports whether a publish failure should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
