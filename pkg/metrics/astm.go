// Package metrics defines the observability interfaces consumed by the link
// layer, the controllers and the dispatcher. Implementations live in
// subpackages; pass nil anywhere a metrics value is accepted to disable
// collection with zero overhead.
package metrics

import "time"

// LinkMetrics provides observability for the ASTM link layer and the
// per-connection controllers.
type LinkMetrics interface {
	// RecordConnectionOpened / RecordConnectionClosed track analyzer
	// connections per instrument.
	RecordConnectionOpened(instrument string)
	RecordConnectionClosed(instrument string)

	// RecordTransmission records a completed transmission. direction is
	// "in" or "out"; messageType is the classified type for inbound and
	// "ORDER"/"KEEP_ALIVE" for outbound.
	RecordTransmission(instrument, direction, messageType string, bytes int, duration time.Duration)

	// RecordNAK counts negative acknowledgements, sent or received.
	RecordNAK(instrument, direction string)

	// RecordRetransmission counts frames sent more than once.
	RecordRetransmission(instrument string)

	// RecordCollision counts outbound attempts abandoned to an inbound ENQ.
	RecordCollision(instrument string)

	// RecordLinkError counts transitions into the ERROR state.
	RecordLinkError(instrument string)

	// RecordKeepAlive counts keep-alives. direction is "sent" or "received".
	RecordKeepAlive(instrument, direction string)

	// RecordPublish counts broker publishes of inbound messages. outcome
	// is "ok", "retry" or "error".
	RecordPublish(instrument, outcome string)
}

// DispatchMetrics provides observability for the outbound order dispatcher
// and the publish pipeline.
type DispatchMetrics interface {
	// RecordOrderDispatched counts orders handed to a controller.
	RecordOrderDispatched(instrument string)

	// RecordOrderRescheduled counts transient failures. reason is
	// "disconnected" or "busy" or "error".
	RecordOrderRescheduled(instrument, reason string)

	// RecordOrderFailed counts orders that exhausted their retry budget.
	RecordOrderFailed(instrument string)

	// RecordPublish counts broker publishes. outcome is "ok", "retry"
	// or "error".
	RecordPublish(instrument, outcome string)
}
