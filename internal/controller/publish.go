package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/openlis/astmlink/internal/astm/record"
	"github.com/openlis/astmlink/internal/broker"
)

// publishHeaders builds the metadata headers attached to every inbound
// publish, per the LIS-side contract.
func publishHeaders(msg *record.Message) broker.Headers {
	return broker.Headers{
		"instrumentName": msg.InstrumentName,
		"messageType":    string(msg.Type),
		"resultCount":    strconv.Itoa(len(msg.Results)),
		"orderCount":     strconv.Itoa(len(msg.Orders)),
		"timestamp":      record.FormatTimestamp(time.Now()),
	}
}

// PublishMessage serializes msg to its broker JSON shape and publishes it on
// queue. Transient broker failures come back wrapping broker.ErrTransient;
// everything else is permanent.
//
// Shared by the controller's inbound pipeline and the dispatcher's
// publish-retry scan.
func PublishMessage(ctx context.Context, b broker.Broker, queue string, msg *record.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", queue, err)
	}
	return b.Publish(ctx, queue, body, publishHeaders(msg))
}
