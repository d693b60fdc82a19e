// Package store provides the persistence layer for inbound audit rows and
// outbound order work items.
//
// Two backends are supported through the same GORM codebase:
//   - SQLite (single-node, default)
//   - PostgreSQL (HA-capable)
//
// The atomic status-transition operations exposed here are the
// synchronization primitive between the dispatcher's immediate path and the
// periodic retry scanner; see ClaimOrderMessage.
package store

import (
	"errors"
	"time"
)

// ServerMessageStatus is the lifecycle of an inbound audit row.
type ServerMessageStatus string

const (
	// StatusReceived: transmission fully received at the link layer.
	StatusReceived ServerMessageStatus = "RECEIVED"
	// StatusProcessed: record parse succeeded (or keep-alive handled).
	StatusProcessed ServerMessageStatus = "PROCESSED"
	// StatusPublished: broker acknowledged the publish.
	StatusPublished ServerMessageStatus = "PUBLISHED"
	// StatusPublishRetry: broker transiently unavailable, background retry.
	StatusPublishRetry ServerMessageStatus = "PUBLISH_RETRY"
	// StatusError: unrecoverable failure; kept for operator inspection.
	StatusError ServerMessageStatus = "ERROR"
)

// OrderMessageStatus is the lifecycle of an outbound order work item.
type OrderMessageStatus string

const (
	// OrderPending: waiting for an attempt (nextRetryAt gates retries).
	OrderPending OrderMessageStatus = "PENDING"
	// OrderProcessing: claimed by a dispatcher attempt.
	OrderProcessing OrderMessageStatus = "PROCESSING"
	// OrderSuccess: handed to a controller's send queue.
	OrderSuccess OrderMessageStatus = "SUCCESS"
	// OrderFailed: retry budget exhausted.
	OrderFailed OrderMessageStatus = "FAILED"
)

// Store errors.
var (
	ErrServerMessageNotFound = errors.New("server message not found")
	ErrOrderMessageNotFound  = errors.New("order message not found")
)

// ServerMessage is the audit row for one complete inbound transmission.
//
// The row is created in RECEIVED state before parsing is attempted: the
// audit write, not the link-layer ACK, is the durability boundary.
type ServerMessage struct {
	ID              uint                `gorm:"primaryKey" json:"id"`
	MessageID       string              `gorm:"uniqueIndex;not null;size:36" json:"message_id"`
	InstrumentName  string              `gorm:"not null;size:255;index:idx_server_instrument_status,priority:1" json:"instrument_name"`
	RemoteAddress   string              `gorm:"size:64" json:"remote_address"`
	RawMessage      []byte              `gorm:"not null" json:"raw_message"`
	MessageType     string              `gorm:"size:32" json:"message_type"`
	Status          ServerMessageStatus `gorm:"not null;size:32;index:idx_server_instrument_status,priority:2" json:"status"`
	ReceivedAt      time.Time           `gorm:"autoCreateTime" json:"received_at"`
	PublishAttempts int                 `gorm:"default:0" json:"publish_attempts"`
	LastError       string              `json:"last_error,omitempty"`
}

// TableName returns the table name for ServerMessage.
func (ServerMessage) TableName() string {
	return "server_messages"
}

// OrderMessage is one outbound order awaiting delivery to an analyzer.
//
// The (status, next_retry_at) index drives the periodic retry scan; the
// (instrument_name, status) index drives dashboards.
type OrderMessage struct {
	ID               uint               `gorm:"primaryKey" json:"id"`
	MessageID        string             `gorm:"uniqueIndex;not null;size:36" json:"message_id"`
	InstrumentName   string             `gorm:"not null;size:255;index:idx_order_instrument_status,priority:1" json:"instrument_name"`
	MessageContent   []byte             `gorm:"not null" json:"message_content"`
	Status           OrderMessageStatus `gorm:"not null;size:32;index:idx_order_status_retry,priority:1;index:idx_order_instrument_status,priority:2" json:"status"`
	RetryCount       int                `gorm:"default:0" json:"retry_count"`
	MaxRetryAttempts int                `gorm:"default:5" json:"max_retry_attempts"`
	CreatedAt        time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
	LastRetryAt      *time.Time         `json:"last_retry_at,omitempty"`
	NextRetryAt      *time.Time         `gorm:"index:idx_order_status_retry,priority:2" json:"next_retry_at,omitempty"`
	ErrorMessage     string             `json:"error_message,omitempty"`
}

// TableName returns the table name for OrderMessage.
func (OrderMessage) TableName() string {
	return "order_messages"
}

// BudgetExhausted reports whether the order has used up its retry budget.
func (o *OrderMessage) BudgetExhausted() bool {
	return o.RetryCount >= o.MaxRetryAttempts
}

// AllModels returns every model for AutoMigrate.
func AllModels() []any {
	return []any{&ServerMessage{}, &OrderMessage{}}
}
