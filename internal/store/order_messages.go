package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ============================================
// ORDER MESSAGE OPERATIONS
// ============================================

func (s *GORMStore) CreateOrderMessage(ctx context.Context, order *OrderMessage) (string, error) {
	if order.MessageID == "" {
		order.MessageID = uuid.New().String()
	}
	if order.Status == "" {
		order.Status = OrderPending
	}
	if order.MaxRetryAttempts == 0 {
		order.MaxRetryAttempts = 5
	}
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return "", err
	}
	return order.MessageID, nil
}

func (s *GORMStore) GetOrderMessage(ctx context.Context, messageID string) (*OrderMessage, error) {
	var order OrderMessage
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID).First(&order).Error
	if err != nil {
		return nil, convertNotFoundError(err, ErrOrderMessageNotFound)
	}
	return &order, nil
}

// ClaimOrderMessage performs the atomic PENDING -> PROCESSING transition.
// The WHERE clause on the current status makes the claim race-free: of two
// concurrent processors, exactly one sees RowsAffected == 1.
func (s *GORMStore) ClaimOrderMessage(ctx context.Context, messageID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&OrderMessage{}).
		Where("message_id = ? AND status = ?", messageID, OrderPending).
		Update("status", OrderProcessing)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (s *GORMStore) RescheduleOrderMessage(ctx context.Context, messageID string, nextRetryAt time.Time, lastError string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&OrderMessage{}).
		Where("message_id = ?", messageID).
		Updates(map[string]any{
			"status":        OrderPending,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_retry_at": &now,
			"next_retry_at": &nextRetryAt,
			"error_message": lastError,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOrderMessageNotFound
	}
	return nil
}

func (s *GORMStore) MarkOrderMessageSuccess(ctx context.Context, messageID string) error {
	return s.finalizeOrder(ctx, messageID, OrderSuccess, "")
}

func (s *GORMStore) MarkOrderMessageFailed(ctx context.Context, messageID string, lastError string) error {
	return s.finalizeOrder(ctx, messageID, OrderFailed, lastError)
}

func (s *GORMStore) finalizeOrder(ctx context.Context, messageID string, status OrderMessageStatus, lastError string) error {
	result := s.db.WithContext(ctx).
		Model(&OrderMessage{}).
		Where("message_id = ?", messageID).
		Updates(map[string]any{
			"status":        status,
			"error_message": lastError,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOrderMessageNotFound
	}
	return nil
}

func (s *GORMStore) ListDueOrderMessages(ctx context.Context, now time.Time, limit int) ([]*OrderMessage, error) {
	var orders []*OrderMessage
	err := s.db.WithContext(ctx).
		Where("status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", OrderPending, now).
		Order("created_at asc").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}
