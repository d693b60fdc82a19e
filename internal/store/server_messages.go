package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ============================================
// SERVER MESSAGE OPERATIONS
// ============================================

func (s *GORMStore) CreateServerMessage(ctx context.Context, msg *ServerMessage) (string, error) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.Status == "" {
		msg.Status = StatusReceived
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return "", err
	}
	return msg.MessageID, nil
}

func (s *GORMStore) GetServerMessage(ctx context.Context, messageID string) (*ServerMessage, error) {
	var msg ServerMessage
	err := s.db.WithContext(ctx).Where("message_id = ?", messageID).First(&msg).Error
	if err != nil {
		return nil, convertNotFoundError(err, ErrServerMessageNotFound)
	}
	return &msg, nil
}

func (s *GORMStore) UpdateServerMessageStatus(ctx context.Context, messageID string, status ServerMessageStatus, lastError string) error {
	result := s.db.WithContext(ctx).
		Model(&ServerMessage{}).
		Where("message_id = ?", messageID).
		Updates(map[string]any{
			"status":     status,
			"last_error": lastError,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrServerMessageNotFound
	}
	return nil
}

// MarkServerMessagePublishRetry transitions to PUBLISH_RETRY and counts
// the failed attempt in one statement.
func (s *GORMStore) MarkServerMessagePublishRetry(ctx context.Context, messageID string, lastError string) error {
	result := s.db.WithContext(ctx).
		Model(&ServerMessage{}).
		Where("message_id = ?", messageID).
		Updates(map[string]any{
			"status":           StatusPublishRetry,
			"publish_attempts": gorm.Expr("publish_attempts + 1"),
			"last_error":       lastError,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrServerMessageNotFound
	}
	return nil
}

func (s *GORMStore) ListServerMessagesByStatus(ctx context.Context, status ServerMessageStatus, limit int) ([]*ServerMessage, error) {
	var msgs []*ServerMessage
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("received_at asc").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}
