package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"docuchat/internal/model"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(message *model.Message) error {
	if err := r.db.Create(message).Error; err != nil {
		return fmt.Errorf("create message failed: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetByID(id uint) (*model.Message, error) {
	var message model.Message
	if err := r.db.First(&message, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message failed: %w", err)
	}
	return &message, nil
}

func (r *MessageRepository) ListByConversationID(conversationID uint, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var messages []model.Message
	if err := r.db.Where("conversation_id = ?", conversationID).
		Order("ordinal ASC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) ListIDsByConversationID(conversationID uint) ([]uint, error) {
	var ids []uint
	if err := r.db.Model(&model.Message{}).Where("conversation_id = ?", conversationID).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list message ids failed: %w", err)
	}
	return ids, nil
}

func (r *MessageRepository) CountByConversationID(conversationID uint) (int64, error) {
	var count int64
	if err := r.db.Model(&model.Message{}).Where("conversation_id = ?", conversationID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count messages failed: %w", err)
	}
	return count, nil
}

// NextOrdinal returns the position the next message in the conversation should
// take. Callers serialize per conversation, so read-then-write is safe.
func (r *MessageRepository) NextOrdinal(conversationID uint) (int, error) {
	var max int
	err := r.db.Model(&model.Message{}).
		Where("conversation_id = ?", conversationID).
		Select("COALESCE(MAX(ordinal), 0)").Scan(&max).Error
	if err != nil {
		return 0, fmt.Errorf("next message ordinal failed: %w", err)
	}
	return max + 1, nil
}

func (r *MessageRepository) DeleteByConversationID(conversationID uint) error {
	if err := r.db.Where("conversation_id = ?", conversationID).Delete(&model.Message{}).Error; err != nil {
		return fmt.Errorf("delete messages by conversation failed: %w", err)
	}
	return nil
}
