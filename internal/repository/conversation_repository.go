package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"docuchat/internal/model"
)

type ConversationRepository struct {
	db *gorm.DB
}

func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

func (r *ConversationRepository) Create(conv *model.Conversation) error {
	if err := r.db.Create(conv).Error; err != nil {
		return fmt.Errorf("create conversation failed: %w", err)
	}
	return nil
}

func (r *ConversationRepository) ListByUserID(userID uint) ([]model.Conversation, error) {
	var list []model.Conversation
	if err := r.db.Where("user_id = ?", userID).Order("updated_at DESC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list conversations failed: %w", err)
	}
	return list, nil
}

func (r *ConversationRepository) GetByIDAndUserID(id, userID uint) (*model.Conversation, error) {
	var conv model.Conversation
	if err := r.db.Where("id = ? AND user_id = ?", id, userID).First(&conv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation failed: %w", err)
	}
	return &conv, nil
}

func (r *ConversationRepository) GetByID(id uint) (*model.Conversation, error) {
	var conv model.Conversation
	if err := r.db.First(&conv, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get conversation by id failed: %w", err)
	}
	return &conv, nil
}

func (r *ConversationRepository) UpdateTitle(id uint, title string) error {
	if err := r.db.Model(&model.Conversation{}).Where("id = ?", id).Update("title", title).Error; err != nil {
		return fmt.Errorf("update conversation title failed: %w", err)
	}
	return nil
}

// Touch bumps updated_at so conversation listings sort by recent activity.
func (r *ConversationRepository) Touch(id uint) error {
	if err := r.db.Model(&model.Conversation{}).Where("id = ?", id).Update("updated_at", time.Now()).Error; err != nil {
		return fmt.Errorf("touch conversation failed: %w", err)
	}
	return nil
}

func (r *ConversationRepository) DeleteByIDAndUserID(id, userID uint) error {
	if err := r.db.Where("id = ? AND user_id = ?", id, userID).Delete(&model.Conversation{}).Error; err != nil {
		return fmt.Errorf("delete conversation failed: %w", err)
	}
	return nil
}
