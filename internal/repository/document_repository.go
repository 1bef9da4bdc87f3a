package repository

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"docuchat/internal/model"
)

type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Create(doc *model.Document) error {
	if err := r.db.Create(doc).Error; err != nil {
		return fmt.Errorf("create document failed: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(id uint) (*model.Document, error) {
	var doc model.Document
	if err := r.db.First(&doc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document failed: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) GetByIDAndUserID(id, userID uint) (*model.Document, error) {
	var doc model.Document
	if err := r.db.Where("id = ? AND user_id = ?", id, userID).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document failed: %w", err)
	}
	return &doc, nil
}

// ListByConversationID returns documents for exactly one conversation. The
// conversation id is a mandatory scope, never an optional filter; callers with
// no conversation get no documents.
func (r *DocumentRepository) ListByConversationID(conversationID uint) ([]model.Document, error) {
	if conversationID == 0 {
		return nil, nil
	}
	var list []model.Document
	if err := r.db.Where("conversation_id = ?", conversationID).Order("created_at ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list documents failed: %w", err)
	}
	return list, nil
}

// ListIDsByConversationID returns document ids for cascade deletes.
func (r *DocumentRepository) ListIDsByConversationID(conversationID uint) ([]uint, error) {
	var ids []uint
	if err := r.db.Model(&model.Document{}).Where("conversation_id = ?", conversationID).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list document ids failed: %w", err)
	}
	return ids, nil
}

func (r *DocumentRepository) UpdateStatus(id uint, status string, chunkCount int) error {
	updates := map[string]interface{}{"status": status, "chunk_count": chunkCount}
	if err := r.db.Model(&model.Document{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("update document status failed: %w", err)
	}
	return nil
}

func (r *DocumentRepository) DeleteByIDAndUserID(id, userID uint) error {
	if err := r.db.Where("id = ? AND user_id = ?", id, userID).Delete(&model.Document{}).Error; err != nil {
		return fmt.Errorf("delete document failed: %w", err)
	}
	return nil
}

func (r *DocumentRepository) DeleteByConversationID(conversationID uint) error {
	if err := r.db.Where("conversation_id = ?", conversationID).Delete(&model.Document{}).Error; err != nil {
		return fmt.Errorf("delete documents by conversation failed: %w", err)
	}
	return nil
}
