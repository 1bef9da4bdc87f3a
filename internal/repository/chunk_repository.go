package repository

import (
	"fmt"

	"gorm.io/gorm"

	"docuchat/internal/model"
)

type ChunkRepository struct {
	db *gorm.DB
}

func NewChunkRepository(db *gorm.DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

func (r *ChunkRepository) CreateBatch(chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := r.db.Create(&chunks).Error; err != nil {
		return fmt.Errorf("create chunks batch failed: %w", err)
	}
	return nil
}

// ListByConversationID returns all chunks inside one conversation, ordered by
// document and ordinal. The scope is structural: there is no unscoped variant.
func (r *ChunkRepository) ListByConversationID(conversationID uint) ([]model.Chunk, error) {
	if conversationID == 0 {
		return nil, nil
	}
	var chunks []model.Chunk
	if err := r.db.Where("conversation_id = ?", conversationID).
		Order("document_id ASC, ordinal ASC").Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("list chunks by conversation failed: %w", err)
	}
	return chunks, nil
}

func (r *ChunkRepository) CountByConversationID(conversationID uint) (int64, error) {
	if conversationID == 0 {
		return 0, nil
	}
	var count int64
	if err := r.db.Model(&model.Chunk{}).Where("conversation_id = ?", conversationID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count chunks failed: %w", err)
	}
	return count, nil
}

func (r *ChunkRepository) DeleteByDocumentID(documentID uint) error {
	if err := r.db.Where("document_id = ?", documentID).Delete(&model.Chunk{}).Error; err != nil {
		return fmt.Errorf("delete chunks by document failed: %w", err)
	}
	return nil
}

func (r *ChunkRepository) DeleteByConversationID(conversationID uint) error {
	if err := r.db.Where("conversation_id = ?", conversationID).Delete(&model.Chunk{}).Error; err != nil {
		return fmt.Errorf("delete chunks by conversation failed: %w", err)
	}
	return nil
}
