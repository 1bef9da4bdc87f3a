package repository

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"docuchat/internal/model"
)

type DocumentMatchRepository struct {
	db *gorm.DB
}

func NewDocumentMatchRepository(db *gorm.DB) *DocumentMatchRepository {
	return &DocumentMatchRepository{db: db}
}

// Upsert writes a match keyed by (message_id, document_id). Retrying the same
// message updates passage and score in place; it never creates a second row.
func (r *DocumentMatchRepository) Upsert(match *model.DocumentMatch) error {
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}, {Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"passage", "score"}),
	}).Create(match).Error
	if err != nil {
		return fmt.Errorf("upsert document match failed: %w", err)
	}
	return nil
}

func (r *DocumentMatchRepository) ListByMessageID(messageID uint) ([]model.DocumentMatch, error) {
	var matches []model.DocumentMatch
	if err := r.db.Where("message_id = ?", messageID).Order("score DESC").Find(&matches).Error; err != nil {
		return nil, fmt.Errorf("list matches by message failed: %w", err)
	}
	return matches, nil
}

// UsageCount reports how many answers a document has contributed to.
func (r *DocumentMatchRepository) UsageCount(documentID uint) (int64, error) {
	var count int64
	if err := r.db.Model(&model.DocumentMatch{}).Where("document_id = ?", documentID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count matches failed: %w", err)
	}
	return count, nil
}

func (r *DocumentMatchRepository) RecentByDocumentID(documentID uint, limit int) ([]model.DocumentMatch, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	var matches []model.DocumentMatch
	if err := r.db.Where("document_id = ?", documentID).
		Order("created_at DESC, id DESC").Limit(limit).Find(&matches).Error; err != nil {
		return nil, fmt.Errorf("list recent matches failed: %w", err)
	}
	return matches, nil
}

func (r *DocumentMatchRepository) DeleteByDocumentID(documentID uint) error {
	if err := r.db.Where("document_id = ?", documentID).Delete(&model.DocumentMatch{}).Error; err != nil {
		return fmt.Errorf("delete matches by document failed: %w", err)
	}
	return nil
}

func (r *DocumentMatchRepository) DeleteByMessageIDs(messageIDs []uint) error {
	if len(messageIDs) == 0 {
		return nil
	}
	if err := r.db.Where("message_id IN ?", messageIDs).Delete(&model.DocumentMatch{}).Error; err != nil {
		return fmt.Errorf("delete matches by messages failed: %w", err)
	}
	return nil
}
