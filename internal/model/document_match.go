package model

import "time"

// DocumentMatch records that a document's passage contributed to an assistant
// message. Rows are unique per (message, document); writing the same pair again
// updates passage and score instead of creating a duplicate.
type DocumentMatch struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	MessageID  uint      `gorm:"not null;uniqueIndex:idx_match_message_document" json:"message_id"`
	DocumentID uint      `gorm:"not null;uniqueIndex:idx_match_message_document;index" json:"document_id"`
	Passage    string    `gorm:"type:text" json:"passage"`
	Score      float64   `gorm:"not null" json:"score"`
	CreatedAt  time.Time `json:"created_at"`
}
