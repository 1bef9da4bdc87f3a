package model

import "time"

// Document ingestion lifecycle. A document stays queryable with the chunks it
// managed to embed even when ingestion ends in failed.
const (
	DocumentStatusPending = "pending"
	DocumentStatusReady   = "ready"
	DocumentStatusFailed  = "failed"
)

// Document always belongs to exactly one conversation; there is no shared or
// account-wide document pool.
type Document struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID uint      `gorm:"not null;index" json:"conversation_id"`
	UserID         uint      `gorm:"not null;index" json:"user_id"`
	Name           string    `gorm:"size:256;not null" json:"name"`
	Content        string    `gorm:"type:longtext" json:"-"`
	Status         string    `gorm:"size:16;not null;default:pending" json:"status"`
	ChunkCount     int       `gorm:"not null;default:0" json:"chunk_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
