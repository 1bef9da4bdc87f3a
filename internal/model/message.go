package model

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Generation modes recorded on assistant messages.
const (
	ModeRAG   = "rag"
	ModeAgent = "agent"
)

type Message struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	ConversationID uint      `gorm:"not null;index" json:"conversation_id"`
	UserID         uint      `gorm:"not null;index" json:"user_id"`
	Role           string    `gorm:"size:16;not null;index" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	Ordinal        int       `gorm:"not null" json:"ordinal"`
	Mode           string    `gorm:"size:8" json:"mode,omitempty"`
	SourceCount    int       `gorm:"not null;default:0" json:"source_count"`
	CreatedAt      time.Time `json:"created_at"`
}
