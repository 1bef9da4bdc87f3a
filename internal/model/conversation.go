package model

import "time"

type Conversation struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	Title     string    `gorm:"size:256;not null" json:"title"`
	Provider  string    `gorm:"size:32;not null" json:"provider"`
	Model     string    `gorm:"size:64;not null" json:"model"`
	ThreadID  string    `gorm:"size:36;uniqueIndex" json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
