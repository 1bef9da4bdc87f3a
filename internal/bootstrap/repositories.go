package bootstrap

import (
	"gorm.io/gorm"

	"docuchat/internal/repository"
)

// Repositories bundles the data access layer so transport and ingestion share
// one set of instances.
type Repositories struct {
	Users         *repository.UserRepository
	Conversations *repository.ConversationRepository
	Documents     *repository.DocumentRepository
	Chunks        *repository.ChunkRepository
	Messages      *repository.MessageRepository
	Matches       *repository.DocumentMatchRepository
}

func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Users:         repository.NewUserRepository(db),
		Conversations: repository.NewConversationRepository(db),
		Documents:     repository.NewDocumentRepository(db),
		Chunks:        repository.NewChunkRepository(db),
		Messages:      repository.NewMessageRepository(db),
		Matches:       repository.NewDocumentMatchRepository(db),
	}
}
