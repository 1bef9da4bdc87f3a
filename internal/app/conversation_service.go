package app

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"docuchat/internal/memory"
	"docuchat/internal/model"
	"docuchat/internal/repository"
)

var ErrConversationNotFound = errors.New("conversation not found")

type ConversationService struct {
	convRepo  *repository.ConversationRepository
	docRepo   *repository.DocumentRepository
	chunkRepo *repository.ChunkRepository
	msgRepo   *repository.MessageRepository
	matchRepo *repository.DocumentMatchRepository
	memory    memory.Store

	defaultProvider string
	defaultModel    string
}

type CreateConversationInput struct {
	UserID   uint
	Title    string
	Provider string
	Model    string
}

func NewConversationService(
	convRepo *repository.ConversationRepository,
	docRepo *repository.DocumentRepository,
	chunkRepo *repository.ChunkRepository,
	msgRepo *repository.MessageRepository,
	matchRepo *repository.DocumentMatchRepository,
	memoryStore memory.Store,
	defaultProvider string,
	defaultModel string,
) *ConversationService {
	return &ConversationService{
		convRepo:        convRepo,
		docRepo:         docRepo,
		chunkRepo:       chunkRepo,
		msgRepo:         msgRepo,
		matchRepo:       matchRepo,
		memory:          memoryStore,
		defaultProvider: defaultProvider,
		defaultModel:    defaultModel,
	}
}

func (s *ConversationService) Create(input CreateConversationInput) (*model.Conversation, error) {
	if input.UserID == 0 {
		return nil, ErrInvalidInput
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = "New Conversation"
	}
	provider := strings.TrimSpace(input.Provider)
	if provider == "" {
		provider = s.defaultProvider
	}
	llmModel := strings.TrimSpace(input.Model)
	if llmModel == "" {
		llmModel = s.defaultModel
	}

	conv := &model.Conversation{
		UserID:   input.UserID,
		Title:    title,
		Provider: provider,
		Model:    llmModel,
		ThreadID: uuid.NewString(),
	}
	if err := s.convRepo.Create(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *ConversationService) List(userID uint) ([]model.Conversation, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	return s.convRepo.ListByUserID(userID)
}

func (s *ConversationService) Messages(userID, conversationID uint, limit int) ([]model.Message, error) {
	if userID == 0 || conversationID == 0 {
		return nil, ErrInvalidInput
	}
	conv, err := s.convRepo.GetByIDAndUserID(conversationID, userID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	return s.msgRepo.ListByConversationID(conversationID, limit)
}

// Delete removes a conversation and everything it owns: matches, messages,
// chunks, documents and the conversation memory.
func (s *ConversationService) Delete(ctx context.Context, userID, conversationID uint) error {
	if userID == 0 || conversationID == 0 {
		return ErrInvalidInput
	}
	conv, err := s.convRepo.GetByIDAndUserID(conversationID, userID)
	if err != nil {
		return err
	}
	if conv == nil {
		return ErrConversationNotFound
	}

	messageIDs, err := s.msgRepo.ListIDsByConversationID(conversationID)
	if err != nil {
		return err
	}
	if err := s.matchRepo.DeleteByMessageIDs(messageIDs); err != nil {
		return err
	}
	if err := s.msgRepo.DeleteByConversationID(conversationID); err != nil {
		return err
	}
	if err := s.chunkRepo.DeleteByConversationID(conversationID); err != nil {
		return err
	}
	if err := s.docRepo.DeleteByConversationID(conversationID); err != nil {
		return err
	}
	if err := s.convRepo.DeleteByIDAndUserID(conversationID, userID); err != nil {
		return err
	}
	if s.memory != nil {
		_ = s.memory.Delete(ctx, conversationID)
	}
	return nil
}
