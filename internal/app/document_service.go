package app

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"docuchat/internal/ingest"
	"docuchat/internal/model"
	"docuchat/internal/platform/logger"
	"docuchat/internal/repository"
)

var ErrDocumentNotFound = errors.New("document not found")

// IngestScheduler hands a stored document to the ingestion pipeline. The
// queue-backed implementation publishes a job; tests and queueless runs can
// ingest inline.
type IngestScheduler interface {
	Publish(ctx context.Context, documentID uint) error
}

type DocumentService struct {
	convRepo  *repository.ConversationRepository
	docRepo   *repository.DocumentRepository
	chunkRepo *repository.ChunkRepository
	matchRepo *repository.DocumentMatchRepository
	msgRepo   *repository.MessageRepository
	ingestor  *ingest.Ingestor
	scheduler IngestScheduler
	log       *logger.Logger
}

func NewDocumentService(
	convRepo *repository.ConversationRepository,
	docRepo *repository.DocumentRepository,
	chunkRepo *repository.ChunkRepository,
	matchRepo *repository.DocumentMatchRepository,
	msgRepo *repository.MessageRepository,
	ingestor *ingest.Ingestor,
	scheduler IngestScheduler,
	log *logger.Logger,
) *DocumentService {
	return &DocumentService{
		convRepo:  convRepo,
		docRepo:   docRepo,
		chunkRepo: chunkRepo,
		matchRepo: matchRepo,
		msgRepo:   msgRepo,
		ingestor:  ingestor,
		scheduler: scheduler,
		log:       log,
	}
}

type UploadDocumentInput struct {
	UserID         uint
	ConversationID uint
	Name           string
	Content        string
}

// Upload stores the document as pending and schedules ingestion. When no
// scheduler is configured the document is ingested inline before returning.
func (s *DocumentService) Upload(ctx context.Context, input UploadDocumentInput) (*model.Document, error) {
	if input.UserID == 0 || input.ConversationID == 0 {
		return nil, ErrInvalidInput
	}
	name := strings.TrimSpace(input.Name)
	if name == "" || strings.TrimSpace(input.Content) == "" {
		return nil, ErrInvalidInput
	}

	conv, err := s.convRepo.GetByIDAndUserID(input.ConversationID, input.UserID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}

	doc := &model.Document{
		ConversationID: input.ConversationID,
		UserID:         input.UserID,
		Name:           name,
		Content:        input.Content,
		Status:         model.DocumentStatusPending,
	}
	if err := s.docRepo.Create(doc); err != nil {
		return nil, err
	}

	if s.scheduler != nil {
		if err := s.scheduler.Publish(ctx, doc.ID); err != nil {
			// The document stays pending; a requeue or restart can pick it up.
			s.log.Error("schedule ingestion failed", "document_id", doc.ID, "error", err)
			return nil, err
		}
		return doc, nil
	}

	if _, err := s.ingestor.Ingest(ctx, doc.ID); err != nil {
		s.log.Warn("inline ingestion failed", "document_id", doc.ID, "error", err)
	}
	fresh, err := s.docRepo.GetByID(doc.ID)
	if err != nil || fresh == nil {
		return doc, err
	}
	return fresh, nil
}

func (s *DocumentService) List(userID, conversationID uint) ([]model.Document, error) {
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
	return s.docRepo.ListByConversationID(conversationID)
}

// MatchPreview is one past answer the document contributed to.
type MatchPreview struct {
	MessageID      uint    `json:"message_id"`
	MessageSnippet string  `json:"message_snippet"`
	Passage        string  `json:"passage"`
	Score          float64 `json:"score"`
}

type DocumentPreview struct {
	Document   *model.Document `json:"document"`
	Content    string          `json:"content"`
	UsageCount int64           `json:"usage_count"`
	Matches    []MatchPreview  `json:"matches"`
}

const previewContentLimit = 2000

// Preview returns the document's leading content plus how it has been used:
// the total number of answers it backed and the most recent matches.
func (s *DocumentService) Preview(userID, documentID uint) (*DocumentPreview, error) {
	if userID == 0 || documentID == 0 {
		return nil, ErrInvalidInput
	}
	doc, err := s.docRepo.GetByIDAndUserID(documentID, userID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}

	usage, err := s.matchRepo.UsageCount(doc.ID)
	if err != nil {
		return nil, err
	}
	recent, err := s.matchRepo.RecentByDocumentID(doc.ID, 10)
	if err != nil {
		return nil, err
	}

	previews := make([]MatchPreview, 0, len(recent))
	for _, m := range recent {
		snippet := ""
		if msg, err := s.msgRepo.GetByID(m.MessageID); err == nil && msg != nil {
			snippet = truncateRunes(msg.Content, 200)
		}
		previews = append(previews, MatchPreview{
			MessageID:      m.MessageID,
			MessageSnippet: snippet,
			Passage:        m.Passage,
			Score:          m.Score,
		})
	}

	return &DocumentPreview{
		Document:   doc,
		Content:    truncateRunes(doc.Content, previewContentLimit),
		UsageCount: usage,
		Matches:    previews,
	}, nil
}

// Delete removes the document with its chunks and match history. Answers that
// cited the document keep their text; only the match rows go.
func (s *DocumentService) Delete(userID, documentID uint) error {
	if userID == 0 || documentID == 0 {
		return ErrInvalidInput
	}
	doc, err := s.docRepo.GetByIDAndUserID(documentID, userID)
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrDocumentNotFound
	}
	if err := s.matchRepo.DeleteByDocumentID(doc.ID); err != nil {
		return err
	}
	if err := s.chunkRepo.DeleteByDocumentID(doc.ID); err != nil {
		return err
	}
	return s.docRepo.DeleteByIDAndUserID(doc.ID, userID)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "..."
}
