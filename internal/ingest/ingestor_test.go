package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"docuchat/internal/model"
	"docuchat/internal/platform/logger"
	"docuchat/internal/repository"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db failed: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&model.Document{}, &model.Chunk{}); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return db
}

// flatEmbedder returns the same unit vector for every input, optionally
// failing from a given batch call onward.
type flatEmbedder struct {
	calls     int
	failAfter int // fail on call number > failAfter; 0 means never fail
}

func (e *flatEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *flatEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.failAfter > 0 && e.calls > e.failAfter {
		return nil, errors.New("embedding backend down")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func seedDocument(t *testing.T, docs *repository.DocumentRepository, content string) *model.Document {
	t.Helper()
	doc := &model.Document{
		ConversationID: 7,
		UserID:         1,
		Name:           "notes.txt",
		Content:        content,
		Status:         model.DocumentStatusPending,
	}
	if err := docs.Create(doc); err != nil {
		t.Fatalf("seed document failed: %v", err)
	}
	return doc
}

func TestIngestSuccess(t *testing.T) {
	db := newTestDB(t)
	docs := repository.NewDocumentRepository(db)
	chunks := repository.NewChunkRepository(db)

	content := strings.Repeat("alpha beta gamma. ", 30) // several chunks at size 100
	doc := seedDocument(t, docs, content)

	ing := NewIngestor(docs, chunks, &flatEmbedder{}, NewChunker(100, 20), 2, 1, logger.NewNop())
	n, err := ing.Ingest(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if n < 2 {
		t.Fatalf("expected multiple chunks, got %d", n)
	}

	fresh, err := docs.GetByID(doc.ID)
	if err != nil || fresh == nil {
		t.Fatalf("reload document failed: %v", err)
	}
	if fresh.Status != model.DocumentStatusReady {
		t.Fatalf("expected status ready, got %q", fresh.Status)
	}
	if fresh.ChunkCount != n {
		t.Fatalf("expected chunk count %d, got %d", n, fresh.ChunkCount)
	}

	stored, err := chunks.ListByConversationID(doc.ConversationID)
	if err != nil {
		t.Fatalf("list chunks failed: %v", err)
	}
	if len(stored) != n {
		t.Fatalf("expected %d stored chunks, got %d", n, len(stored))
	}
	for i, ch := range stored {
		if ch.Ordinal != i {
			t.Fatalf("chunk %d has ordinal %d", i, ch.Ordinal)
		}
		if ch.ConversationID != doc.ConversationID {
			t.Fatalf("chunk %d has conversation %d, want %d", i, ch.ConversationID, doc.ConversationID)
		}
		if len(ch.EmbeddingVector()) == 0 {
			t.Fatalf("chunk %d has no embedding", i)
		}
	}
}

func TestIngestFailureKeepsEarlierChunks(t *testing.T) {
	db := newTestDB(t)
	docs := repository.NewDocumentRepository(db)
	chunks := repository.NewChunkRepository(db)

	content := strings.Repeat("delta epsilon zeta. ", 40)
	doc := seedDocument(t, docs, content)

	// first batch succeeds, second fails
	ing := NewIngestor(docs, chunks, &flatEmbedder{failAfter: 1}, NewChunker(100, 20), 2, 1, logger.NewNop())
	n, err := ing.Ingest(context.Background(), doc.ID)
	if !errors.Is(err, ErrIngestion) {
		t.Fatalf("expected ErrIngestion, got %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 persisted chunks, got %d", n)
	}

	fresh, _ := docs.GetByID(doc.ID)
	if fresh.Status != model.DocumentStatusFailed {
		t.Fatalf("expected status failed, got %q", fresh.Status)
	}
	if fresh.ChunkCount != 2 {
		t.Fatalf("expected chunk count 2, got %d", fresh.ChunkCount)
	}

	count, _ := chunks.CountByConversationID(doc.ConversationID)
	if count != 2 {
		t.Fatalf("expected 2 queryable chunks after failure, got %d", count)
	}
}

func TestIngestMissingDocument(t *testing.T) {
	db := newTestDB(t)
	docs := repository.NewDocumentRepository(db)
	chunks := repository.NewChunkRepository(db)

	ing := NewIngestor(docs, chunks, &flatEmbedder{}, NewChunker(100, 20), 2, 1, logger.NewNop())
	if _, err := ing.Ingest(context.Background(), 999); !errors.Is(err, ErrDocumentMissing) {
		t.Fatalf("expected ErrDocumentMissing, got %v", err)
	}
}

func TestIngestEmptyContent(t *testing.T) {
	db := newTestDB(t)
	docs := repository.NewDocumentRepository(db)
	chunks := repository.NewChunkRepository(db)

	doc := seedDocument(t, docs, "   \n  ")
	ing := NewIngestor(docs, chunks, &flatEmbedder{}, NewChunker(100, 20), 2, 1, logger.NewNop())

	if _, err := ing.Ingest(context.Background(), doc.ID); !errors.Is(err, ErrIngestion) {
		t.Fatalf("expected ErrIngestion, got %v", err)
	}
	fresh, _ := docs.GetByID(doc.ID)
	if fresh.Status != model.DocumentStatusFailed {
		t.Fatalf("expected status failed, got %q", fresh.Status)
	}
}
