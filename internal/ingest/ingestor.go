package ingest

import (
	"context"
	"errors"
	"fmt"

	"docuchat/internal/ai"
	"docuchat/internal/model"
	"docuchat/internal/platform/logger"
	"docuchat/internal/repository"
)

// ErrIngestion marks a failed ingestion. The failure is scoped to one
// document: other documents and the conversation stay usable, and chunks that
// were embedded before the failure remain queryable.
var ErrIngestion = errors.New("document ingestion failed")

var ErrDocumentMissing = errors.New("document not found for ingestion")

type Ingestor struct {
	docs        *repository.DocumentRepository
	chunks      *repository.ChunkRepository
	embedder    ai.EmbeddingProvider
	chunker     Chunker
	batchSize   int
	maxAttempts int
	log         *logger.Logger
}

func NewIngestor(
	docs *repository.DocumentRepository,
	chunks *repository.ChunkRepository,
	embedder ai.EmbeddingProvider,
	chunker Chunker,
	batchSize int,
	maxAttempts int,
	log *logger.Logger,
) *Ingestor {
	if batchSize <= 0 {
		batchSize = 10
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Ingestor{
		docs:        docs,
		chunks:      chunks,
		embedder:    embedder,
		chunker:     chunker,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// Ingest splits the document's text into passages, embeds them batch by batch
// and persists the chunks. The document moves pending -> ready when every
// passage is embedded, or pending -> failed when the embedding provider keeps
// failing after retries.
func (ing *Ingestor) Ingest(ctx context.Context, documentID uint) (int, error) {
	doc, err := ing.docs.GetByID(documentID)
	if err != nil {
		return 0, err
	}
	if doc == nil {
		return 0, ErrDocumentMissing
	}

	passages := ing.chunker.Split(doc.Content)
	if len(passages) == 0 {
		_ = ing.docs.UpdateStatus(doc.ID, model.DocumentStatusFailed, 0)
		return 0, fmt.Errorf("%w: document %d has no extractable passages", ErrIngestion, doc.ID)
	}

	persisted := 0
	for batchStart := 0; batchStart < len(passages); batchStart += ing.batchSize {
		batchEnd := batchStart + ing.batchSize
		if batchEnd > len(passages) {
			batchEnd = len(passages)
		}
		batch := passages[batchStart:batchEnd]

		var vectors [][]float32
		err := ai.CallWithRetry(ctx, ing.maxAttempts, func() error {
			var embedErr error
			vectors, embedErr = ing.embedder.EmbedBatch(ctx, batch)
			return embedErr
		})
		if err != nil {
			_ = ing.docs.UpdateStatus(doc.ID, model.DocumentStatusFailed, persisted)
			ing.log.Warn("embedding failed, document marked failed",
				"document_id", doc.ID, "persisted_chunks", persisted, "error", err)
			return persisted, fmt.Errorf("%w: embed passages %d..%d: %v", ErrIngestion, batchStart, batchEnd-1, err)
		}
		if len(vectors) != len(batch) {
			_ = ing.docs.UpdateStatus(doc.ID, model.DocumentStatusFailed, persisted)
			return persisted, fmt.Errorf("%w: embedding count mismatch for document %d", ErrIngestion, doc.ID)
		}

		batchChunks := make([]model.Chunk, len(batch))
		for i := range batch {
			batchChunks[i] = model.Chunk{
				DocumentID:     doc.ID,
				ConversationID: doc.ConversationID,
				Ordinal:        batchStart + i,
				Content:        batch[i],
			}
			batchChunks[i].SetEmbedding(vectors[i])
		}
		if err := ing.chunks.CreateBatch(batchChunks); err != nil {
			_ = ing.docs.UpdateStatus(doc.ID, model.DocumentStatusFailed, persisted)
			return persisted, fmt.Errorf("%w: %v", ErrIngestion, err)
		}
		persisted += len(batchChunks)
	}

	if err := ing.docs.UpdateStatus(doc.ID, model.DocumentStatusReady, persisted); err != nil {
		return persisted, err
	}
	ing.log.Info("document ingested",
		"document_id", doc.ID, "conversation_id", doc.ConversationID, "chunks", persisted)
	return persisted, nil
}
