package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"docuchat/internal/model"
	"docuchat/internal/platform/logger"
)

var (
	// ErrRetrieval means the index could not serve the query. Callers degrade
	// to answering without documents; they must not crash the conversation.
	ErrRetrieval = errors.New("retrieval index unavailable")

	// ErrIsolationBreach means a chunk outside the requested conversation
	// reached the candidate set. This is an invariant violation, never
	// silently corrected: the request aborts.
	ErrIsolationBreach = errors.New("chunk outside requested conversation")
)

// ScoredChunk pairs a retrieved chunk with its bounded similarity score.
type ScoredChunk struct {
	Chunk model.Chunk
	Score float64
}

// Result is an ordered result set plus the number of distinct documents it
// spans. The orchestrator uses the count to phrase multi-document synthesis.
type Result struct {
	Chunks            []ScoredChunk
	DistinctDocuments int
}

// ChunkSource lists the candidate chunks of one conversation. The repository
// implementation scopes the query; the index still verifies every candidate
// because the invariant must hold no matter where the chunks came from.
type ChunkSource interface {
	ListByConversationID(conversationID uint) ([]model.Chunk, error)
}

// Index performs nearest-neighbor search strictly inside one conversation.
// There is no unscoped or global variant of Search.
type Index struct {
	chunks ChunkSource
	log    *logger.Logger
}

func NewIndex(chunks ChunkSource, log *logger.Logger) *Index {
	return &Index{chunks: chunks, log: log}
}

// Search returns up to min(k, available) chunks of the conversation ordered by
// descending score, ties broken by (document, ordinal). Scores are cosine
// similarity rescaled to [0,1].
func (ix *Index) Search(ctx context.Context, conversationID uint, queryVec []float32, k int) (*Result, error) {
	if conversationID == 0 || len(queryVec) == 0 || k <= 0 {
		return &Result{}, nil
	}

	candidates, err := ix.chunks.ListByConversationID(conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrieval, err)
	}
	if len(candidates) == 0 {
		return &Result{}, nil
	}

	scored := make([]ScoredChunk, 0, len(candidates))
	for i := range candidates {
		if candidates[i].ConversationID != conversationID {
			ix.log.Error("isolation invariant breached",
				"requested_conversation_id", conversationID,
				"chunk_id", candidates[i].ID,
				"chunk_conversation_id", candidates[i].ConversationID)
			return nil, fmt.Errorf("%w: chunk %d belongs to conversation %d, requested %d",
				ErrIsolationBreach, candidates[i].ID, candidates[i].ConversationID, conversationID)
		}
		scored = append(scored, ScoredChunk{
			Chunk: candidates[i],
			Score: rescaledCosine(queryVec, candidates[i].EmbeddingVector()),
		})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].Chunk.DocumentID != scored[j].Chunk.DocumentID {
			return scored[i].Chunk.DocumentID < scored[j].Chunk.DocumentID
		}
		return scored[i].Chunk.Ordinal < scored[j].Chunk.Ordinal
	})

	if k > len(scored) {
		k = len(scored)
	}
	top := scored[:k]

	docs := make(map[uint]struct{}, len(top))
	for _, sc := range top {
		docs[sc.Chunk.DocumentID] = struct{}{}
	}

	return &Result{Chunks: top, DistinctDocuments: len(docs)}, nil
}

// rescaledCosine maps cosine similarity from [-1,1] to [0,1], clamped.
func rescaledCosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA <= 0 || normB <= 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	score := (1 + cos) / 2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
