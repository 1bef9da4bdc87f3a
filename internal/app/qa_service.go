package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gorm.io/gorm"

	"docuchat/internal/ai"
	"docuchat/internal/config"
	"docuchat/internal/memory"
	"docuchat/internal/model"
	"docuchat/internal/platform/logger"
	"docuchat/internal/repository"
	"docuchat/internal/retrieval"
)

// ErrGeneration means the chat provider could not produce an answer after
// retries. Nothing from the failed attempt is persisted.
var ErrGeneration = errors.New("answer generation failed")

// Source is one document's contribution to an answer: its best passage.
type Source struct {
	DocumentID   uint    `json:"document_id"`
	DocumentName string  `json:"document_name"`
	Passage      string  `json:"passage"`
	Score        float64 `json:"score"`
}

// AskMetadata records how the answer was produced.
type AskMetadata struct {
	Mode          string `json:"mode"`
	NumSources    int    `json:"num_sources"`
	ContextLength int    `json:"context_length"`
}

type AskInput struct {
	UserID         uint
	ConversationID uint
	Question       string
}

type AskResult struct {
	Answer    string      `json:"answer"`
	Sources   []Source    `json:"sources"`
	Metadata  AskMetadata `json:"metadata"`
	MessageID uint        `json:"message_id,omitempty"`
}

// Ask phases. The run loop advances phase by phase; every terminal outcome is
// either phaseComplete or phaseFailed.
type phase int

const (
	phaseInit phase = iota
	phaseLoadDocuments
	phaseRetrieve
	phaseBuildContext
	phaseAgentMode
	phaseGenerate
	phasePersist
	phaseComplete
	phaseFailed
)

const degradedNote = "Note: document retrieval is temporarily unavailable, so this answer is based on general knowledge only.\n\n"

const maxPassageChars = 1000

// QAService answers questions inside one conversation. Retrieval only ever
// sees that conversation's documents; when they offer no evidence the service
// answers from general knowledge instead and says so in the metadata.
type QAService struct {
	db        *gorm.DB
	convRepo  *repository.ConversationRepository
	docRepo   *repository.DocumentRepository
	msgRepo   *repository.MessageRepository
	matchRepo *repository.DocumentMatchRepository
	index     *retrieval.Index
	memory    memory.Store
	embedder  ai.EmbeddingProvider
	generator ai.ChatProvider
	ragCfg    config.RAGConfig
	log       *logger.Logger

	lockMu    sync.Mutex
	convLocks map[uint]*sync.Mutex
}

func NewQAService(
	db *gorm.DB,
	convRepo *repository.ConversationRepository,
	docRepo *repository.DocumentRepository,
	msgRepo *repository.MessageRepository,
	matchRepo *repository.DocumentMatchRepository,
	index *retrieval.Index,
	memoryStore memory.Store,
	embedder ai.EmbeddingProvider,
	generator ai.ChatProvider,
	ragCfg config.RAGConfig,
	log *logger.Logger,
) *QAService {
	if ragCfg.TopK <= 0 {
		ragCfg.TopK = 10
	}
	if ragCfg.MaxContextChars <= 0 {
		ragCfg.MaxContextChars = 8000
	}
	return &QAService{
		db:        db,
		convRepo:  convRepo,
		docRepo:   docRepo,
		msgRepo:   msgRepo,
		matchRepo: matchRepo,
		index:     index,
		memory:    memoryStore,
		embedder:  embedder,
		generator: generator,
		ragCfg:    ragCfg,
		log:       log,
		convLocks: make(map[uint]*sync.Mutex),
	}
}

// askRun carries the state of one Ask call through the phases.
type askRun struct {
	input    AskInput
	question string

	conv     *model.Conversation
	docNames map[uint]string

	queryVec    []float32
	retrieved   *retrieval.Result
	evidence    []retrieval.ScoredChunk
	contextText string
	multiDoc    bool

	degraded     bool
	mode         string
	systemPrompt string
	answer       string
	sources      []Source
	messageID    uint

	err error
}

// Ask runs the question through the answer pipeline and returns the generated
// answer with its sources. Conversation id 0 is an ad-hoc session: it always
// answers from general knowledge and persists nothing.
func (s *QAService) Ask(ctx context.Context, input AskInput) (*AskResult, error) {
	run := &askRun{
		input:    input,
		question: strings.TrimSpace(input.Question),
	}

	current := phaseInit
	for current != phaseComplete && current != phaseFailed {
		switch current {
		case phaseInit:
			current = s.stepInit(ctx, run)
		case phaseLoadDocuments:
			current = s.stepLoadDocuments(run)
		case phaseRetrieve:
			current = s.stepRetrieve(ctx, run)
		case phaseBuildContext:
			current = s.stepBuildContext(run)
		case phaseAgentMode:
			current = s.stepAgentMode(run)
		case phaseGenerate:
			current = s.stepGenerate(ctx, run)
		case phasePersist:
			current = s.stepPersist(ctx, run)
		}
	}

	if current == phaseFailed {
		return nil, run.err
	}
	return &AskResult{
		Answer:  run.answer,
		Sources: run.sources,
		Metadata: AskMetadata{
			Mode:          run.mode,
			NumSources:    len(run.sources),
			ContextLength: len(run.contextText),
		},
		MessageID: run.messageID,
	}, nil
}

func (s *QAService) stepInit(ctx context.Context, run *askRun) phase {
	if run.input.UserID == 0 || run.question == "" {
		run.err = ErrInvalidInput
		return phaseFailed
	}
	if run.input.ConversationID == 0 {
		return phaseLoadDocuments
	}

	conv, err := s.convRepo.GetByIDAndUserID(run.input.ConversationID, run.input.UserID)
	if err != nil {
		run.err = err
		return phaseFailed
	}
	if conv == nil {
		run.err = ErrConversationNotFound
		return phaseFailed
	}
	run.conv = conv

	lock := s.lockFor(conv.ID)
	lock.Lock()
	defer lock.Unlock()

	count, err := s.msgRepo.CountByConversationID(conv.ID)
	if err != nil {
		run.err = err
		return phaseFailed
	}
	if count == 0 {
		title := truncateRunes(run.question, 50)
		if err := s.convRepo.UpdateTitle(conv.ID, title); err != nil {
			s.log.Warn("auto-title failed", "conversation_id", conv.ID, "error", err)
		}
	}

	ordinal, err := s.msgRepo.NextOrdinal(conv.ID)
	if err != nil {
		run.err = err
		return phaseFailed
	}
	userMsg := &model.Message{
		ConversationID: conv.ID,
		UserID:         run.input.UserID,
		Role:           model.RoleUser,
		Content:        run.question,
		Ordinal:        ordinal,
	}
	if err := s.msgRepo.Create(userMsg); err != nil {
		run.err = err
		return phaseFailed
	}
	if err := s.memory.Append(ctx, conv.ID, model.RoleUser, run.question); err != nil {
		s.log.Warn("memory append failed", "conversation_id", conv.ID, "error", err)
	}
	return phaseLoadDocuments
}

func (s *QAService) stepLoadDocuments(run *askRun) phase {
	if run.input.ConversationID == 0 {
		return phaseAgentMode
	}
	docs, err := s.docRepo.ListByConversationID(run.input.ConversationID)
	if err != nil {
		run.err = err
		return phaseFailed
	}

	run.docNames = make(map[uint]string, len(docs))
	usable := 0
	for _, doc := range docs {
		run.docNames[doc.ID] = doc.Name
		if doc.ChunkCount > 0 {
			usable++
		}
	}
	if usable == 0 {
		return phaseAgentMode
	}
	return phaseRetrieve
}

func (s *QAService) stepRetrieve(ctx context.Context, run *askRun) phase {
	err := ai.CallWithRetry(ctx, s.ragCfg.ProviderAttempts, func() error {
		vec, embedErr := s.embedder.Embed(ctx, run.question)
		if embedErr != nil {
			return embedErr
		}
		run.queryVec = vec
		return nil
	})
	if err != nil {
		s.log.Warn("query embedding failed, degrading to agent mode",
			"conversation_id", run.input.ConversationID, "error", err)
		run.degraded = true
		return phaseAgentMode
	}

	result, err := s.index.Search(ctx, run.input.ConversationID, run.queryVec, s.ragCfg.TopK)
	if err != nil {
		if errors.Is(err, retrieval.ErrIsolationBreach) {
			run.err = err
			return phaseFailed
		}
		s.log.Warn("retrieval failed, degrading to agent mode",
			"conversation_id", run.input.ConversationID, "error", err)
		run.degraded = true
		return phaseAgentMode
	}
	run.retrieved = result
	return phaseBuildContext
}

// stepBuildContext decides whether the retrieved chunks are actual evidence.
// Everything below the score floor is discarded; an empty remainder means the
// documents do not cover the question and the run switches to agent mode.
func (s *QAService) stepBuildContext(run *askRun) phase {
	var evidence []retrieval.ScoredChunk
	for _, sc := range run.retrieved.Chunks {
		if sc.Score >= s.ragCfg.MinScore {
			evidence = append(evidence, sc)
		}
	}
	if len(evidence) == 0 {
		return phaseAgentMode
	}

	// Fit the context budget by dropping the weakest evidence first. The
	// slice is already ordered by descending score.
	total := 0
	kept := evidence[:0]
	for _, sc := range evidence {
		block := len(sc.Chunk.Content)
		if total+block > s.ragCfg.MaxContextChars && len(kept) > 0 {
			break
		}
		kept = append(kept, sc)
		total += block
	}
	run.evidence = kept

	var b strings.Builder
	docs := make(map[uint]struct{}, len(kept))
	for i, sc := range kept {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[source: %s]\n%s", run.docNames[sc.Chunk.DocumentID], sc.Chunk.Content)
		docs[sc.Chunk.DocumentID] = struct{}{}
	}
	run.contextText = b.String()
	run.multiDoc = len(docs) > 1
	run.sources = bestPassagePerDocument(kept, run.docNames)

	run.mode = model.ModeRAG
	run.systemPrompt = ragSystemPrompt(run.contextText, run.multiDoc)
	return phaseGenerate
}

func (s *QAService) stepAgentMode(run *askRun) phase {
	run.mode = model.ModeAgent
	run.sources = nil
	run.contextText = ""
	run.systemPrompt = agentSystemPrompt
	return phaseGenerate
}

func (s *QAService) stepGenerate(ctx context.Context, run *askRun) phase {
	messages := []ai.ChatMessage{{Role: "system", Content: run.systemPrompt}}
	if run.conv != nil {
		turns, err := s.memory.Read(ctx, run.conv.ID)
		if err != nil {
			s.log.Warn("memory read failed", "conversation_id", run.conv.ID, "error", err)
		}
		for _, turn := range turns {
			messages = append(messages, ai.ChatMessage{Role: turn.Role, Content: turn.Content})
		}
	}
	if len(messages) == 1 || messages[len(messages)-1].Content != run.question {
		messages = append(messages, ai.ChatMessage{Role: model.RoleUser, Content: run.question})
	}

	var answer string
	err := ai.CallWithRetry(ctx, s.ragCfg.ProviderAttempts, func() error {
		var genErr error
		answer, genErr = s.generator.Complete(ctx, messages)
		return genErr
	})
	if err != nil {
		run.err = fmt.Errorf("%w: %v", ErrGeneration, err)
		return phaseFailed
	}
	if run.degraded {
		answer = degradedNote + answer
	}
	run.answer = answer
	return phasePersist
}

// stepPersist writes the assistant message and its source matches in one
// transaction. It runs detached from the request context so a client that
// disconnects mid-generation cannot leave a half-written turn behind.
func (s *QAService) stepPersist(ctx context.Context, run *askRun) phase {
	if run.conv == nil {
		return phaseComplete
	}

	lock := s.lockFor(run.conv.ID)
	lock.Lock()
	defer lock.Unlock()

	persistCtx := context.WithoutCancel(ctx)

	err := s.db.WithContext(persistCtx).Transaction(func(tx *gorm.DB) error {
		msgRepo := repository.NewMessageRepository(tx)
		matchRepo := repository.NewDocumentMatchRepository(tx)

		ordinal, err := msgRepo.NextOrdinal(run.conv.ID)
		if err != nil {
			return err
		}
		assistant := &model.Message{
			ConversationID: run.conv.ID,
			UserID:         run.input.UserID,
			Role:           model.RoleAssistant,
			Content:        run.answer,
			Ordinal:        ordinal,
			Mode:           run.mode,
			SourceCount:    len(run.sources),
		}
		if err := msgRepo.Create(assistant); err != nil {
			return err
		}
		run.messageID = assistant.ID

		for _, src := range run.sources {
			match := &model.DocumentMatch{
				MessageID:  assistant.ID,
				DocumentID: src.DocumentID,
				Passage:    truncateRunes(src.Passage, maxPassageChars),
				Score:      src.Score,
			}
			if err := matchRepo.Upsert(match); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		run.err = err
		return phaseFailed
	}

	if err := s.memory.Append(persistCtx, run.conv.ID, model.RoleAssistant, run.answer); err != nil {
		s.log.Warn("memory append failed", "conversation_id", run.conv.ID, "error", err)
	}
	if err := s.convRepo.Touch(run.conv.ID); err != nil {
		s.log.Warn("touch conversation failed", "conversation_id", run.conv.ID, "error", err)
	}
	return phaseComplete
}

// MessageMatch is one recorded source of an assistant message, with the
// document name resolved for display. The name is empty when the document has
// since been deleted; the match row survives with the answer.
type MessageMatch struct {
	DocumentID   uint    `json:"document_id"`
	DocumentName string  `json:"document_name"`
	Passage      string  `json:"passage"`
	Score        float64 `json:"score"`
}

// Matches returns the sources recorded for one assistant message.
func (s *QAService) Matches(userID, messageID uint) ([]MessageMatch, error) {
	if userID == 0 || messageID == 0 {
		return nil, ErrInvalidInput
	}
	msg, err := s.msgRepo.GetByID(messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil || msg.UserID != userID {
		return nil, ErrInvalidInput
	}

	rows, err := s.matchRepo.ListByMessageID(messageID)
	if err != nil {
		return nil, err
	}
	out := make([]MessageMatch, 0, len(rows))
	for _, row := range rows {
		name := ""
		if doc, err := s.docRepo.GetByID(row.DocumentID); err == nil && doc != nil {
			name = doc.Name
		}
		out = append(out, MessageMatch{
			DocumentID:   row.DocumentID,
			DocumentName: name,
			Passage:      row.Passage,
			Score:        row.Score,
		})
	}
	return out, nil
}

func (s *QAService) lockFor(conversationID uint) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.convLocks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		s.convLocks[conversationID] = lock
	}
	return lock
}

// bestPassagePerDocument keeps each distinct document's highest-scored chunk,
// ordered by descending score.
func bestPassagePerDocument(evidence []retrieval.ScoredChunk, names map[uint]string) []Source {
	seen := make(map[uint]struct{}, len(evidence))
	sources := make([]Source, 0, len(evidence))
	for _, sc := range evidence {
		if _, ok := seen[sc.Chunk.DocumentID]; ok {
			continue
		}
		seen[sc.Chunk.DocumentID] = struct{}{}
		sources = append(sources, Source{
			DocumentID:   sc.Chunk.DocumentID,
			DocumentName: names[sc.Chunk.DocumentID],
			Passage:      sc.Chunk.Content,
			Score:        sc.Score,
		})
	}
	return sources
}

func ragSystemPrompt(contextText string, multiDoc bool) string {
	var b strings.Builder
	b.WriteString("You are a document assistant. Answer the user's question using the excerpts below.\n")
	if multiDoc {
		b.WriteString("The excerpts come from several documents. Synthesize them into one coherent answer and mention which document supports each point.\n")
	}
	b.WriteString("If the excerpts do not contain the answer, say so instead of guessing.\n\n")
	b.WriteString("Excerpts:\n")
	b.WriteString(contextText)
	return b.String()
}

const agentSystemPrompt = "You are a helpful assistant. Answer from your general knowledge. " +
	"The user has not provided any relevant documents for this question; do not ask them to upload documents, just answer as well as you can."
