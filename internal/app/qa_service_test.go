package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"unicode"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"docuchat/internal/ai"
	"docuchat/internal/config"
	"docuchat/internal/ingest"
	"docuchat/internal/memory"
	"docuchat/internal/model"
	"docuchat/internal/platform/logger"
	"docuchat/internal/repository"
	"docuchat/internal/retrieval"
)

// vocabEmbedder builds bag-of-words vectors with one dimension per distinct
// token, so unrelated texts are exactly orthogonal and identical texts score 1.
type vocabEmbedder struct {
	mu    sync.Mutex
	index map[string]int
	dim   int
	fail  bool
}

func newVocabEmbedder() *vocabEmbedder {
	return &vocabEmbedder{index: make(map[string]int), dim: 256}
}

func (e *vocabEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("embedding backend down")
	}
	vec := make([]float32, e.dim)
	for _, tok := range tokenizeWords(text) {
		e.mu.Lock()
		i, ok := e.index[tok]
		if !ok {
			i = len(e.index)
			e.index[tok] = i
		}
		e.mu.Unlock()
		vec[i%e.dim]++
	}
	return vec, nil
}

func (e *vocabEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func tokenizeWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}

// scriptedGenerator answers "grounded answer" when given document excerpts and
// "general answer" otherwise, recording the prompt of every call.
type scriptedGenerator struct {
	fail  bool
	calls [][]ai.ChatMessage
}

func (g *scriptedGenerator) Complete(_ context.Context, messages []ai.ChatMessage) (string, error) {
	if g.fail {
		return "", errors.New("provider down")
	}
	copied := make([]ai.ChatMessage, len(messages))
	copy(copied, messages)
	g.calls = append(g.calls, copied)
	if len(messages) > 0 && strings.Contains(messages[0].Content, "Excerpts:") {
		return "grounded answer", nil
	}
	return "general answer", nil
}

func (g *scriptedGenerator) lastCall() []ai.ChatMessage {
	if len(g.calls) == 0 {
		return nil
	}
	return g.calls[len(g.calls)-1]
}

func (g *scriptedGenerator) lastPrompt() string {
	call := g.lastCall()
	if len(call) == 0 {
		return ""
	}
	return call[0].Content
}

type qaEnv struct {
	db        *gorm.DB
	convRepo  *repository.ConversationRepository
	docRepo   *repository.DocumentRepository
	chunkRepo *repository.ChunkRepository
	msgRepo   *repository.MessageRepository
	matchRepo *repository.DocumentMatchRepository
	memory    *memory.InProcStore
	embedder  *vocabEmbedder
	gen       *scriptedGenerator
	ingestor  *ingest.Ingestor
	svc       *QAService
}

func newQAEnv(t *testing.T) *qaEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&model.Conversation{},
		&model.Document{},
		&model.Chunk{},
		&model.Message{},
		&model.DocumentMatch{},
	); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	env := &qaEnv{
		db:        db,
		convRepo:  repository.NewConversationRepository(db),
		docRepo:   repository.NewDocumentRepository(db),
		chunkRepo: repository.NewChunkRepository(db),
		msgRepo:   repository.NewMessageRepository(db),
		matchRepo: repository.NewDocumentMatchRepository(db),
		memory:    memory.NewInProcStore(20),
		embedder:  newVocabEmbedder(),
		gen:       &scriptedGenerator{},
	}
	log := logger.NewNop()
	env.ingestor = ingest.NewIngestor(
		env.docRepo, env.chunkRepo, env.embedder, ingest.NewChunker(1000, 200), 10, 1, log,
	)
	env.svc = NewQAService(
		db,
		env.convRepo,
		env.docRepo,
		env.msgRepo,
		env.matchRepo,
		retrieval.NewIndex(env.chunkRepo, log),
		env.memory,
		env.embedder,
		env.gen,
		config.RAGConfig{
			TopK:             10,
			MinScore:         0.6,
			MaxContextChars:  8000,
			EmbedBatchSize:   10,
			ProviderAttempts: 1,
		},
		log,
	)
	return env
}

func (env *qaEnv) newConversation(t *testing.T, userID uint) *model.Conversation {
	t.Helper()
	conv := &model.Conversation{
		UserID:   userID,
		Title:    "New Conversation",
		Provider: "hosted",
		Model:    "gpt-4o",
		ThreadID: uuid.NewString(),
	}
	if err := env.convRepo.Create(conv); err != nil {
		t.Fatalf("create conversation failed: %v", err)
	}
	return conv
}

func (env *qaEnv) addDocument(t *testing.T, conv *model.Conversation, name, content string) *model.Document {
	t.Helper()
	doc := &model.Document{
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Name:           name,
		Content:        content,
		Status:         model.DocumentStatusPending,
	}
	if err := env.docRepo.Create(doc); err != nil {
		t.Fatalf("create document failed: %v", err)
	}
	if _, err := env.ingestor.Ingest(context.Background(), doc.ID); err != nil {
		t.Fatalf("ingest document failed: %v", err)
	}
	fresh, _ := env.docRepo.GetByID(doc.ID)
	if fresh.Status != model.DocumentStatusReady {
		t.Fatalf("document not ready: %q", fresh.Status)
	}
	return fresh
}

const solarQuestion = "How do solar panels convert sunlight into electricity?"

const solarDocContent = "How do solar panels convert sunlight into electricity? " +
	"Solar panels convert sunlight into electricity using photovoltaic cells."

const gridDocContent = "Sunlight hits solar panels and the panels convert the " +
	"energy into electricity for the grid."

const cheeseDocContent = "Cheddar ripens slowly inside humid caves while brie " +
	"softens quickly under warm conditions."

func TestAskAnswersFromSingleDocument(t *testing.T) {
	env := newQAEnv(t)
	conv := env.newConversation(t, 1)
	doc := env.addDocument(t, conv, "solar.txt", solarDocContent)

	res, err := env.svc.Ask(context.Background(), AskInput{
		UserID:         1,
		ConversationID: conv.ID,
		Question:       solarQuestion,
	})
	if err != nil {
		t.Fatalf("ask failed: %v", err)
	}
	if res.Metadata.Mode != model.ModeRAG {
		t.Fatalf("expected rag mode, got %q", res.Metadata.Mode)
	}
	if res.Answer != "grounded answer" {
		t.Fatalf("unexpected answer %q", res.Answer)
	}
	if res.Metadata.NumSources != 1 || len(res.Sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(res.Sources))
	}
	if res.Sources[0].DocumentID != doc.ID || res.Sources[0].DocumentName != "solar.txt" {
		t.Fatalf("unexpected source %+v", res.Sources[0])
	}
	if res.Sources[0].Score < 0.6 {
		t.Fatalf("expected score above threshold, got %v", res.Sources[0].Score)
	}
	if res.Metadata.ContextLength == 0 {
		t.Fatal("expected non-zero context length")
	}

	messages, _ := env.msgRepo.ListByConversationID(conv.ID, 10)
	if len(messages) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(messages))
	}
	if messages[0].Role != model.RoleUser || messages[0].Ordinal != 1 {
		t.Fatalf("unexpected user message %+v", messages[0])
	}
	assistant := messages[1]
	if assistant.Role != model.RoleAssistant || assistant.Mode != model.ModeRAG || assistant.SourceCount != 1 {
		t.Fatalf("unexpected assistant message %+v", assistant)
	}
	if res.MessageID != assistant.ID {
		t.Fatalf("result message id %d does not match persisted %d", res.MessageID, assistant.ID)
	}

	matches, _ := env.matchRepo.ListByMessageID(assistant.ID)
	if len(matches) != 1 || matches[0].DocumentID != doc.ID {
		t.Fatalf("unexpected matches %+v", matches)
	}

	resolved, err := env.svc.Matches(1, assistant.ID)
	if err != nil {
		t.Fatalf("matches lookup failed: %v", err)
	}
	if len(resolved) != 1 || resolved[0].DocumentName != "solar.txt" {
		t.Fatalf("unexpected resolved matches %+v", resolved)
	}
	if _, err := env.svc.Matches(2, assistant.ID); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for foreign user, got %v", err)
	}
}

func TestAskAutoTitlesFirstQuestion(t *testing.T) {
	env := newQAEnv(t)
	conv := env.newConversation(t, 1)

	short := "What is photosynthesis?"
	if _, err := env.svc.Ask(context.Background(), AskInput{
		UserID:         1,
		ConversationID: conv.ID,
		Question:       short,
	}); err != nil {
		t.Fatalf("ask failed: %v", err)
	}

	fresh, _ := env.convRepo.GetByID(conv.ID)
	if fresh.Title != short {
		t.Fatalf("expected title %q, got %q", short, fresh.Title)
	}

	longQuestion := strings.Repeat("why ", 30)
	conv2 := env.newConversation(t, 1)
	if _, err := env.svc.Ask(context.Background(), AskInput{
		UserID:         1,
		ConversationID: conv2.ID,
		Question:       longQuestion,
	}); err != nil {
		t.Fatalf("ask failed: %v", err)
	}
	fresh2, _ := env.convRepo.GetByID(conv2.ID)
	if len([]rune(fresh2.Title)) != 53 || !strings.HasSuffix(fresh2.Title, "...") {
		t.Fatalf("expected truncated title, got %q", fresh2.Title)
	}
}

func TestAskSynthesizesAcrossDocuments(t *testing.T) {
	env := newQAEnv(t)
	conv := env.newConversation(t, 1)
	solarDoc := env.addDocument(t, conv, "solar.txt", solarDocContent)
	gridDoc := env.addDocument(t, conv, "grid.txt", gridDocContent)
	env.addDocument(t, conv, "cheese.txt", cheeseDocContent)

	res, err := env.svc.Ask(context.Background(), AskInput{
		UserID:         1,
		ConversationID: conv.ID,
		Question:       solarQuestion,
	})
	if err != nil {
		t.Fatalf("ask failed: %v", err)
	}
	if res.Metadata.Mode != model.ModeRAG {
		t.Fatalf("expected rag mode, got %q", res.Metadata.Mode)
	}
	if len(res.Sources) != 2 {
		t.Fatalf("expected exactly the two relevant documents, got %d sources", len(res.Sources))
	}
	// best match first
	if res.Sources[0].DocumentID != solarDoc.ID || res.Sources[1].DocumentID != gridDoc.ID {
		t.Fatalf("unexpected source documents: %+v", res.Sources)
	}
	if res.Sources[1].Score < 0.6 {
		t.Fatalf("second source below threshold: %v", res.Sources[1].Score)
	}

	messages, _ := env.msgRepo.ListByConversationID(conv.ID, 10)
	assistant := messages[len(messages)-1]
	if assistant.SourceCount != 2 {
		t.Fatalf("expected source count 2, got %d", assistant.SourceCount)
	}

	prompt := env.gen.lastPrompt()
	if !strings.Contains(prompt, "[source: solar.txt]") || !strings.Contains(prompt, "[source: grid.txt]") {
		t.Fatalf("expected both sources labeled in prompt:\n%s", prompt)
	}
	if strings.Contains(prompt, "cheese.txt") {
		t.Fatalf("irrelevant document leaked into prompt:\n%s", prompt)
	}
	if !strings.Contains(prompt, "several documents") {
		t.Fatalf("expected multi-document synthesis instruction:\n%s", prompt)
	}
}

func TestAskFallsBackWithoutDocuments(t *testing.T) {
	env := newQAEnv(t)
	conv := env.newConversation(t, 1)

	res, err := env.svc.Ask(context.Background(), AskInput{
		UserID:         1,
		ConversationID: conv.ID,
		Question:       solarQuestion,
	})
	if err != nil {
		t.Fatalf("ask failed: %v", err)
	}
	if res.Metadata.Mode != model.ModeAgent {
		t.Fatalf("expected agent mode, got %q", res.Metadata.Mode)
	}
	if res.Answer != "general answer" {
		t.Fatalf("unexpected answer %q", res.Answer)
	}
	if len(res.Sources) != 0 || res.Metadata.ContextLength != 0 {
		t.Fatalf("agent mode must carry no sources: %+v", res)
	}

	messages, _ := env.msgRepo.ListByConversationID(conv.ID, 10)
	assistant := messages[len(messages)-1]
	if assistant.Mode != model.ModeAgent || assistant.SourceCount != 0 {
		t.Fatalf("unexpected assistant message %+v", assistant)
	}
	matches, _ := env.matchRepo.ListByMessageID(assistant.ID)
	if len(matches) != 0 {
		t.Fatalf("agent answers must not record matches, got %d", len(matches))
	}
}

func TestAskFallsBackWhenDocumentsIrrelevant(t *testing.T) {
	env := newQAEnv(t)
	conv := env.newConversation(t, 1)
	env.addDocument(t, conv, "solar.txt", solarDocContent)

	res, err := env.svc.Ask(context.Background(), AskInput{
		UserID:         1,
		ConversationID: conv.ID,
		Question:       "What makes cheddar cheese taste sharp?",
	})
	if err != nil {
		t.Fatalf("ask failed: %v", err)
	}
	if res.Metadata.Mode != model.ModeAgent {
		t.Fatalf("expected agent mode for off-topic question, got %q", res.Metadata.Mode)
	}
	if strings.HasPrefix(res.Answer, "Note:") {
		t.Fatal("irrelevant documents are not a degradation")
	}
}

func TestAskAdHocSessionPersistsNothing(t *testing.T) {
	env := newQAEnv(t)

	res, err := env.svc.Ask(context.Background(), AskInput{
		UserID:   1,
		Question: solarQuestion,
	})
	if err != nil {
		t.Fatalf("ask failed: %v", err)
	}
	if res.Metadata.Mode != model.ModeAgent {
		t.Fatalf("expected agent mode, got %q", res.Metadata.Mode)
	}
	if res.MessageID != 0 {
		t.Fatalf("ad-hoc session must not persist messages, got id %d", res.MessageID)
	}

	var count int64
	env.db.Model(&model.Message{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected no persisted messages, got %d", count)
	}
}

func TestAskDegradesWhenEmbeddingFails(t *testing.T) {
	env := newQAEnv(t)
	conv := env.newConversation(t, 1)
	env.addDocument(t, conv, "solar.txt", solarDocContent)

	env.embedder.fail = true
	res, err := env.svc.Ask(context.Background(), AskInput{
		UserID:         1,
		ConversationID: conv.ID,
		Question:       solarQuestion,
	})
	if err != nil {
		t.Fatalf("ask failed: %v", err)
	}
	if res.Metadata.Mode != model.ModeAgent {
		t.Fatalf("expected degraded agent mode, got %q", res.Metadata.Mode)
	}
	if !strings.HasPrefix(res.Answer, "Note:") {
		t.Fatalf("expected degradation note prefix, got %q", res.Answer)
	}

	messages, _ := env.msgRepo.ListByConversationID(conv.ID, 10)
	assistant := messages[len(messages)-1]
	if assistant.Mode != model.ModeAgent {
		t.Fatalf("expected persisted agent mode, got %q", assistant.Mode)
	}
}

func TestAskGenerationFailureWrapsSentinel(t *testing.T) {
	env := newQAEnv(t)
	conv := env.newConversation(t, 1)

	env.gen.fail = true
	_, err := env.svc.Ask(context.Background(), AskInput{
		UserID:         1,
		ConversationID: conv.ID,
		Question:       solarQuestion,
	})
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("expected ErrGeneration, got %v", err)
	}

	// the user message is persisted, the failed answer is not
	messages, _ := env.msgRepo.ListByConversationID(conv.ID, 10)
	if len(messages) != 1 || messages[0].Role != model.RoleUser {
		t.Fatalf("expected only the user message, got %+v", messages)
	}
}

func TestAskValidatesInput(t *testing.T) {
	env := newQAEnv(t)

	if _, err := env.svc.Ask(context.Background(), AskInput{UserID: 1, Question: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := env.svc.Ask(context.Background(), AskInput{UserID: 1, ConversationID: 99, Question: "hi"}); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}

	other := env.newConversation(t, 2)
	if _, err := env.svc.Ask(context.Background(), AskInput{UserID: 1, ConversationID: other.ID, Question: "hi"}); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound for foreign conversation, got %v", err)
	}
}

func TestAskCarriesConversationMemory(t *testing.T) {
	env := newQAEnv(t)
	conv := env.newConversation(t, 1)

	first := "Remember that my project is called skylark."
	if _, err := env.svc.Ask(context.Background(), AskInput{
		UserID: 1, ConversationID: conv.ID, Question: first,
	}); err != nil {
		t.Fatalf("first ask failed: %v", err)
	}
	if _, err := env.svc.Ask(context.Background(), AskInput{
		UserID: 1, ConversationID: conv.ID, Question: "What is my project called?",
	}); err != nil {
		t.Fatalf("second ask failed: %v", err)
	}

	found := false
	for _, m := range env.gen.lastCall() {
		if m.Content == first {
			found = true
		}
	}
	if !found {
		t.Fatal("expected earlier turn in generation prompt")
	}
}
