package memory

import (
	"context"
	"sync"
)

// Turn is one dialogue entry in a conversation's short-term memory.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Store keeps an ordered turn list per conversation. It is append-only except
// for budget truncation, which always drops the oldest turns first. Memory is
// created lazily on first append and destroyed with the conversation.
type Store interface {
	Append(ctx context.Context, conversationID uint, role, content string) error
	Read(ctx context.Context, conversationID uint) ([]Turn, error)
	Delete(ctx context.Context, conversationID uint) error
}

// InProcStore is a process-local Store for tests and single-node runs.
type InProcStore struct {
	mu       sync.Mutex
	maxTurns int
	turns    map[uint][]Turn
}

func NewInProcStore(maxTurns int) *InProcStore {
	if maxTurns <= 0 {
		maxTurns = 20
	}
	return &InProcStore{
		maxTurns: maxTurns,
		turns:    make(map[uint][]Turn),
	}
}

func (s *InProcStore) Append(_ context.Context, conversationID uint, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.turns[conversationID], Turn{Role: role, Content: content})
	if len(list) > s.maxTurns {
		list = list[len(list)-s.maxTurns:]
	}
	s.turns[conversationID] = list
	return nil
}

func (s *InProcStore) Read(_ context.Context, conversationID uint) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.turns[conversationID]
	out := make([]Turn, len(list))
	copy(out, list)
	return out, nil
}

func (s *InProcStore) Delete(_ context.Context, conversationID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, conversationID)
	return nil
}
