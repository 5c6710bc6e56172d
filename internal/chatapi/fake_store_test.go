package chatapi

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"manifold/internal/store"
)

// fakeStore is an in-memory store.Relational exercising the REST handlers
// without a live Postgres connection. BeginTurn hands out a transaction
// view writing straight through to the same maps.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]store.Session
	messages map[uuid.UUID]store.Message
	models   map[string]store.AIModel
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[uuid.UUID]store.Session),
		messages: make(map[uuid.UUID]store.Message),
		models:   make(map[string]store.AIModel),
	}
}

func (f *fakeStore) Init(ctx context.Context) error { return nil }

func (f *fakeStore) CreateSession(ctx context.Context, s store.Session) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = time.Now()
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeStore) GetSession(ctx context.Context, userID int64, id uuid.UUID) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	if s.UserID != userID {
		return store.Session{}, store.ErrForbidden
	}
	return s, nil
}

func (f *fakeStore) ListSessions(ctx context.Context, userID int64, cursor time.Time, limit int) ([]store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Session
	for _, s := range f.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateSession(ctx context.Context, s store.Session) (store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[s.ID]; !ok {
		return store.Session{}, store.ErrNotFound
	}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeStore) SoftDeleteSession(ctx context.Context, userID int64, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Status = store.SessionDeleted
	f.sessions[id] = s
	return nil
}

func (f *fakeStore) CreateMessage(ctx context.Context, m store.Message) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.CreatedAt = time.Now()
	f.messages[m.ID] = m
	return m, nil
}

func (f *fakeStore) UpdateMessage(ctx context.Context, m store.Message) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.messages[m.ID]; !ok {
		return store.Message{}, store.ErrNotFound
	}
	f.messages[m.ID] = m
	return m, nil
}

func (f *fakeStore) GetMessage(ctx context.Context, id uuid.UUID) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return store.Message{}, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) SoftDeleteMessagesAfter(ctx context.Context, sessionID uuid.UUID, t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, m := range f.messages {
		if m.SessionID == sessionID && m.CreatedAt.After(t) {
			m.IsDeleted = true
			f.messages[id] = m
		}
	}
	return nil
}

func (f *fakeStore) SoftDeleteMessage(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	m.IsDeleted = true
	f.messages[id] = m
	return nil
}

func (f *fakeStore) ListMessages(ctx context.Context, sessionID uuid.UUID, filter store.MessageFilter) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Message
	for _, m := range f.messages {
		if m.SessionID != sessionID {
			continue
		}
		if m.IsDeleted && !filter.IncludeDeleted {
			continue
		}
		if m.IsSummarized && !filter.IncludeSummarized {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeStore) InsertLLMInvocation(ctx context.Context, inv store.LLMInvocation) (store.LLMInvocation, error) {
	inv.ID = uuid.New()
	return inv, nil
}

func (f *fakeStore) InsertToolInvocation(ctx context.Context, inv store.ToolInvocation) (store.ToolInvocation, error) {
	inv.ID = uuid.New()
	return inv, nil
}

func (f *fakeStore) UpdateToolInvocation(ctx context.Context, inv store.ToolInvocation) (store.ToolInvocation, error) {
	return inv, nil
}

func (f *fakeStore) ListModels(ctx context.Context) ([]store.AIModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.AIModel
	for _, m := range f.models {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeStore) GetModel(ctx context.Context, id string) (store.AIModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.models[id]
	if !ok {
		return store.AIModel{}, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) BeginTurn(ctx context.Context) (store.Tx, error) {
	return &fakeTx{fakeStore: f}, nil
}

type fakeTx struct {
	*fakeStore
}

func (t *fakeTx) Commit(ctx context.Context) error   { return nil }
func (t *fakeTx) Rollback(ctx context.Context) error { return nil }
