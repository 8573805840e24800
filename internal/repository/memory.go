package repository

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborlabs/chatgate/internal/domain"
)

// In-memory twins of the Postgres stores, used in tests and keyless local
// runs.

type InMemoryAccountStore struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
}

func NewInMemoryAccountStore() *InMemoryAccountStore {
	return &InMemoryAccountStore{
		accounts: make(map[string]*domain.Account),
	}
}

func (s *InMemoryAccountStore) Put(account *domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[account.ID] = account
}

func (s *InMemoryAccountStore) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrUnauthenticated
	}
	copied := *account
	return &copied, nil
}

func (s *InMemoryAccountStore) DebitCredits(ctx context.Context, id string, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return 0, domain.ErrUnauthenticated
	}
	if account.Credits < amount {
		return 0, &domain.InsufficientCreditError{Balance: account.Credits}
	}

	account.Credits -= amount
	account.UpdatedAt = time.Now()
	return account.Credits, nil
}

type InMemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	messages map[string][]domain.StoredMessage
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{
		sessions: make(map[string]*domain.Session),
		messages: make(map[string][]domain.StoredMessage),
	}
}

func (s *InMemorySessionStore) PutSession(session *domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
}

func (s *InMemorySessionStore) Session(id string) (*domain.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	copied := *session
	return &copied, true
}

func (s *InMemorySessionStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]domain.StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.messages[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}

	out := make([]domain.StoredMessage, len(all))
	copy(out, all)
	return out, nil
}

func (s *InMemorySessionStore) AppendExchange(ctx context.Context, sessionID, model, userText, assistantText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}

	now := time.Now()
	s.messages[sessionID] = append(s.messages[sessionID],
		domain.StoredMessage{ID: uuid.New().String(), SessionID: sessionID, Role: domain.RoleUser, Content: userText, Model: model, CreatedAt: now},
		domain.StoredMessage{ID: uuid.New().String(), SessionID: sessionID, Role: domain.RoleAssistant, Content: assistantText, Model: model, CreatedAt: now.Add(time.Millisecond)},
	)

	if len(s.messages[sessionID]) <= 2 {
		session.Title = TitleFromMessage(userText)
	}
	session.UpdatedAt = now

	return nil
}
