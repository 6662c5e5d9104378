package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"concierge-sync/internal/domain"
	"concierge-sync/internal/repository"
)

// ConversationStore is the conversation surface of the backend CRUD store.
type ConversationStore interface {
	FindActiveConversation(ctx context.Context, memberID string) (domain.Conversation, error)
	CreateConversation(ctx context.Context, memberID string, cc domain.ConversationContext, welcomeText string) (domain.Conversation, domain.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
}

// SessionManager resolves a member's active conversation and loads its history.
type SessionManager struct {
	store ConversationStore
	log   *slog.Logger

	mu      sync.Mutex
	members map[string]*sync.Mutex
}

func NewSessionManager(store ConversationStore, logger *slog.Logger) (*SessionManager, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{store: store, log: logger, members: make(map[string]*sync.Mutex)}, nil
}

func (m *SessionManager) memberLock(memberID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.members[memberID]
	if !ok {
		l = &sync.Mutex{}
		m.members[memberID] = l
	}
	return l
}

// GetOrCreateConversation returns the member's most recent active
// conversation, creating one seeded from cc and a concierge welcome message
// when none exists. Calls for the same member are serialized.
func (m *SessionManager) GetOrCreateConversation(ctx context.Context, memberID string, cc domain.ConversationContext) (string, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return "", newError(ErrorInvalidInput, "empty_member_id", nil)
	}

	lock := m.memberLock(memberID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := m.store.FindActiveConversation(ctx, memberID)
	if err == nil {
		return conv.ID, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return "", newError(ErrorPersistence, "find_conversation_error", err)
	}

	conv, welcome, err := m.store.CreateConversation(ctx, memberID, cc, WelcomeText(cc))
	if err != nil {
		return "", newError(ErrorPersistence, "create_conversation_error", err)
	}
	m.log.InfoContext(ctx, "conversation created",
		"conversation_id", conv.ID,
		"message_id", welcome.ID,
		"context", string(cc.Kind()),
	)
	return conv.ID, nil
}

// LoadHistory returns every message of the conversation, oldest first.
func (m *SessionManager) LoadHistory(ctx context.Context, conversationID string) ([]domain.Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, newError(ErrorInvalidInput, "empty_conversation_id", nil)
	}
	msgs, err := m.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, newError(ErrorPersistence, "load_history_error", err)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

// WelcomeText is the concierge greeting that opens a new conversation.
func WelcomeText(cc domain.ConversationContext) string {
	switch cc.Kind() {
	case domain.ContextVenue:
		name := strings.TrimSpace(cc.VenueName())
		if name == "" {
			name = "this venue"
		}
		return "Welcome! I'm your concierge. How can I help you with " + name + "?"
	case domain.ContextBooking:
		return "Welcome! I'm your concierge. How can I help you with your booking?"
	default:
		return "Welcome! I'm your concierge. How can I help you today?"
	}
}
