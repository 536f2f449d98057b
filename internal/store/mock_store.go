// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]*Message // keyed by conversation ID

	// FailWrites makes every write return an error, for exercising
	// callers that log and continue.
	FailWrites bool
}

var _ Store = (*MockStore)(nil)

// errMockWrite is returned by writes when FailWrites is set.
var errMockWrite = errors.New("mock store: write failed")

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
	}
}

// SaveConversation stores or updates a conversation header.
func (m *MockStore) SaveConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return errMockWrite
	}

	c := *conv
	if existing, ok := m.conversations[c.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	}
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// ListConversations returns conversations, most recently updated first.
func (m *MockStore) ListConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ReplaceMessages swaps the message set of a conversation.
func (m *MockStore) ReplaceMessages(ctx context.Context, conversationID string, messages []*Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites {
		return errMockWrite
	}

	if _, ok := m.conversations[conversationID]; !ok {
		now := time.Now()
		m.conversations[conversationID] = &Conversation{ID: conversationID, CreatedAt: now, UpdatedAt: now}
	}

	copied := make([]*Message, len(messages))
	for i, msg := range messages {
		cp := *msg
		cp.ConversationID = conversationID
		copied[i] = &cp
	}
	m.messages[conversationID] = copied
	return nil
}

// ListMessages returns messages in timestamp order, ties in saved order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		result[i] = &cp
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
