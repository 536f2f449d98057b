// ABOUTME: Store interface and data types for the local conversation cache
// ABOUTME: Defines Conversation and Message rows mirroring confirmed server state

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Conversation is a cached conversation header.
type Conversation struct {
	ID        string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message role constants
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one confirmed message as last seen from the server.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Metadata       string // JSON-encoded agent_trace/analysis, empty when absent
	CreatedAt      time.Time
}

// Store is the persistence interface for the local cache.
type Store interface {
	// SaveConversation inserts or updates a conversation header.
	SaveConversation(ctx context.Context, conv *Conversation) error

	// GetConversation returns ErrNotFound for unknown ids.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ListConversations returns the most recently updated conversations first.
	// A limit of zero or less returns all of them.
	ListConversations(ctx context.Context, limit int) ([]*Conversation, error)

	// ReplaceMessages atomically swaps the confirmed message set of a
	// conversation, creating a placeholder header if none exists.
	ReplaceMessages(ctx context.Context, conversationID string, messages []*Message) error

	// ListMessages returns the cached messages in timestamp order; ties keep
	// the order they were saved in.
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)

	Close() error
}
