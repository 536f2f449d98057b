// ABOUTME: Message and State types for the reconciled conversation view
// ABOUTME: Includes the deterministic ordering used by every snapshot

package conversation

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// OptimisticPrefix marks client-generated message ids.
const OptimisticPrefix = "optimistic-"

// Message is one entry of a conversation, confirmed or optimistic.
type Message struct {
	ID             string
	Role           Role
	Content        string
	Timestamp      time.Time
	ConversationID string
	IsOptimistic   bool
	Metadata       map[string]any
}

// State is the reconciled projection of one conversation: confirmed and
// optimistic messages, deduplicated by id, in timestamp order.
type State struct {
	ConversationID string
	Messages       []Message
}

// NewOptimistic builds a local message with a fresh client-side id.
func NewOptimistic(conversationID string, role Role, content string, ts time.Time) Message {
	return Message{
		ID:             NewOptimisticID(),
		Role:           role,
		Content:        content,
		Timestamp:      ts,
		ConversationID: conversationID,
		IsOptimistic:   true,
	}
}

// NewOptimisticID returns an id that can never collide with a server id.
func NewOptimisticID() string {
	return OptimisticPrefix + uuid.New().String()
}

// IsOptimisticID reports whether id was generated by NewOptimisticID.
func IsOptimisticID(id string) bool {
	return strings.HasPrefix(id, OptimisticPrefix)
}

func roleRank(r Role) int {
	switch r {
	case RoleUser:
		return 0
	case RoleAssistant:
		return 1
	case RoleSystem:
		return 2
	}
	return 3
}

// sortMessages orders by timestamp, then role, then id.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if ra, rb := roleRank(a.Role), roleRank(b.Role); ra != rb {
			return ra < rb
		}
		return a.ID < b.ID
	})
}
