// ABOUTME: ConversationStore merging optimistic local writes with confirmed server state
// ABOUTME: Confirmed sets are replaced wholesale and written through to the local cache

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-stream/internal/store"
)

// DefaultGracePeriod is how long a superseded optimistic entry stays visible.
const DefaultGracePeriod = 3 * time.Second

var (
	// ErrInvalidMessage is returned for messages missing an id or conversation.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrDuplicateMessage is returned when an optimistic id is already present.
	ErrDuplicateMessage = errors.New("message id already present")
)

// optimisticEntry is a local message awaiting confirmation.
type optimisticEntry struct {
	msg          Message
	supersededAt time.Time // zero until a confirmed message covers it
}

// conversationState holds both collections of one conversation.
type conversationState struct {
	confirmed  []Message
	optimistic []*optimisticEntry
}

// Store is the in-memory reconciliation point for conversation history.
// Safe for concurrent use.
type Store struct {
	mu            sync.Mutex
	conversations map[string]*conversationState

	cache  store.Store
	grace  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCache writes confirmed sets through to a local cache.
func WithCache(cache store.Store) Option {
	return func(s *Store) { s.cache = cache }
}

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.grace = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger. Nil keeps the default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.With("component", "conversation")
		}
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		conversations: make(map[string]*conversationState),
		grace:         DefaultGracePeriod,
		now:           time.Now,
		logger:        slog.Default().With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) stateLocked(conversationID string) *conversationState {
	cs, ok := s.conversations[conversationID]
	if !ok {
		cs = &conversationState{}
		s.conversations[conversationID] = cs
	}
	return cs
}

// AppendOptimistic records a local message for immediate display.
func (s *Store) AppendOptimistic(msg Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return fmt.Errorf("%w: id and conversation id are required", ErrInvalidMessage)
	}
	msg.IsOptimistic = true

	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.stateLocked(msg.ConversationID)
	if cs.hasID(msg.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID)
	}
	cs.optimistic = append(cs.optimistic, &optimisticEntry{msg: msg})

	s.logger.Debug("optimistic message appended",
		"conversation_id", msg.ConversationID,
		"message_id", msg.ID,
		"role", msg.Role)
	return nil
}

// Confirm replaces the confirmed set with server truth. Optimistic entries
// sharing an id with a confirmed message are dropped; entries the server
// has otherwise caught up with are marked and pruned after the grace period.
func (s *Store) Confirm(ctx context.Context, conversationID string, msgs []Message) {
	confirmed := dedupeConfirmed(conversationID, msgs)

	s.mu.Lock()
	cs := s.stateLocked(conversationID)
	cs.confirmed = confirmed

	ids := make(map[string]bool, len(confirmed))
	for _, m := range confirmed {
		ids[m.ID] = true
	}

	now := s.now()
	kept := cs.optimistic[:0]
	dropped := 0
	for _, e := range cs.optimistic {
		if ids[e.msg.ID] {
			dropped++
			continue
		}
		if e.supersededAt.IsZero() && supersededBy(e.msg, confirmed) {
			e.supersededAt = now
		}
		kept = append(kept, e)
	}
	cs.optimistic = kept
	s.mu.Unlock()

	s.logger.Debug("confirmed messages",
		"conversation_id", conversationID,
		"count", len(confirmed),
		"optimistic_dropped", dropped)

	s.writeThrough(ctx, conversationID, confirmed)
}

// Rollback removes one optimistic entry. It reports whether it was present.
func (s *Store) Rollback(conversationID, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.conversations[conversationID]
	if !ok {
		return false
	}
	for i, e := range cs.optimistic {
		if e.msg.ID == messageID {
			cs.optimistic = append(cs.optimistic[:i], cs.optimistic[i+1:]...)
			s.logger.Debug("optimistic message rolled back",
				"conversation_id", conversationID,
				"message_id", messageID)
			return true
		}
	}
	return false
}

// Promote re-keys an optimistic entry to the id the server assigned, so the
// next Confirm matches it by id. If the server id is already present the
// optimistic entry is simply dropped. It reports whether optimisticID was found.
func (s *Store) Promote(conversationID, optimisticID, serverID string) bool {
	if serverID == "" || serverID == optimisticID {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.conversations[conversationID]
	if !ok {
		return false
	}

	idx := -1
	for i, e := range cs.optimistic {
		if e.msg.ID == optimisticID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	if cs.hasID(serverID) {
		cs.optimistic = append(cs.optimistic[:idx], cs.optimistic[idx+1:]...)
		return true
	}
	cs.optimistic[idx].msg.ID = serverID
	return true
}

// Snapshot returns the reconciled view of a conversation.
func (s *Store) Snapshot(conversationID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := State{ConversationID: conversationID}
	cs, ok := s.conversations[conversationID]
	if !ok {
		return state
	}

	s.pruneLocked(cs)

	seen := make(map[string]bool, len(cs.confirmed)+len(cs.optimistic))
	msgs := make([]Message, 0, len(cs.confirmed)+len(cs.optimistic))
	for _, m := range cs.confirmed {
		seen[m.ID] = true
		msgs = append(msgs, m)
	}
	for _, e := range cs.optimistic {
		if seen[e.msg.ID] || duplicatesConfirmed(e, cs.confirmed) {
			continue
		}
		seen[e.msg.ID] = true
		msgs = append(msgs, e.msg)
	}

	sortMessages(msgs)
	state.Messages = msgs
	return state
}

// PendingCount returns the number of optimistic entries still held.
func (s *Store) PendingCount(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.conversations[conversationID]
	if !ok {
		return 0
	}
	s.pruneLocked(cs)
	return len(cs.optimistic)
}

// Hydrate loads the cached confirmed set for a conversation that has no
// confirmed state yet. Without a cache it does nothing.
func (s *Store) Hydrate(ctx context.Context, conversationID string) error {
	if s.cache == nil {
		return nil
	}

	rows, err := s.cache.ListMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("loading cached messages: %w", err)
	}

	msgs := make([]Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, fromRow(row))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cs := s.stateLocked(conversationID)
	if cs.confirmed == nil {
		cs.confirmed = dedupeConfirmed(conversationID, msgs)
	}

	s.logger.Debug("hydrated conversation", "conversation_id", conversationID, "count", len(msgs))
	return nil
}

// Forget drops all in-memory state for a conversation.
func (s *Store) Forget(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, conversationID)
}

// pruneLocked drops superseded entries whose grace period elapsed.
func (s *Store) pruneLocked(cs *conversationState) {
	now := s.now()
	kept := cs.optimistic[:0]
	for _, e := range cs.optimistic {
		if !e.supersededAt.IsZero() && now.Sub(e.supersededAt) >= s.grace {
			continue
		}
		kept = append(kept, e)
	}
	cs.optimistic = kept
}

// writeThrough persists a confirmed set. Failures are logged only; the
// server remains authoritative.
func (s *Store) writeThrough(ctx context.Context, conversationID string, msgs []Message) {
	if s.cache == nil {
		return
	}

	rows := make([]*store.Message, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, toRow(m))
	}
	if err := s.cache.ReplaceMessages(ctx, conversationID, rows); err != nil {
		s.logger.Warn("failed to cache confirmed messages",
			"conversation_id", conversationID,
			"error", err)
	}
}

func (cs *conversationState) hasID(id string) bool {
	for _, m := range cs.confirmed {
		if m.ID == id {
			return true
		}
	}
	for _, e := range cs.optimistic {
		if e.msg.ID == id {
			return true
		}
	}
	return false
}

// dedupeConfirmed keeps the first occurrence of each id.
func dedupeConfirmed(conversationID string, msgs []Message) []Message {
	seen := make(map[string]bool, len(msgs))
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		m.ConversationID = conversationID
		m.IsOptimistic = false
		out = append(out, m)
	}
	return out
}

// supersededBy reports whether a confirmed message of the same role covers
// the optimistic one, by identical content or by a timestamp not before it.
func supersededBy(opt Message, confirmed []Message) bool {
	for _, c := range confirmed {
		if c.Role != opt.Role {
			continue
		}
		if c.Content == opt.Content || !c.Timestamp.Before(opt.Timestamp) {
			return true
		}
	}
	return false
}

// duplicatesConfirmed hides a superseded entry whose text is already shown
// by a confirmed message of the same role.
func duplicatesConfirmed(e *optimisticEntry, confirmed []Message) bool {
	if e.supersededAt.IsZero() {
		return false
	}
	for _, c := range confirmed {
		if c.Role == e.msg.Role && c.Content == e.msg.Content {
			return true
		}
	}
	return false
}

func toRow(m Message) *store.Message {
	row := &store.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           string(m.Role),
		Content:        m.Content,
		CreatedAt:      m.Timestamp,
	}
	if len(m.Metadata) > 0 {
		if data, err := json.Marshal(m.Metadata); err == nil {
			row.Metadata = string(data)
		}
	}
	return row
}

func fromRow(row *store.Message) Message {
	m := Message{
		ID:             row.ID,
		Role:           Role(row.Role),
		Content:        row.Content,
		Timestamp:      row.CreatedAt,
		ConversationID: row.ConversationID,
	}
	if row.Metadata != "" {
		var meta map[string]any
		if err := json.Unmarshal([]byte(row.Metadata), &meta); err == nil {
			m.Metadata = meta
		}
	}
	return m
}
