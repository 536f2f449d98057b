// ABOUTME: Coordinator drives one chat turn: optimistic append, submission, stream and reconcile
// ABOUTME: Serializes sends per conversation so at most one live stream exists for each

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/2389/coven-stream/internal/activity"
	"github.com/2389/coven-stream/internal/api"
	"github.com/2389/coven-stream/internal/broadcast"
	"github.com/2389/coven-stream/internal/conversation"
	"github.com/2389/coven-stream/internal/dedupe"
	"github.com/2389/coven-stream/internal/metrics"
	"github.com/2389/coven-stream/internal/store"
	"github.com/2389/coven-stream/internal/streaming"
)

const (
	// DefaultDuplicateWindow is how long an identical send is rejected.
	DefaultDuplicateWindow = 2 * time.Second

	refreshTimeout  = 15 * time.Second
	maxHistoryTurns = 20
	maxTitleRunes   = 60
	dedupeMaxKeys   = 1024
)

var (
	ErrClosed        = errors.New("coordinator closed")
	ErrDuplicateSend = errors.New("duplicate message")
	ErrEmptyMessage  = errors.New("message is empty")
)

// ChatAPI is what the coordinator needs from the collaborator endpoints.
type ChatAPI interface {
	CreateConversation(ctx context.Context, title string) (*api.Conversation, error)
	SubmitChat(ctx context.Context, req api.ChatRequest) (*api.ChatResponse, error)
	ListMessages(ctx context.Context, conversationID string) ([]api.Message, error)
}

// Streamer opens event-channel sessions.
type Streamer interface {
	Start(ctx context.Context, req streaming.Request, handlers ...streaming.Handler) (*streaming.Session, error)
}

// UpdateKind identifies what changed for a conversation.
type UpdateKind string

const (
	UpdateMessages        UpdateKind = "messages"
	UpdateActivity        UpdateKind = "activity"
	UpdateStreamStarted   UpdateKind = "stream_started"
	UpdateStreamCompleted UpdateKind = "stream_completed"
	UpdateStreamFailed    UpdateKind = "stream_failed"
	UpdateStreamCancelled UpdateKind = "stream_cancelled"
)

// Update is published to subscribers of a conversation.
type Update struct {
	Kind           UpdateKind
	ConversationID string
	SessionID      string
	Event          *streaming.StreamEvent // set for UpdateActivity
	Err            error                  // set for UpdateStreamFailed
}

// Outcome describes an accepted send.
type Outcome struct {
	ConversationID     string
	UserMessageID      string
	AssistantMessageID string // synchronous replies only
	Streaming          bool
	Session            *streaming.Session // nil for synchronous replies
	Response           *api.ChatResponse
}

// liveStream is the state held for a conversation's running session.
type liveStream struct {
	session *streaming.Session
	trace   *activity.Aggregator
	done    chan struct{} // closed after the watcher has reconciled and unregistered

	// superseded is closed by a Send that holds the conversation lock and
	// waits for this stream to go away
	superseded chan struct{}
	once       sync.Once

	// unreconciled is set by the watcher before done closes when it gave up
	// its refresh to a superseding Send
	unreconciled bool
}

func (ls *liveStream) supersede() {
	ls.once.Do(func() { close(ls.superseded) })
}

// Coordinator owns sends, live sessions and update fan-out.
type Coordinator struct {
	chat     ChatAPI
	streamer Streamer
	convs    *conversation.Store
	cache    store.Store
	guard    *dedupe.Cache
	updates  *broadcast.Broadcaster[Update]
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	duplicateWindow time.Duration

	// Sessions outlive the Send call that started them
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu     sync.Mutex
	closed bool
	live   map[string]*liveStream
	traces map[string]*activity.Aggregator
	locks  map[string]chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCache records created conversations in the local cache.
func WithCache(cache store.Store) Option {
	return func(c *Coordinator) { c.cache = cache }
}

// WithMetrics records send and reconcile outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithLogger sets the logger. Nil keeps the default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger.With("component", "coordinator")
		}
	}
}

// WithDuplicateWindow sets how long an identical send is rejected. Zero or
// less disables the guard.
func WithDuplicateWindow(d time.Duration) Option {
	return func(c *Coordinator) { c.duplicateWindow = d }
}

// WithClock replaces time.Now for optimistic timestamps and the duplicate guard.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator.
func New(chat ChatAPI, streamer Streamer, convs *conversation.Store, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		chat:            chat,
		streamer:        streamer,
		convs:           convs,
		logger:          slog.Default().With("component", "coordinator"),
		now:             time.Now,
		duplicateWindow: DefaultDuplicateWindow,
		baseCtx:         ctx,
		cancelBase:      cancel,
		live:            make(map[string]*liveStream),
		traces:          make(map[string]*activity.Aggregator),
		locks:           make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.duplicateWindow > 0 {
		c.guard = dedupe.New(c.duplicateWindow, dedupeMaxKeys, dedupe.WithClock(c.now))
	}
	c.updates = broadcast.New[Update](c.logger)
	return c
}

// Send submits text to a conversation, creating one when conversationID is
// empty. The user message is visible in Snapshot before the submission
// returns. A streamed reply keeps running after Send returns; its end
// triggers a refresh of confirmed messages.
//
// When the submission succeeded but the stream could not be opened, Send
// returns both the Outcome and the error.
func (c *Coordinator) Send(ctx context.Context, conversationID, text string) (*Outcome, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if c.isClosed() {
		return nil, ErrClosed
	}

	if conversationID == "" {
		conv, err := c.createConversation(ctx, text)
		if err != nil {
			c.metrics.Send("failed")
			return nil, err
		}
		conversationID = conv.ID
	}

	release, err := c.lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer release()

	if c.isClosed() {
		return nil, ErrClosed
	}

	key := dedupe.SendKey(conversationID, text)
	if c.guard != nil && c.guard.Check(key) {
		c.metrics.Send("duplicate")
		c.logger.Debug("duplicate send rejected", "conversation_id", conversationID)
		return nil, ErrDuplicateSend
	}

	if c.cancelLive(conversationID, true) {
		// The previous stream completed but never got to reconcile
		if err := c.refresh(ctx, conversationID); err != nil {
			c.logger.Warn("refresh after superseded stream failed", "conversation_id", conversationID, "error", err)
		}
	}

	user := conversation.NewOptimistic(conversationID, conversation.RoleUser, text, c.now())
	if err := c.convs.AppendOptimistic(user); err != nil {
		return nil, fmt.Errorf("recording message: %w", err)
	}
	c.publish(Update{Kind: UpdateMessages, ConversationID: conversationID})

	resp, err := c.chat.SubmitChat(ctx, api.ChatRequest{ConversationID: conversationID, Message: text})
	if err != nil {
		c.convs.Rollback(conversationID, user.ID)
		c.publish(Update{Kind: UpdateMessages, ConversationID: conversationID})
		c.metrics.Send("failed")
		c.logger.Warn("submission failed", "conversation_id", conversationID, "error", err)
		return nil, fmt.Errorf("submitting message: %w", err)
	}

	if c.guard != nil {
		c.guard.Mark(key)
	}

	out := &Outcome{
		ConversationID: conversationID,
		UserMessageID:  user.ID,
		Response:       resp,
	}
	if c.convs.Promote(conversationID, user.ID, resp.MessageID) {
		out.UserMessageID = resp.MessageID
	}

	if !resp.UseStreaming {
		out.AssistantMessageID = c.appendReply(conversationID, resp)
		c.publish(Update{Kind: UpdateMessages, ConversationID: conversationID})
		c.metrics.Send("sync")
		return out, nil
	}

	sess, err := c.startStream(conversationID, resp.MessageID)
	if err != nil {
		c.metrics.Send("stream_failed")
		c.publish(Update{Kind: UpdateStreamFailed, ConversationID: conversationID, Err: err})
		c.logger.Warn("stream failed to start", "conversation_id", conversationID, "error", err)
		// The submission stands; let the server's copy replace the optimistic one
		if rerr := c.refresh(ctx, conversationID); rerr != nil {
			c.logger.Warn("refresh after stream failure failed", "conversation_id", conversationID, "error", rerr)
		}
		return out, fmt.Errorf("starting stream: %w", err)
	}

	out.Streaming = true
	out.Session = sess
	c.metrics.Send("streaming")
	return out, nil
}

// appendReply records a synchronous assistant reply and returns its id.
func (c *Coordinator) appendReply(conversationID string, resp *api.ChatResponse) string {
	id := resp.AssistantMessageID
	if id == "" {
		id = conversation.NewOptimisticID()
	}

	reply := conversation.Message{
		ID:             id,
		Role:           conversation.RoleAssistant,
		Content:        resp.Response,
		Timestamp:      c.now(),
		ConversationID: conversationID,
	}
	if err := c.convs.AppendOptimistic(reply); err != nil {
		// Already confirmed under the same id
		c.logger.Debug("assistant reply not appended", "conversation_id", conversationID, "error", err)
	}
	return id
}

// startStream opens a session and registers it as the live stream. The
// caller holds the conversation lock.
func (c *Coordinator) startStream(conversationID, correlationID string) (*streaming.Session, error) {
	trace := activity.New()

	handler := streaming.Handler{
		OnEvent: func(ev streaming.StreamEvent) {
			trace.Apply(ev)
			c.publish(Update{Kind: UpdateActivity, ConversationID: conversationID, Event: &ev})
		},
		OnError: func(err error) {
			c.deliver(Update{Kind: UpdateStreamFailed, ConversationID: conversationID, Err: err})
		},
	}

	req := streaming.Request{
		ConversationID: conversationID,
		History:        c.history(conversationID),
		CorrelationID:  correlationID,
	}
	sess, err := c.streamer.Start(c.baseCtx, req, handler)
	if err != nil {
		return nil, err
	}

	ls := &liveStream{
		session:    sess,
		trace:      trace,
		done:       make(chan struct{}),
		superseded: make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sess.Cancel()
		sess.Wait()
		return nil, ErrClosed
	}
	c.live[conversationID] = ls
	c.traces[conversationID] = trace
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Debug("stream started", "conversation_id", conversationID, "session_id", sess.ID())
	c.publish(Update{Kind: UpdateStreamStarted, ConversationID: conversationID, SessionID: sess.ID()})

	go c.watch(conversationID, ls)
	return sess, nil
}

// watch waits for a session to end, reconciles unless it was cancelled, and
// unregisters it.
func (c *Coordinator) watch(conversationID string, ls *liveStream) {
	defer c.wg.Done()
	defer close(ls.done)

	<-ls.session.Done()
	cancelled := ls.session.Cancelled()

	if !cancelled {
		ls.unreconciled = !c.reconcileAfterStream(conversationID, ls)
	}

	c.mu.Lock()
	if c.live[conversationID] == ls {
		delete(c.live, conversationID)
	}
	c.mu.Unlock()

	u := Update{
		Kind:           UpdateStreamCompleted,
		ConversationID: conversationID,
		SessionID:      ls.session.ID(),
		Err:            ls.session.Err(),
	}
	if cancelled {
		u.Kind = UpdateStreamCancelled
	}
	c.deliver(u)
}

// reconcileAfterStream refreshes a conversation under its lock once its
// stream has completed. It reports false when a Send holding the lock
// superseded the stream first; that Send refreshes instead.
func (c *Coordinator) reconcileAfterStream(conversationID string, ls *liveStream) bool {
	ctx, cancel := context.WithTimeout(c.baseCtx, refreshTimeout)
	defer cancel()

	sem := c.semaphore(conversationID)
	select {
	case sem <- struct{}{}:
	case <-ls.superseded:
		return false
	case <-ctx.Done():
		c.logger.Warn("refresh after stream skipped", "conversation_id", conversationID, "error", ctx.Err())
		return true
	}
	defer func() { <-sem }()

	if err := c.refresh(ctx, conversationID); err != nil {
		c.logger.Warn("refresh after stream failed", "conversation_id", conversationID, "error", err)
	}
	return true
}

// cancelLive cancels the live stream of a conversation, if any, and waits
// until it has been unregistered. A caller holding the conversation lock
// passes supersede; it then reports whether the stream completed without
// reconciling, which leaves the refresh to the caller.
func (c *Coordinator) cancelLive(conversationID string, supersede bool) bool {
	c.mu.Lock()
	ls := c.live[conversationID]
	c.mu.Unlock()

	if ls == nil {
		return false
	}
	if supersede {
		ls.supersede()
	}
	ls.session.Cancel()
	<-ls.done
	c.logger.Debug("previous stream stopped", "conversation_id", conversationID, "session_id", ls.session.ID())
	return ls.unreconciled
}

// Cancel aborts the live stream of a conversation. It reports whether one
// was running.
func (c *Coordinator) Cancel(conversationID string) bool {
	c.mu.Lock()
	ls := c.live[conversationID]
	c.mu.Unlock()

	if ls == nil {
		return false
	}
	c.cancelLive(conversationID, false)
	return true
}

// LiveSession returns the running session of a conversation.
func (c *Coordinator) LiveSession(conversationID string) (*streaming.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ls, ok := c.live[conversationID]
	if !ok {
		return nil, false
	}
	return ls.session, true
}

// LiveCount returns the number of running streams across all conversations.
func (c *Coordinator) LiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// Open loads cached messages and then refreshes them from the server.
func (c *Coordinator) Open(ctx context.Context, conversationID string) error {
	if err := c.convs.Hydrate(ctx, conversationID); err != nil {
		c.logger.Warn("hydrating from cache failed", "conversation_id", conversationID, "error", err)
	}
	return c.Refresh(ctx, conversationID)
}

// Refresh lists the conversation's messages and confirms them.
func (c *Coordinator) Refresh(ctx context.Context, conversationID string) error {
	if c.isClosed() {
		return ErrClosed
	}

	release, err := c.lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer release()

	return c.refresh(ctx, conversationID)
}

func (c *Coordinator) refresh(ctx context.Context, conversationID string) error {
	raw, err := c.chat.ListMessages(ctx, conversationID)
	if err != nil {
		c.metrics.Reconcile("failed")
		return fmt.Errorf("listing messages: %w", err)
	}

	msgs := make([]conversation.Message, 0, len(raw))
	for _, m := range raw {
		msgs = append(msgs, fromAPI(conversationID, m))
	}
	c.convs.Confirm(ctx, conversationID, msgs)

	c.metrics.Reconcile("ok")
	c.publish(Update{Kind: UpdateMessages, ConversationID: conversationID})
	return nil
}

// Snapshot returns the reconciled messages of a conversation.
func (c *Coordinator) Snapshot(conversationID string) conversation.State {
	return c.convs.Snapshot(conversationID)
}

// Activity returns the trace of the most recent stream of a conversation.
// It is replaced when a new stream starts and dropped on Close.
func (c *Coordinator) Activity(conversationID string) (activity.Snapshot, bool) {
	c.mu.Lock()
	trace, ok := c.traces[conversationID]
	c.mu.Unlock()

	if !ok {
		return activity.Snapshot{}, false
	}
	return trace.Snapshot(), true
}

// Subscribe returns a channel of updates for a conversation. The channel is
// closed when ctx is done or the coordinator closes.
func (c *Coordinator) Subscribe(ctx context.Context, conversationID string) <-chan Update {
	ch, _ := c.updates.Subscribe(ctx, conversationID)
	return ch
}

// Close cancels every live session, waits for their loops to exit and drops
// all traces. Safe to call more than once.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	lives := make([]*liveStream, 0, len(c.live))
	for _, ls := range c.live {
		lives = append(lives, ls)
	}
	c.traces = make(map[string]*activity.Aggregator)
	c.mu.Unlock()

	// Closing the fan-out first releases watchers blocked on subscribers
	// that stopped reading
	c.updates.Close()
	for _, ls := range lives {
		ls.session.Cancel()
	}
	c.cancelBase()
	c.wg.Wait()

	c.mu.Lock()
	c.live = make(map[string]*liveStream)
	c.mu.Unlock()

	if c.guard != nil {
		c.guard.Close()
	}
	c.logger.Debug("coordinator closed", "cancelled_streams", len(lives))
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// semaphore returns the channel guarding a conversation's critical section.
func (c *Coordinator) semaphore(conversationID string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	sem, ok := c.locks[conversationID]
	if !ok {
		sem = make(chan struct{}, 1)
		c.locks[conversationID] = sem
	}
	return sem
}

// lock acquires the per-conversation critical section.
func (c *Coordinator) lock(ctx context.Context, conversationID string) (func(), error) {
	sem := c.semaphore(conversationID)
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// publish fans u out, dropping it for subscribers with a full buffer.
func (c *Coordinator) publish(u Update) {
	c.updates.Publish(u.ConversationID, u, "")
}

// deliver fans out an update that ends a stream. It waits for slow
// subscribers, so it runs only on session and watcher goroutines.
func (c *Coordinator) deliver(u Update) {
	c.updates.Deliver(u.ConversationID, u)
}

// createConversation creates a server conversation titled after text and
// records it in the local cache.
func (c *Coordinator) createConversation(ctx context.Context, text string) (*api.Conversation, error) {
	conv, err := c.chat.CreateConversation(ctx, titleFor(text))
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	if conv.ID == "" {
		return nil, fmt.Errorf("creating conversation: server returned no id")
	}

	c.logger.Info("conversation created", "conversation_id", conv.ID, "title", conv.Title)

	if c.cache != nil {
		row := &store.Conversation{
			ID:        conv.ID,
			Title:     conv.Title,
			CreatedAt: conv.CreatedAt.Time,
			UpdatedAt: conv.UpdatedAt.Time,
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = c.now()
		}
		if row.UpdatedAt.IsZero() {
			row.UpdatedAt = row.CreatedAt
		}
		if err := c.cache.SaveConversation(ctx, row); err != nil {
			c.logger.Warn("caching conversation failed", "conversation_id", conv.ID, "error", err)
		}
	}
	return conv, nil
}

// history returns the most recent turns of a conversation as stream context.
func (c *Coordinator) history(conversationID string) []streaming.Turn {
	msgs := c.convs.Snapshot(conversationID).Messages
	if len(msgs) > maxHistoryTurns {
		msgs = msgs[len(msgs)-maxHistoryTurns:]
	}

	turns := make([]streaming.Turn, 0, len(msgs))
	for _, m := range msgs {
		turns = append(turns, streaming.Turn{Role: string(m.Role), Content: m.Content})
	}
	return turns
}

// titleFor derives a conversation title from the first line of text.
func titleFor(text string) string {
	title := strings.TrimSpace(text)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "…"
}

// fromAPI converts a listed message, folding trace and analysis into metadata.
func fromAPI(conversationID string, m api.Message) conversation.Message {
	msg := conversation.Message{
		ID:             m.ID,
		Role:           conversation.Role(m.Role),
		Content:        m.Content,
		Timestamp:      m.Timestamp.Time,
		ConversationID: conversationID,
	}

	meta := make(map[string]any)
	for key, raw := range map[string]json.RawMessage{"agent_trace": m.AgentTrace, "analysis": m.Analysis} {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var v any
		if json.Unmarshal(raw, &v) == nil {
			meta[key] = v
		}
	}
	if len(meta) > 0 {
		msg.Metadata = meta
	}
	return msg
}
