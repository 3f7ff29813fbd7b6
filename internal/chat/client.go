// Package chat is the UI-facing client. It wires the cache store, the read
// receipt coalescer and the subscription manager to a backend.
package chat

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wppcache/internal/backend"
	"github.com/matheus3301/wppcache/internal/batch"
	"github.com/matheus3301/wppcache/internal/cache"
	"github.com/matheus3301/wppcache/internal/model"
	"github.com/matheus3301/wppcache/internal/status"
	"github.com/matheus3301/wppcache/internal/subscription"
	"go.uber.org/zap"
)

const defaultPreviewLen = 80

// Options configures a Client.
type Options struct {
	// UserID is the local user. It may not contain dots.
	UserID    string
	Retention cache.Retention
	// ReceiptBatchSize and ReceiptDebounce tune read receipt coalescing.
	ReceiptBatchSize int
	ReceiptDebounce  time.Duration
	PreviewLen       int
	Now              func() time.Time
}

// Client is safe for concurrent use.
type Client struct {
	backend  backend.Backend
	opts     Options
	store    *cache.Store
	subs     *subscription.Manager
	receipts *batch.Coalescer[string]
	logger   *zap.Logger

	// switchMu serializes SetActiveConversation. It is never held together
	// with mu.
	switchMu sync.Mutex

	// mu guards the fields below and is held across the store update that
	// goes with them.
	mu     sync.Mutex
	active string
	// pending holds messages the backend has not shown in a snapshot yet:
	// sends in flight, failed sends and sends acknowledged but not yet
	// echoed back.
	pending map[string]model.Message
	// reading holds ids marked read locally whose receipt is not written yet.
	reading map[string]bool
	closed  bool
	// conversationsLoaded and messagesLoaded record the first snapshot of the
	// conversation list and of the conversation whose id is stored.
	conversationsLoaded bool
	messagesLoaded      string
}

// New creates a client. Call Start to subscribe to the conversation list.
func New(b backend.Backend, opts Options, logger *zap.Logger) (*Client, error) {
	if opts.UserID == "" || strings.Contains(opts.UserID, ".") {
		return nil, fmt.Errorf("chat: invalid user id %q", opts.UserID)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retention.Now == nil {
		opts.Retention.Now = opts.Now
	}
	if opts.PreviewLen <= 0 {
		opts.PreviewLen = defaultPreviewLen
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("user_id", opts.UserID))

	c := &Client{
		backend: b,
		opts:    opts,
		logger:  logger,
		pending: make(map[string]model.Message),
		reading: make(map[string]bool),
	}
	c.store = cache.New(opts.Retention, logger.Named("cache"))
	c.subs = subscription.New(b, c.store, logger.Named("subscription"))
	c.receipts = batch.New(c.flushReceipts, batch.Options[string]{
		MaxBatchSize: opts.ReceiptBatchSize,
		Debounce:     opts.ReceiptDebounce,
		Retryable:    Retryable,
		Dedupe:       true,
		OnError:      c.receiptsFailed,
	}, logger.Named("receipts"))
	return c, nil
}

// Start subscribes to the conversations the user participates in.
func (c *Client) Start() error {
	topic := backend.ConversationsTopic(c.opts.UserID)
	if err := c.subs.Subscribe(topic, c.onConversations); err != nil {
		return remoteError("start", err)
	}
	c.logger.Info("chat client started")
	return nil
}

// Close flushes pending read receipts once and tears down every
// subscription.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.receipts.Close(ctx)
	c.subs.TeardownAll()
	c.logger.Info("chat client closed")
	if err != nil {
		return remoteError("close", err)
	}
	return nil
}

// UserID returns the local user id.
func (c *Client) UserID() string {
	return c.opts.UserID
}

// Conversations returns the cached conversations, most recent first.
func (c *Client) Conversations() []model.Conversation {
	return c.store.Conversations()
}

// Conversation returns one cached conversation.
func (c *Client) Conversation(id string) (model.Conversation, bool) {
	return c.store.Conversation(id)
}

// Messages returns the cached messages of the active conversation in
// timestamp order.
func (c *Client) Messages() []model.Message {
	active := c.Active()
	if active == "" {
		return nil
	}
	return c.store.Messages(active)
}

// Window returns up to limit of the newest messages of the active
// conversation older than before.
func (c *Client) Window(before time.Time, limit int) []model.Message {
	active := c.Active()
	if active == "" {
		return nil
	}
	return c.store.Window(active, before, limit)
}

// Message returns one cached message.
func (c *Client) Message(id string) (model.Message, bool) {
	return c.store.Message(id)
}

// Active returns the active conversation id.
func (c *Client) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Err returns the last subscription error.
func (c *Client) Err() error {
	return c.store.Err()
}

// ClearErr empties the error slot, typically before a retry.
func (c *Client) ClearErr() {
	c.store.SetError(nil)
}

// Changes signals after any cached state changed.
func (c *Client) Changes() <-chan struct{} {
	return c.store.Changes()
}

// PendingReceipts returns the number of read receipts not yet written.
func (c *Client) PendingReceipts() int {
	return c.receipts.Pending()
}

// SetActiveConversation replaces the message subscription with one for id.
// An empty id tears the current one down without replacing it.
func (c *Client) SetActiveConversation(id string) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return newError(Validation, "set active conversation", ErrClosed)
	}
	prev := c.active
	c.mu.Unlock()

	if prev == id && (id == "" || c.subs.Active(backend.MessagesTopic(id))) {
		return nil
	}
	if prev != "" {
		c.subs.Unsubscribe(backend.MessagesTopic(prev))
	}

	c.mu.Lock()
	c.active = id
	for pid, m := range c.pending {
		if m.ConversationID == prev && m.Status != status.Failed && m.Status != status.Sending {
			delete(c.pending, pid)
		}
	}
	c.store.SetActive(id)
	c.mu.Unlock()

	if id == "" {
		c.logger.Debug("active conversation cleared", zap.String("previous", prev))
		return nil
	}
	if err := c.subs.Subscribe(backend.MessagesTopic(id), c.onMessages(id)); err != nil {
		return remoteError("set active conversation", err)
	}
	c.logger.Debug("active conversation changed", zap.String("previous", prev), zap.String("conversation_id", id))
	return nil
}

func (c *Client) onConversations(records []backend.Record) {
	list := make([]model.Conversation, 0, len(records))
	for _, r := range records {
		conv, err := model.ConversationFromRecord(r)
		if err != nil {
			c.logger.Warn("skipping undecodable conversation", zap.Error(err))
			continue
		}
		list = append(list, conv)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversationsLoaded = true
	c.store.ReplaceConversations(list)
}

func (c *Client) onMessages(conversationID string) func([]backend.Record) {
	return func(records []backend.Record) {
		list := make([]model.Message, 0, len(records))
		seen := make(map[string]bool, len(records))
		for _, r := range records {
			m, err := model.MessageFromRecord(r)
			if err != nil {
				c.logger.Warn("skipping undecodable message", zap.Error(err))
				continue
			}
			list = append(list, m)
			seen[m.ID] = true
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.active != conversationID {
			return
		}
		for i, m := range list {
			if c.reading[m.ID] && status.CanTransition(m.Status, status.Read) {
				list[i].Status = status.Read
			}
		}
		for id, m := range c.pending {
			if m.ConversationID != conversationID {
				continue
			}
			if seen[id] {
				delete(c.pending, id)
				continue
			}
			list = append(list, m)
		}
		c.messagesLoaded = conversationID
		c.store.ReplaceMessages(list)
	}
}

// Loaded reports whether the conversation list and the active
// conversation's messages have received their first snapshot.
func (c *Client) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationsLoaded && (c.active == "" || c.messagesLoaded == c.active)
}

// WaitLoaded blocks until Loaded, a subscription error or ctx ends. It
// consumes Changes signals while waiting.
func (c *Client) WaitLoaded(ctx context.Context) error {
	for {
		if err := c.Err(); err != nil {
			return err
		}
		if c.Loaded() {
			return nil
		}
		select {
		case <-c.Changes():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendMessage adds an optimistic "sending" message to the active
// conversation and writes it. On failure the message stays visible as
// "failed" and the returned error carries the cause.
func (c *Client) SendMessage(ctx context.Context, content string, typ model.MessageType) (model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return model.Message{}, newError(Validation, "send", ErrEmptyContent)
	}
	if !typ.Valid() {
		return model.Message{}, newError(Validation, "send", fmt.Errorf("%w: %q", ErrUnknownType, typ))
	}
	m, err := c.stage(content, typ)
	if err != nil {
		return model.Message{}, newError(Validation, "send", err)
	}
	return c.deliver(ctx, "send", m)
}

// SendAttachment uploads data and sends a message referencing it.
func (c *Client) SendAttachment(ctx context.Context, typ model.MessageType, name string, data []byte, onProgress func(sent, total int64)) (model.Message, error) {
	if !typ.Attachment() {
		return model.Message{}, newError(Validation, "send attachment", fmt.Errorf("%w: %q is not an attachment type", ErrUnknownType, typ))
	}
	if len(data) == 0 {
		return model.Message{}, newError(Validation, "send attachment", ErrEmptyAttachment)
	}
	active := c.Active()
	if active == "" {
		return model.Message{}, newError(Validation, "send attachment", ErrNoActiveConversation)
	}

	blobPath := path.Join(active, uuid.NewString(), filepath.Base(name))
	ref, err := c.backend.UploadBlob(ctx, blobPath, data, onProgress)
	if err != nil {
		return model.Message{}, remoteError("upload", err)
	}
	c.logger.Info("attachment uploaded", zap.String("path", blobPath), zap.Int("bytes", len(data)))

	m, err := c.stage(ref, typ)
	if err != nil {
		return model.Message{}, newError(Validation, "send attachment", err)
	}
	return c.deliver(ctx, "send attachment", m)
}

// Retry re-sends a failed message under the same id.
func (c *Client) Retry(ctx context.Context, id string) (model.Message, error) {
	c.mu.Lock()
	m, ok := c.pending[id]
	if !ok || m.Status != status.Failed {
		c.mu.Unlock()
		return model.Message{}, newError(NotFound, "retry", fmt.Errorf("no failed message %q", id))
	}
	m.Status = status.Sending
	c.pending[id] = m
	c.store.UpsertMessage(m)
	c.mu.Unlock()
	return c.deliver(ctx, "retry", m)
}

// stage builds a message in the active conversation and upserts it as
// "sending".
func (c *Client) stage(content string, typ model.MessageType) (model.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return model.Message{}, ErrClosed
	}
	if c.active == "" {
		return model.Message{}, ErrNoActiveConversation
	}
	m := model.Message{
		ID:             uuid.NewString(),
		ConversationID: c.active,
		SenderID:       c.opts.UserID,
		Timestamp:      c.opts.Now().UTC(),
		Content:        content,
		Type:           typ,
		Status:         status.Sending,
	}
	c.pending[m.ID] = m
	c.store.UpsertMessage(m)
	return m, nil
}

func (c *Client) deliver(ctx context.Context, op string, m model.Message) (model.Message, error) {
	sent := m
	sent.Status = status.Sent
	fields, err := model.MessageFields(sent)
	if err != nil {
		return c.fail(op, m, newError(Validation, op, err))
	}
	if _, err := c.backend.WriteRecord(ctx, backend.Messages, m.ID, fields); err != nil {
		return c.fail(op, m, remoteError(op, err))
	}

	c.mu.Lock()
	if _, ok := c.pending[m.ID]; ok {
		c.pending[m.ID] = sent
	}
	c.store.PatchMessage(m.ID, model.StatusPatch(status.Sent))
	c.mu.Unlock()

	c.logger.Debug("message sent", zap.String("msg_id", m.ID), zap.String("conversation_id", m.ConversationID))
	c.touchConversation(ctx, sent)
	return sent, nil
}

func (c *Client) fail(op string, m model.Message, err *Error) (model.Message, error) {
	failed := m
	failed.Status = status.Failed

	c.mu.Lock()
	c.pending[m.ID] = failed
	c.store.UpsertMessage(failed)
	c.mu.Unlock()

	c.logger.Warn("message send failed", zap.String("op", op), zap.String("msg_id", m.ID), zap.Stringer("kind", err.Kind), zap.Error(err.Err))
	return failed, err
}

// touchConversation updates the denormalized preview of a known
// conversation. Failures are logged and otherwise ignored.
func (c *Client) touchConversation(ctx context.Context, m model.Message) {
	if _, ok := c.store.Conversation(m.ConversationID); !ok {
		return
	}
	_, err := c.backend.WriteRecord(ctx, backend.Conversations, m.ConversationID, backend.Fields{
		"last_message":    model.Preview(m, c.opts.PreviewLen),
		"last_message_at": m.Timestamp,
	})
	if err != nil {
		c.logger.Warn("failed to update conversation preview", zap.String("conversation_id", m.ConversationID), zap.Error(err))
	}
}

// MarkRead marks a received message read locally and queues the receipt.
// Own messages and messages already read are left alone.
func (c *Client) MarkRead(id string) error {
	m, ok := c.store.Message(id)
	if !ok {
		return newError(NotFound, "mark read", fmt.Errorf("message %q", id))
	}
	if m.SenderID == c.opts.UserID || m.Status == status.Read {
		return nil
	}
	// The overlay goes in before the receipt is queued so a flush cannot
	// finish ahead of it and leave a stale entry behind.
	c.mu.Lock()
	c.reading[id] = true
	c.store.PatchMessage(id, model.StatusPatch(status.Read))
	c.mu.Unlock()

	if err := c.receipts.Enqueue(id); err != nil {
		c.mu.Lock()
		delete(c.reading, id)
		if cur, ok := c.store.Message(id); ok && cur.Status == status.Read {
			cur.Status = m.Status
			c.store.UpsertMessage(cur)
		}
		c.mu.Unlock()
		return newError(Validation, "mark read", ErrClosed)
	}
	return nil
}

// MarkConversationRead marks every unread received message of the active
// conversation read and resets its unread counter.
func (c *Client) MarkConversationRead(ctx context.Context) error {
	active := c.Active()
	if active == "" {
		return newError(Validation, "mark conversation read", ErrNoActiveConversation)
	}
	for _, m := range c.store.Messages(active) {
		if m.SenderID == c.opts.UserID || m.Status == status.Read {
			continue
		}
		if err := c.MarkRead(m.ID); err != nil {
			return err
		}
	}
	if conv, ok := c.store.Conversation(active); ok && conv.UnreadCount > 0 {
		if _, err := c.backend.WriteRecord(ctx, backend.Conversations, active, backend.Fields{"unread_count": 0}); err != nil {
			return remoteError("mark conversation read", err)
		}
	}
	return nil
}

func (c *Client) flushReceipts(ctx context.Context, ids []string) error {
	writes := make([]backend.Write, len(ids))
	for i, id := range ids {
		writes[i] = backend.Write{ID: id, Fields: backend.Fields{"status": string(status.Read)}}
	}
	if err := c.backend.WriteBatch(ctx, backend.Messages, writes); err != nil {
		return err
	}
	c.forgetReading(ids)
	return nil
}

// receiptsFailed drops the local overlay of a batch that will not be
// retried. The next snapshot shows the backend's status again.
func (c *Client) receiptsFailed(ids []string, err error) {
	if !Retryable(err) {
		c.forgetReading(ids)
	}
}

func (c *Client) forgetReading(ids []string) {
	c.mu.Lock()
	for _, id := range ids {
		delete(c.reading, id)
	}
	c.mu.Unlock()
}

// owned returns a sent message of the local user.
func (c *Client) owned(op, id string) (model.Message, error) {
	m, ok := c.store.Message(id)
	if !ok {
		return model.Message{}, newError(NotFound, op, fmt.Errorf("message %q", id))
	}
	if m.SenderID != c.opts.UserID {
		return model.Message{}, newError(Permission, op, ErrNotOwner)
	}
	if c.localOnly(id) {
		return model.Message{}, newError(Validation, op, ErrNotSent)
	}
	return m, nil
}

// sentMessage returns a message that exists on the backend.
func (c *Client) sentMessage(op, id string) (model.Message, error) {
	m, ok := c.store.Message(id)
	if !ok {
		return model.Message{}, newError(NotFound, op, fmt.Errorf("message %q", id))
	}
	if c.localOnly(id) {
		return model.Message{}, newError(Validation, op, ErrNotSent)
	}
	return m, nil
}

// localOnly reports whether id is a send the backend has not acknowledged.
func (c *Client) localOnly(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.pending[id]
	return ok && (m.Status == status.Sending || m.Status == status.Failed)
}

// EditMessage replaces the content of one of the user's messages.
func (c *Client) EditMessage(ctx context.Context, id, content string) error {
	if strings.TrimSpace(content) == "" {
		return newError(Validation, "edit", ErrEmptyContent)
	}
	m, err := c.owned("edit", id)
	if err != nil {
		return err
	}
	if m.Deleted() {
		return newError(Validation, "edit", ErrDeleted)
	}
	if m.Type.Attachment() {
		return newError(Validation, "edit", fmt.Errorf("%w: %s messages cannot be edited", ErrUnknownType, m.Type))
	}

	now := c.opts.Now().UTC()
	if _, err := c.backend.WriteRecord(ctx, backend.Messages, id, backend.Fields{
		"content":   content,
		"edited_at": now,
	}); err != nil {
		return remoteError("edit", err)
	}
	c.store.PatchMessage(id, model.MessagePatch{Content: &content, EditedAt: &now})
	return nil
}

// DeleteMessage soft-deletes one of the user's messages. A failed send that
// never reached the backend is removed locally.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	c.mu.Lock()
	if m, ok := c.pending[id]; ok && m.Status == status.Failed {
		delete(c.pending, id)
		c.store.RemoveMessage(id)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	m, err := c.owned("delete", id)
	if err != nil {
		return err
	}
	if m.Deleted() {
		return nil
	}

	now := c.opts.Now().UTC()
	if _, err := c.backend.WriteRecord(ctx, backend.Messages, id, backend.Fields{"deleted_at": now}); err != nil {
		return remoteError("delete", err)
	}
	c.store.PatchMessage(id, model.MessagePatch{DeletedAt: &now})
	return nil
}

// ReactToMessage sets the user's reaction on a message. An empty reaction
// removes it.
func (c *Client) ReactToMessage(ctx context.Context, id, reaction string) error {
	m, err := c.sentMessage("react", id)
	if err != nil {
		return err
	}
	if m.Deleted() {
		return newError(Validation, "react", ErrDeleted)
	}

	var value any
	if reaction != "" {
		value = reaction
	}
	if _, err := c.backend.WriteRecord(ctx, backend.Messages, id, backend.Fields{
		"reactions." + c.opts.UserID: value,
	}); err != nil {
		return remoteError("react", err)
	}
	c.store.PatchMessage(id, model.MessagePatch{Reactions: map[string]string{c.opts.UserID: reaction}})
	return nil
}

// PinMessage pins or unpins a message in its conversation.
func (c *Client) PinMessage(ctx context.Context, id string, pinned bool) error {
	m, err := c.sentMessage("pin", id)
	if err != nil {
		return err
	}
	if m.Deleted() {
		return newError(Validation, "pin", ErrDeleted)
	}

	now := c.opts.Now().UTC()
	var value any
	patch := model.MessagePatch{Unpin: true}
	if pinned {
		value = now
		patch = model.MessagePatch{PinnedAt: &now}
	}
	if _, err := c.backend.WriteRecord(ctx, backend.Messages, id, backend.Fields{"pinned_at": value}); err != nil {
		return remoteError("pin", err)
	}
	c.store.PatchMessage(id, patch)
	return nil
}

// StartConversation opens a conversation with peers. A single peer gives the
// private conversation, whose id is derived from both user ids, so starting
// it twice returns the existing one. More peers create a new group.
func (c *Client) StartConversation(ctx context.Context, peers ...string) (model.Conversation, error) {
	members := map[string]bool{c.opts.UserID: true}
	var others []string
	for _, p := range peers {
		p = strings.TrimSpace(p)
		if p == "" || p == c.opts.UserID || members[p] {
			continue
		}
		if strings.Contains(p, ".") {
			return model.Conversation{}, newError(Validation, "start conversation", fmt.Errorf("invalid user id %q", p))
		}
		members[p] = true
		others = append(others, p)
	}
	if len(others) == 0 {
		return model.Conversation{}, newError(Validation, "start conversation", ErrNoPeers)
	}

	conv := model.Conversation{
		Kind:          model.Group,
		Participants:  members,
		LastMessageAt: c.opts.Now().UTC(),
	}
	if len(others) == 1 {
		conv.Kind = model.Private
		conv.ID = model.PrivateConversationID(c.opts.UserID, others[0])

		existing, err := c.backend.QueryOnce(ctx, backend.Conversations, backend.Where("id", backend.OpEq, conv.ID))
		if err != nil {
			return model.Conversation{}, remoteError("start conversation", err)
		}
		if len(existing) > 0 {
			found, err := model.ConversationFromRecord(existing[0])
			if err != nil {
				return model.Conversation{}, newError(Validation, "start conversation", err)
			}
			return found, nil
		}
	} else {
		conv.ID = uuid.NewString()
		slices.Sort(others)
		conv.Name = strings.Join(others, ", ")
	}

	fields, err := model.ConversationFields(conv)
	if err != nil {
		return model.Conversation{}, newError(Validation, "start conversation", err)
	}
	if _, err := c.backend.WriteRecord(ctx, backend.Conversations, conv.ID, fields); err != nil {
		return model.Conversation{}, remoteError("start conversation", err)
	}
	c.logger.Info("conversation started", zap.String("conversation_id", conv.ID), zap.String("kind", string(conv.Kind)))
	return conv, nil
}

// Search returns non-deleted messages containing text, ignoring case, in
// conversationID or, when empty, in any cached conversation. Results are in
// timestamp order.
func (c *Client) Search(ctx context.Context, conversationID, text string) ([]model.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, newError(Validation, "search", ErrEmptyContent)
	}
	filter := backend.Where("content", backend.OpContains, text)
	if conversationID != "" {
		filter = filter.And("conversation_id", backend.OpEq, conversationID)
	}
	records, err := c.backend.QueryOnce(ctx, backend.Messages, filter)
	if err != nil {
		return nil, remoteError("search", err)
	}

	var out []model.Message
	for _, r := range records {
		m, err := model.MessageFromRecord(r)
		if err != nil {
			c.logger.Warn("skipping undecodable message", zap.Error(err))
			continue
		}
		if m.Deleted() || m.Type.Attachment() {
			continue
		}
		if conversationID == "" {
			if _, ok := c.store.Conversation(m.ConversationID); !ok {
				continue
			}
		}
		out = append(out, m)
	}
	slices.SortStableFunc(out, func(a, b model.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}
