package chat

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wppcache/internal/backend"
	"github.com/matheus3301/wppcache/internal/backend/memory"
	"github.com/matheus3301/wppcache/internal/cache"
	"github.com/matheus3301/wppcache/internal/model"
	"github.com/matheus3301/wppcache/internal/status"
)

// recordingBackend records WriteBatch calls and can hold message writes
// until gate is closed.
type recordingBackend struct {
	*memory.Backend
	gate chan struct{}

	mu      sync.Mutex
	batches [][]string
}

func (r *recordingBackend) WriteRecord(ctx context.Context, collection, id string, fields backend.Fields) (string, error) {
	if r.gate != nil && collection == backend.Messages {
		<-r.gate
	}
	return r.Backend.WriteRecord(ctx, collection, id, fields)
}

func (r *recordingBackend) WriteBatch(ctx context.Context, collection string, writes []backend.Write) error {
	ids := make([]string, len(writes))
	for i, w := range writes {
		ids[i] = w.ID
	}
	r.mu.Lock()
	r.batches = append(r.batches, ids)
	r.mu.Unlock()
	return r.Backend.WriteBatch(ctx, collection, writes)
}

func (r *recordingBackend) recorded() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.batches)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func seedConversation(t *testing.T, b backend.Backend, id string, members ...string) {
	t.Helper()
	participants := make(map[string]bool)
	for _, m := range members {
		participants[m] = true
	}
	fields, err := model.ConversationFields(model.Conversation{Kind: model.Private, Participants: participants, LastMessageAt: time.Now().UTC()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.WriteRecord(context.Background(), backend.Conversations, id, fields); err != nil {
		t.Fatal(err)
	}
}

func seedMessage(t *testing.T, b backend.Backend, m model.Message) {
	t.Helper()
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if m.Type == "" {
		m.Type = model.Text
	}
	if m.Status == "" {
		m.Status = status.Sent
	}
	fields, err := model.MessageFields(m)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.WriteRecord(context.Background(), backend.Messages, m.ID, fields); err != nil {
		t.Fatal(err)
	}
}

func newClient(t *testing.T, b backend.Backend, opts Options) *Client {
	t.Helper()
	if opts.UserID == "" {
		opts.UserID = "alice"
	}
	c, err := New(b, opts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func cacheRetention(capacity int) cache.Retention {
	return cache.Retention{Capacity: capacity, TTL: 48 * time.Hour}
}

// openConversation starts the client on c1, which the test has seeded, and
// waits for the conversation list and n messages.
func openConversation(t *testing.T, c *Client, n int) {
	t.Helper()
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "conversation list", func() bool { _, ok := c.Conversation("c1"); return ok })
	if err := c.SetActiveConversation("c1"); err != nil {
		t.Fatalf("SetActiveConversation: %v", err)
	}
	eventually(t, "initial messages", func() bool { return len(c.Messages()) == n })
}

func TestNewRejectsBadUserID(t *testing.T) {
	for _, id := range []string{"", "a.b"} {
		if _, err := New(memory.New(nil), Options{UserID: id}, nil); err == nil {
			t.Errorf("New(%q) succeeded", id)
		}
	}
}

func TestSendRoundTrip(t *testing.T) {
	mem := memory.New(nil)
	seedConversation(t, mem, "c1", "alice", "bob")
	rb := &recordingBackend{Backend: mem, gate: make(chan struct{})}
	c := newClient(t, rb, Options{})
	openConversation(t, c, 0)

	type result struct {
		m   model.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := c.SendMessage(context.Background(), "hello", model.Text)
		done <- result{m, err}
	}()

	eventually(t, "optimistic message", func() bool { return len(c.Messages()) == 1 })
	local := c.Messages()[0]
	if local.Status != status.Sending {
		t.Errorf("optimistic status = %s, want sending", local.Status)
	}
	if local.Content != "hello" || local.SenderID != "alice" || local.ConversationID != "c1" {
		t.Errorf("optimistic message = %+v", local)
	}

	close(rb.gate)
	res := <-done
	if res.err != nil {
		t.Fatalf("SendMessage: %v", res.err)
	}
	if res.m.ID != local.ID || res.m.Status != status.Sent {
		t.Errorf("result = %+v", res.m)
	}

	eventually(t, "snapshot reconciliation", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.pending) == 0
	})
	msgs := c.Messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1 (no duplicate)", len(msgs))
	}
	if msgs[0].ID != local.ID || msgs[0].Status != status.Sent {
		t.Errorf("reconciled = %+v", msgs[0])
	}
	if ids := c.store.MessageIDs(); len(ids) != 1 {
		t.Errorf("store ids = %v", ids)
	}

	rec, ok := mem.Get(backend.Messages, local.ID)
	if !ok || rec.Fields["status"] != "sent" {
		t.Errorf("backend record = %+v", rec)
	}
	eventually(t, "conversation preview", func() bool {
		conv, _ := mem.Get(backend.Conversations, "c1")
		return conv.Fields["last_message"] == "hello"
	})
}

func TestFailedSendStaysVisible(t *testing.T) {
	mem := memory.New(nil)
	seedConversation(t, mem, "c1", "alice", "bob")
	c := newClient(t, mem, Options{})
	openConversation(t, c, 0)

	mem.FailNext(memory.MethodWriteRecord, backend.ErrUnavailable)
	m, err := c.SendMessage(context.Background(), "hello", model.Text)
	if KindOf(err) != Transient {
		t.Fatalf("err = %v, want transient", err)
	}
	if m.Status != status.Failed {
		t.Errorf("returned status = %s", m.Status)
	}

	// A later snapshot without the message keeps it visible.
	seedMessage(t, mem, model.Message{ID: "b1", ConversationID: "c1", SenderID: "bob", Content: "hi"})
	eventually(t, "incoming message", func() bool { return len(c.Messages()) == 2 })
	got, ok := c.Message(m.ID)
	if !ok || got.Status != status.Failed {
		t.Fatalf("failed message after snapshot = %+v, %v", got, ok)
	}

	sent, err := c.Retry(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if sent.ID != m.ID || sent.Status != status.Sent {
		t.Errorf("retried = %+v", sent)
	}
	if _, err := c.Retry(context.Background(), m.ID); KindOf(err) != NotFound {
		t.Errorf("second Retry err = %v", err)
	}
}

func TestSendPermissionError(t *testing.T) {
	mem := memory.New(nil)
	seedConversation(t, mem, "c1", "alice", "bob")
	c := newClient(t, mem, Options{})
	openConversation(t, c, 0)

	mem.FailNext(memory.MethodWriteRecord, backend.ErrPermission)
	_, err := c.SendMessage(context.Background(), "hello", model.Text)
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != Permission || ce.Op != "send" {
		t.Errorf("err = %#v", err)
	}
}

func TestSendValidation(t *testing.T) {
	mem := memory.New(nil)
	c := newClient(t, mem, Options{})

	if _, err := c.SendMessage(context.Background(), "hi", model.Text); !errors.Is(err, ErrNoActiveConversation) {
		t.Errorf("no active conversation err = %v", err)
	}
	seedConversation(t, mem, "c1", "alice", "bob")
	openConversation(t, c, 0)

	tests := []struct {
		name    string
		content string
		typ     model.MessageType
		want    error
	}{
		{"empty", "", model.Text, ErrEmptyContent},
		{"blank", "  \n", model.Text, ErrEmptyContent},
		{"unknown type", "hi", "sticker", ErrUnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.SendMessage(context.Background(), tt.content, tt.typ)
			if KindOf(err) != Validation || !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want validation %v", err, tt.want)
			}
		})
	}
	if n := mem.Calls(memory.MethodWriteRecord); n != 1 {
		t.Errorf("backend writes = %d, want only the seed", n)
	}
	if len(c.Messages()) != 0 {
		t.Error("rejected send left a message")
	}
}

func TestReadBatching(t *testing.T) {
	mem := memory.New(nil)
	seedConversation(t, mem, "c1", "alice", "bob")
	for _, id := range []string{"a", "b", "c"} {
		seedMessage(t, mem, model.Message{ID: id, ConversationID: "c1", SenderID: "bob", Content: id})
	}
	rb := &recordingBackend{Backend: mem}
	c := newClient(t, rb, Options{ReceiptBatchSize: 5, ReceiptDebounce: 500 * time.Millisecond})
	openConversation(t, c, 3)

	start := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		if err := c.MarkRead(id); err != nil {
			t.Fatalf("MarkRead(%s): %v", id, err)
		}
		if m, _ := c.Message(id); m.Status != status.Read {
			t.Errorf("%s local status = %s, want read", id, m.Status)
		}
	}
	if got := rb.recorded(); len(got) != 0 {
		t.Fatalf("flushed before the debounce: %v", got)
	}

	eventually(t, "receipt flush", func() bool { return len(rb.recorded()) > 0 })
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("flushed after %v, before the debounce", elapsed)
	}
	got := rb.recorded()
	if len(got) != 1 || !slices.Equal(got[0], []string{"a", "b", "c"}) {
		t.Errorf("batches = %v, want one [a b c]", got)
	}
	for _, id := range []string{"a", "b", "c"} {
		if rec, _ := mem.Get(backend.Messages, id); rec.Fields["status"] != "read" {
			t.Errorf("backend %s status = %v", id, rec.Fields["status"])
		}
	}
}

func TestMarkReadKeepsReadAcrossSnapshots(t *testing.T) {
	mem := memory.New(nil)
	seedConversation(t, mem, "c1", "alice", "bob")
	seedMessage(t, mem, model.Message{ID: "a", ConversationID: "c1", SenderID: "bob"})
	c := newClient(t, mem, Options{ReceiptDebounce: time.Hour})
	openConversation(t, c, 1)

	c.MarkRead("a")
	seedMessage(t, mem, model.Message{ID: "b", ConversationID: "c1", SenderID: "bob"})
	eventually(t, "second message", func() bool { return len(c.Messages()) == 2 })
	if m, _ := c.Message("a"); m.Status != status.Read {
		t.Errorf("status after snapshot = %s, want read", m.Status)
	}
}

func TestMarkReadIgnoresOwnAndUnknown(t *testing.T) {
	mem := memory.New(nil)
	seedConversation(t, mem, "c1", "alice", "bob")
	seedMessage(t, mem, model.Message{ID: "mine", ConversationID: "c1", SenderID: "alice"})
	c := newClient(t, mem, Options{})
	openConversation(t, c, 1)

	if err := c.MarkRead("mine"); err != nil {
		t.Errorf("MarkRead(own): %v", err)
	}
	if c.PendingReceipts() != 0 {
		t.Error("own message queued a receipt")
	}
	if err := c.MarkRead("ghost"); KindOf(err) != NotFound {
		t.Errorf("MarkRead(ghost) err = %v", err)
	}
}

func TestCloseFlushesReceipts(t *testing.T) {
	mem := memory.New(nil)
	seedConversation(t, mem, "c1", "alice", "bob")
	seedMessage(t, mem, model.Message{ID: "a", ConversationID: "c1", SenderID: "bob"})
	c, err := New(mem, Options{UserID: "alice", ReceiptDebounce: time.Hour}, nil)
	if err != nil {
		t.Fatal(err)
	}
	openConversation(t, c, 1)

	c.MarkRead("a")
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rec, _ := mem.Get(backend.Messages, "a"); rec.Fields["status"] != "read" {
		t.Errorf("status after Close = %v", rec.Fields["status"])
	}
	if err := c.MarkRead("a"); err != nil {
		t.Errorf("MarkRead of an already read message after Close: %v", err)
	}
	if _, err := c.SendMessage(context.Background(), "late", model.Text); !errors.Is(err, ErrClosed) {
		t.Errorf("send after Close err = %v", err)
	}
}

func TestMarkReadAfterCloseLeavesNoOverlay(t *testing.T) {
	mem := memory.New(nil)
	seedConversation(t, mem, "c1", "alice", "bob")
	seedMessage(t, mem, model.Message{ID: "a", ConversationID: "c1", SenderID: "bob"})
	c := newClient(t, mem, Options{ReceiptDebounce: time.Hour})
	openConversation(t, c, 1)
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := c.MarkRead("a"); !errors.Is(err, ErrClosed) {
		t.Fatalf("MarkRead after Close err = %v, want ErrClosed", err)
	}
	if m, _ := c.Message("a"); m.Status != status.Sent {
		t.Errorf("local status = %s, want sent", m.Status)
	}
	c.mu.Lock()
	overlaid := c.reading["a"]
	c.mu.Unlock()
	if overlaid {
		t.Error("refused receipt left a read overlay")
	}
	if rec, _ := mem.Get(backend.Messages, "a"); rec.Fields["status"] != "sent" {
		t.Errorf("backend status = %v, want sent", rec.Fields["status"])
	}
}

func TestMarkConversationRead(t *testing.T) {
	mem := memory.New(nil)
	seedConversation(t, mem, "c1", "alice", "bob")
	mem.WriteRecord(context.Background(), backend.Conversations, "c1", backend.Fields{"unread_count": 2})
	seedMessage(t, mem, model.Message{ID: "a", ConversationID: "c1", SenderID: "bob"})
	seedMessage(t, mem, model.Message{ID: "b", ConversationID: "c1", SenderID: "bob"})
	c := newClient(t, mem, Options{ReceiptDebounce: time.Hour})
	openConversation(t, c, 2)

	if err := c.MarkConversationRead(context.Background()); err != nil {
		t.Fatalf("MarkConversationRead: %v", err)
	}
	if n := c.PendingReceipts(); n != 2 {
		t.Errorf("pending receipts = %d, want 2", n)
	}
	if conv, _ := mem.Get(backend.Conversations, "c1"); conv.Fields["unread_count"] != float64(0) {
		t.Errorf("unread_count = %v", conv.Fields["unread_count"])
	}
}

func TestEditMessage(t *testing.T) {
	mem := memory.New(nil)
	seedConversation(t, mem, "c1", "alice", "bob")
	seedMessage(t, mem, model.Message{ID: "mine", ConversationID: "c1", SenderID: "alice", Content: "helo"})
	seedMessage(t, mem, model.Message{ID: "theirs", ConversationID: "c1", SenderID: "bob", Content: "hi"})
	c := newClient(t, mem, Options{})
	openConversation(t, c, 2)
	ctx := context.Background()

	if err := c.EditMessage(ctx, "mine", "hello"); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	m, _ := c.Message("mine")
	if m.Content != "hello" || m.EditedAt == nil {
		t.Errorf("edited = %+v", m)
	}
	if rec, _ := mem.Get(backend.Messages, "mine"); rec.Fields["content"] != "hello" {
		t.Errorf("backend content = %v", rec.Fields["content"])
	}

	if err := c.EditMessage(ctx, "theirs", "x"); KindOf(err) != Permission {
		t.Errorf("edit other's message err = %v", err)
	}
	if err := c.EditMessage(ctx, "ghost", "x"); KindOf(err) != NotFound {
		t.Errorf("edit absent err = %v", err)
	}
	if err := c.EditMessage(ctx, "mine", ""); KindOf(err) != Validation {
		t.Errorf("edit empty err = %v", err)
	}
}

func TestDeleteMessage(t *testing.T) {
	mem := memory.New(nil)
	seedConversation(t, mem, "c1", "alice", "bob")
	seedMessage(t, mem, model.Message{ID: "mine", ConversationID: "c1", SenderID: "alice"})
	c := newClient(t, mem, Options{})
	openConversation(t, c, 1)
	ctx := context.Background()

	if err := c.DeleteMessage(ctx, "nonexistent"); KindOf(err) != NotFound {
		t.Errorf("delete nonexistent err = %v, want not found", err)
	}

	if err := c.DeleteMessage(ctx, "mine"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if m, _ := c.Message("mine"); !m.Deleted() {
		t.Error("message not soft-deleted locally")
	}
	if rec, _ := mem.Get(backend.Messages, "mine"); rec.Fields["deleted_at"] == nil {
		t.Error("deleted_at not written")
	}
	if err := c.EditMessage(ctx, "mine", "x"); !errors.Is(err, ErrDeleted) {
		t.Errorf("edit deleted err = %v", err)
	}

	mem.FailNext(memory.MethodWriteRecord, backend.ErrUnavailable)
	failed, _ := c.SendMessage(ctx, "oops", model.Text)
	if err := c.DeleteMessage(ctx, failed.ID); err != nil {
		t.Fatalf("delete failed send: %v", err)
	}
	if _, ok := c.Message(failed.ID); ok {
		t.Error("failed send still cached after delete")
	}
}

func TestReactToMessage(t *testing.T) {
	mem := memory.New(nil)
	seedConversation(t, mem, "c1", "alice", "bob")
	seedMessage(t, mem, model.Message{ID: "m", ConversationID: "c1", SenderID: "bob", Reactions: map[string]string{"bob": "😂"}})
	c := newClient(t, mem, Options{})
	openConversation(t, c, 1)
	ctx := context.Background()

	if err := c.ReactToMessage(ctx, "m", "👍"); err != nil {
		t.Fatalf("ReactToMessage: %v", err)
	}
	m, _ := c.Message("m")
	if m.Reactions["alice"] != "👍" || m.Reactions["bob"] != "😂" {
		t.Errorf("reactions = %v", m.Reactions)
	}
	if err := c.ReactToMessage(ctx, "m", "❤"); err != nil {
		t.Fatal(err)
	}
	if m, _ := c.Message("m"); m.Reactions["alice"] != "❤" {
		t.Errorf("last write should win: %v", m.Reactions)
	}

	if err := c.ReactToMessage(ctx, "m", ""); err != nil {
		t.Fatal(err)
	}
	m, _ = c.Message("m")
	if _, ok := m.Reactions["alice"]; ok {
		t.Errorf("reaction not removed: %v", m.Reactions)
	}
	rec, _ := mem.Get(backend.Messages, "m")
	reactions := rec.Fields["reactions"].(map[string]any)
	if _, ok := reactions["alice"]; ok || reactions["bob"] != "😂" {
		t.Errorf("backend reactions = %v", reactions)
	}

	if err := c.ReactToMessage(ctx, "ghost", "👍"); KindOf(err) != NotFound {
		t.Errorf("react absent err = %v", err)
	}
}

func TestPinMessage(t *testing.T) {
	mem := memory.New(nil)
	seedConversation(t, mem, "c1", "alice", "bob")
	seedMessage(t, mem, model.Message{ID: "m", ConversationID: "c1", SenderID: "bob"})
	c := newClient(t, mem, Options{})
	openConversation(t, c, 1)
	ctx := context.Background()

	if err := c.PinMessage(ctx, "m", true); err != nil {
		t.Fatal(err)
	}
	if m, _ := c.Message("m"); m.PinnedAt == nil {
		t.Error("not pinned")
	}
	if err := c.PinMessage(ctx, "m", false); err != nil {
		t.Fatal(err)
	}
	if m, _ := c.Message("m"); m.PinnedAt != nil {
		t.Error("still pinned")
	}
	if rec, _ := mem.Get(backend.Messages, "m"); rec.Fields["pinned_at"] != nil {
		t.Errorf("backend pinned_at = %v", rec.Fields["pinned_at"])
	}
}

func TestSetActiveConversationSwitches(t *testing.T) {
	mem := memory.New(nil)
	seedConversation(t, mem, "c1", "alice", "bob")
	seedConversation(t, mem, "c2", "alice", "carol")
	seedMessage(t, mem, model.Message{ID: "m1", ConversationID: "c1", SenderID: "bob"})
	seedMessage(t, mem, model.Message{ID: "m2", ConversationID: "c2", SenderID: "carol"})
	c := newClient(t, mem, Options{})
	openConversation(t, c, 1)

	if err := c.SetActiveConversation("c2"); err != nil {
		t.Fatal(err)
	}
	eventually(t, "c2 messages", func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && msgs[0].ID == "m2"
	})
	if c.subs.Active(backend.MessagesTopic("c1")) {
		t.Error("c1 subscription still live")
	}
	if !c.subs.Active(backend.MessagesTopic("c2")) {
		t.Error("c2 subscription not live")
	}
	if c.store.Active() != "c2" {
		t.Errorf("store active = %q", c.store.Active())
	}

	// Writes to the old conversation no longer reach the cache.
	seedMessage(t, mem, model.Message{ID: "late", ConversationID: "c1", SenderID: "bob"})
	time.Sleep(50 * time.Millisecond)
	if _, ok := c.Message("late"); ok {
		t.Error("message of the previous conversation delivered")
	}

	if err := c.SetActiveConversation(""); err != nil {
		t.Fatal(err)
	}
	if c.subs.Active(backend.MessagesTopic("c2")) {
		t.Error("c2 subscription live after clearing")
	}
	if got := c.subs.Topics(); len(got) != 1 || got[0] != backend.ConversationsTopic("alice") {
		t.Errorf("topics = %v", got)
	}
	if c.Messages() != nil {
		t.Error("Messages with no active conversation")
	}
}

func TestSubscribeErrorReachesErrorSlot(t *testing.T) {
	mem := memory.New(nil)
	c := newClient(t, mem, Options{})

	mem.FailNext(memory.MethodSubscribe, backend.ErrPermission)
	err := c.SetActiveConversation("c1")
	if KindOf(err) != Permission {
		t.Fatalf("err = %v, want permission", err)
	}
	if !errors.Is(c.Err(), backend.ErrPermission) {
		t.Errorf("error slot = %v", c.Err())
	}
	if c.subs.Active(backend.MessagesTopic("c1")) {
		t.Error("failed topic left active")
	}

	c.ClearErr()
	if err := c.SetActiveConversation("c1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if c.Err() != nil {
		t.Errorf("error slot after retry = %v", c.Err())
	}
}

func TestConversationsFromSubscription(t *testing.T) {
	mem := memory.New(nil)
	seedConversation(t, mem, "alice_bob", "alice", "bob")
	seedConversation(t, mem, "bob_carol", "bob", "carol")
	c := newClient(t, mem, Options{})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "conversations", func() bool { return len(c.Conversations()) == 1 })
	if got := c.Conversations()[0]; got.ID != "alice_bob" {
		t.Errorf("conversation = %+v", got)
	}
}

func TestWaitLoaded(t *testing.T) {
	mem := memory.New(nil)
	seedConversation(t, mem, "c1", "alice", "bob")
	seedMessage(t, mem, model.Message{ID: "m1", ConversationID: "c1", SenderID: "bob", Content: "hi"})
	c := newClient(t, mem, Options{})

	if c.Loaded() {
		t.Fatal("Loaded before Start")
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.WaitLoaded(ctx); err != nil {
		t.Fatalf("WaitLoaded: %v", err)
	}
	if len(c.Conversations()) != 1 {
		t.Errorf("conversations = %d, want 1", len(c.Conversations()))
	}

	if err := c.SetActiveConversation("c1"); err != nil {
		t.Fatal(err)
	}
	if err := c.WaitLoaded(ctx); err != nil {
		t.Fatalf("WaitLoaded after switch: %v", err)
	}
	if len(c.Messages()) != 1 {
		t.Errorf("messages = %d, want 1", len(c.Messages()))
	}
}

func TestWaitLoadedReturnsSubscriptionError(t *testing.T) {
	mem := memory.New(nil)
	c := newClient(t, mem, Options{})
	mem.FailNext(memory.MethodSubscribe, backend.ErrPermission)
	if err := c.Start(); err == nil {
		t.Fatal("Start succeeded")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.WaitLoaded(ctx); !errors.Is(err, backend.ErrPermission) {
		t.Errorf("WaitLoaded = %v, want permission error", err)
	}
}

func TestStartConversation(t *testing.T) {
	mem := memory.New(nil)
	c := newClient(t, mem, Options{})
	ctx := context.Background()

	conv, err := c.StartConversation(ctx, "bob")
	if err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	if conv.ID != "alice_bob" || conv.Kind != model.Private {
		t.Errorf("conversation = %+v", conv)
	}
	if !slices.Equal(conv.Members(), []string{"alice", "bob"}) {
		t.Errorf("members = %v", conv.Members())
	}

	again, err := c.StartConversation(ctx, "bob", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != conv.ID {
		t.Errorf("second start id = %q", again.ID)
	}
	if n := mem.Calls(memory.MethodWriteRecord); n != 1 {
		t.Errorf("writes = %d, want 1", n)
	}

	group, err := c.StartConversation(ctx, "carol", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if group.Kind != model.Group || group.Name != "bob, carol" || len(group.Members()) != 3 {
		t.Errorf("group = %+v", group)
	}

	if _, err := c.StartConversation(ctx, "alice", " "); !errors.Is(err, ErrNoPeers) {
		t.Errorf("no peers err = %v", err)
	}
}

func TestSendAttachment(t *testing.T) {
	mem := memory.New(nil)
	seedConversation(t, mem, "c1", "alice", "bob")
	c := newClient(t, mem, Options{})
	openConversation(t, c, 0)
	ctx := context.Background()

	var progress int64
	m, err := c.SendAttachment(ctx, model.Image, "/tmp/cat.png", []byte("png-bytes"), func(sent, total int64) { progress = sent })
	if err != nil {
		t.Fatalf("SendAttachment: %v", err)
	}
	if !strings.HasPrefix(m.Content, memory.BlobScheme+"c1/") || !strings.HasSuffix(m.Content, "/cat.png") {
		t.Errorf("content = %q", m.Content)
	}
	if progress != int64(len("png-bytes")) {
		t.Errorf("progress = %d", progress)
	}
	if data, ok := mem.Blob(strings.TrimPrefix(m.Content, memory.BlobScheme)); !ok || string(data) != "png-bytes" {
		t.Errorf("blob = %q, %v", data, ok)
	}
	eventually(t, "conversation preview", func() bool {
		conv, _ := mem.Get(backend.Conversations, "c1")
		return conv.Fields["last_message"] == "[image]"
	})

	if _, err := c.SendAttachment(ctx, model.Text, "a", []byte("x"), nil); KindOf(err) != Validation {
		t.Errorf("text attachment err = %v", err)
	}
	if _, err := c.SendAttachment(ctx, model.File, "a", nil, nil); !errors.Is(err, ErrEmptyAttachment) {
		t.Errorf("empty attachment err = %v", err)
	}

	mem.FailNext(memory.MethodUploadBlob, backend.ErrUnavailable)
	before := len(c.Messages())
	if _, err := c.SendAttachment(ctx, model.File, "a.pdf", []byte("x"), nil); KindOf(err) != Transient {
		t.Errorf("upload failure err = %v", err)
	}
	if len(c.Messages()) != before {
		t.Error("failed upload left a message")
	}
}

func TestSearch(t *testing.T) {
	mem := memory.New(nil)
	seedConversation(t, mem, "c1", "alice", "bob")
	base := time.Now().UTC().Add(-time.Hour)
	seedMessage(t, mem, model.Message{ID: "m2", ConversationID: "c1", SenderID: "bob", Content: "Lunch later?", Timestamp: base.Add(time.Minute)})
	seedMessage(t, mem, model.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "lunch now", Timestamp: base})
	seedMessage(t, mem, model.Message{ID: "x", ConversationID: "strangers", SenderID: "eve", Content: "lunch"})
	c := newClient(t, mem, Options{})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "conversations", func() bool { return len(c.Conversations()) == 1 })

	got, err := c.Search(context.Background(), "", "LUNCH")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
		t.Errorf("results = %v", got)
	}
	if got, _ := c.Search(context.Background(), "strangers", "lunch"); len(got) != 1 {
		t.Errorf("scoped results = %v", got)
	}
	if _, err := c.Search(context.Background(), "", " "); KindOf(err) != Validation {
		t.Errorf("empty query err = %v", err)
	}
}

func TestRetentionAppliesToClientCache(t *testing.T) {
	mem := memory.New(nil)
	seedConversation(t, mem, "c1", "alice", "bob")
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		seedMessage(t, mem, model.Message{ID: id, ConversationID: "c1", SenderID: "bob", Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}
	c := newClient(t, mem, Options{Retention: cacheRetention(3)})
	openConversation(t, c, 3)

	var ids []string
	for _, m := range c.Messages() {
		ids = append(ids, m.ID)
	}
	if !slices.Equal(ids, []string{"m3", "m4", "m5"}) {
		t.Errorf("retained = %v", ids)
	}
}
