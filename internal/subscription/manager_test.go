package subscription

import (
	"errors"
	"sync"
	"testing"

	"github.com/matheus3301/wppcache/internal/backend"
)

type fakeSub struct {
	topic        backend.Topic
	onSnapshot   func([]backend.Record)
	onError      func(error)
	unsubscribed bool
}

// fakeBackend hands out subscriptions the test can push through directly,
// including after they were cancelled, like a snapshot already in flight.
type fakeBackend struct {
	mu      sync.Mutex
	subs    []*fakeSub
	fail    error
	initial []backend.Record // delivered synchronously inside Subscribe
}

func (f *fakeBackend) Subscribe(topic backend.Topic, onSnapshot func([]backend.Record), onError func(error)) (func(), error) {
	f.mu.Lock()
	if f.fail != nil {
		err := f.fail
		f.mu.Unlock()
		return nil, err
	}
	s := &fakeSub{topic: topic, onSnapshot: onSnapshot, onError: onError}
	f.subs = append(f.subs, s)
	initial := f.initial
	f.mu.Unlock()

	if initial != nil {
		onSnapshot(initial)
	}
	return func() {
		f.mu.Lock()
		s.unsubscribed = true
		f.mu.Unlock()
	}, nil
}

func (f *fakeBackend) sub(i int) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

type sink struct {
	mu  sync.Mutex
	err error
}

func (s *sink) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func records(ids ...string) []backend.Record {
	out := make([]backend.Record, len(ids))
	for i, id := range ids {
		out[i] = backend.Record{ID: id}
	}
	return out
}

func TestSubscribeExclusive(t *testing.T) {
	fb := &fakeBackend{}
	m := New(fb, nil, nil)
	topic := backend.MessagesTopic("c1")

	var first, second int
	if err := m.Subscribe(topic, func([]backend.Record) { first++ }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	gen1 := m.Generation(topic)
	if err := m.Subscribe(topic, func([]backend.Record) { second++ }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if !fb.sub(0).unsubscribed {
		t.Error("first subscription not torn down")
	}
	if gen2 := m.Generation(topic); gen2 <= gen1 {
		t.Errorf("generation %d not newer than %d", gen2, gen1)
	}

	// A snapshot in flight for the old subscription arrives after teardown.
	fb.sub(0).onSnapshot(records("m1"))
	fb.sub(1).onSnapshot(records("m1"))
	fb.sub(1).onSnapshot(records("m1", "m2"))

	if first != 0 {
		t.Errorf("first callback fired %d times after replacement", first)
	}
	if second != 2 {
		t.Errorf("second callback fired %d times, want 2", second)
	}
}

func TestSynchronousInitialSnapshot(t *testing.T) {
	fb := &fakeBackend{initial: records("m1")}
	m := New(fb, nil, nil)

	var got []backend.Record
	if err := m.Subscribe(backend.MessagesTopic("c1"), func(r []backend.Record) { got = r }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Errorf("initial snapshot = %v", got)
	}
}

func TestSubscribeErrorGoesToSink(t *testing.T) {
	boom := errors.New("boom")
	fb := &fakeBackend{fail: boom}
	s := &sink{}
	m := New(fb, s, nil)
	topic := backend.MessagesTopic("c1")

	err := m.Subscribe(topic, func([]backend.Record) {})
	if !errors.Is(err, boom) {
		t.Fatalf("Subscribe error = %v, want boom", err)
	}
	if !errors.Is(s.Err(), boom) {
		t.Errorf("sink error = %v, want boom", s.Err())
	}
	if m.Active(topic) {
		t.Error("failed topic left active")
	}
	if g := m.Generation(topic); g != 0 {
		t.Errorf("generation = %d, want 0", g)
	}
}

func TestSubscribeErrorAfterReplaceLeavesNothing(t *testing.T) {
	fb := &fakeBackend{}
	m := New(fb, &sink{}, nil)
	topic := backend.MessagesTopic("c1")
	m.Subscribe(topic, func([]backend.Record) {})

	fb.fail = errors.New("boom")
	m.Subscribe(topic, func([]backend.Record) {})

	if !fb.sub(0).unsubscribed {
		t.Error("old subscription not torn down before the failed attempt")
	}
	if m.Active(topic) {
		t.Error("topic active after failed replacement")
	}
}

func TestAsyncErrorGoesToSink(t *testing.T) {
	fb := &fakeBackend{}
	s := &sink{}
	m := New(fb, s, nil)
	topic := backend.ConversationsTopic("u1")
	m.Subscribe(topic, func([]backend.Record) {})

	fb.sub(0).onError(backend.ErrPermission)
	if !errors.Is(s.Err(), backend.ErrPermission) {
		t.Errorf("sink error = %v", s.Err())
	}

	m.Unsubscribe(topic)
	s.SetError(nil)
	fb.sub(0).onError(backend.ErrUnavailable)
	if s.Err() != nil {
		t.Errorf("error from torn-down subscription reached the sink: %v", s.Err())
	}
}

func TestUnsubscribe(t *testing.T) {
	fb := &fakeBackend{}
	m := New(fb, nil, nil)
	topic := backend.MessagesTopic("c1")

	var calls int
	m.Subscribe(topic, func([]backend.Record) { calls++ })
	m.Unsubscribe(topic)
	m.Unsubscribe(topic)

	fb.sub(0).onSnapshot(records("m1"))
	if calls != 0 {
		t.Errorf("callback fired after Unsubscribe")
	}
	if !fb.sub(0).unsubscribed {
		t.Error("backend unsubscribe not called")
	}
}

func TestTeardownAll(t *testing.T) {
	fb := &fakeBackend{}
	m := New(fb, nil, nil)
	topics := []backend.Topic{
		backend.MessagesTopic("c1"),
		backend.MessagesTopic("c2"),
		backend.ConversationsTopic("u1"),
	}
	for _, topic := range topics {
		m.Subscribe(topic, func([]backend.Record) {
			t.Errorf("callback fired after TeardownAll")
		})
	}
	if got := m.Topics(); len(got) != 3 {
		t.Fatalf("Topics = %v", got)
	}

	m.TeardownAll()
	for i := range topics {
		s := fb.sub(i)
		if !s.unsubscribed {
			t.Errorf("%s not torn down", s.topic)
		}
		s.onSnapshot(records("late"))
	}
	if got := m.Topics(); len(got) != 0 {
		t.Errorf("Topics after TeardownAll = %v", got)
	}
}

func TestTopicsOrdered(t *testing.T) {
	m := New(&fakeBackend{}, nil, nil)
	m.Subscribe(backend.MessagesTopic("b"), func([]backend.Record) {})
	m.Subscribe(backend.ConversationsTopic("u"), func([]backend.Record) {})
	m.Subscribe(backend.MessagesTopic("a"), func([]backend.Record) {})

	got := m.Topics()
	want := []string{"conversations:u", "messages:a", "messages:b"}
	for i, topic := range got {
		if topic.String() != want[i] {
			t.Errorf("Topics[%d] = %s, want %s", i, topic, want[i])
		}
	}
}
