// Package memory is an in-process backend.Backend. It backs the chat client
// in tests and offline mode.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/matheus3301/wppcache/internal/backend"
	"github.com/matheus3301/wppcache/internal/bus"
)

// BlobScheme prefixes references returned by UploadBlob.
const BlobScheme = "mem://"

const chunkSize = 32 << 10

// Method names accepted by FailNext and Calls.
const (
	MethodSubscribe   = "Subscribe"
	MethodWriteRecord = "WriteRecord"
	MethodWriteBatch  = "WriteBatch"
	MethodQueryOnce   = "QueryOnce"
	MethodUploadBlob  = "UploadBlob"
)

// Backend keeps every collection in maps guarded by one mutex.
type Backend struct {
	bus *bus.Bus

	mu          sync.Mutex
	collections map[string]map[string]backend.Fields
	blobs       map[string][]byte
	faults      map[string][]error
	calls       map[string]int
}

var _ backend.Backend = (*Backend)(nil)

// New creates an empty backend publishing changes on b. A nil b gets a
// private bus.
func New(b *bus.Bus) *Backend {
	if b == nil {
		b = bus.New()
	}
	return &Backend{
		bus:         b,
		collections: make(map[string]map[string]backend.Fields),
		blobs:       make(map[string][]byte),
		faults:      make(map[string][]error),
		calls:       make(map[string]int),
	}
}

// FailNext makes the next call of method return err. Queued faults are
// consumed in order.
func (b *Backend) FailNext(method string, err error) {
	b.mu.Lock()
	b.faults[method] = append(b.faults[method], err)
	b.mu.Unlock()
}

// Calls returns how many times method was called.
func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// Get returns a copy of one record.
func (b *Backend) Get(collection, id string) (backend.Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.collections[collection][id]
	if !ok {
		return backend.Record{}, false
	}
	return backend.Record{ID: id, Fields: backend.Clone(doc)}, true
}

// Blob returns the bytes stored at path.
func (b *Backend) Blob(path string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[path]
	return append([]byte(nil), data...), ok
}

// enter counts the call and pops a queued fault. Must hold mu.
func (b *Backend) enter(method string) error {
	b.calls[method]++
	if q := b.faults[method]; len(q) > 0 {
		b.faults[method] = q[1:]
		return q[0]
	}
	return nil
}

func (b *Backend) Subscribe(topic backend.Topic, onSnapshot func([]backend.Record), onError func(error)) (func(), error) {
	b.mu.Lock()
	err := b.enter(MethodSubscribe)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	filter, err := topic.Filter()
	if err != nil {
		return nil, err
	}
	query := func(ctx context.Context) ([]backend.Record, error) {
		return b.query(ctx, topic.Collection, filter)
	}
	return backend.Watch(b.bus, topic, query, onSnapshot, onError), nil
}

func (b *Backend) WriteRecord(ctx context.Context, collection, id string, fields backend.Fields) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if collection == "" {
		return "", fmt.Errorf("%w: empty collection", backend.ErrInvalid)
	}
	update, err := backend.Normalize(fields)
	if err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
	}

	b.mu.Lock()
	if err := b.enter(MethodWriteRecord); err != nil {
		b.mu.Unlock()
		return "", err
	}
	docs := b.collection(collection)
	docs[id] = backend.Merge(docs[id], update)
	b.mu.Unlock()

	b.bus.Publish(bus.Change{Collection: collection, IDs: []string{id}})
	return id, nil
}

func (b *Backend) WriteBatch(ctx context.Context, collection string, writes []backend.Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	updates := make([]backend.Fields, len(writes))
	for i, w := range writes {
		if w.ID == "" {
			return fmt.Errorf("%w: batch write %d has no id", backend.ErrInvalid, i)
		}
		u, err := backend.Normalize(w.Fields)
		if err != nil {
			return err
		}
		updates[i] = u
	}

	b.mu.Lock()
	if err := b.enter(MethodWriteBatch); err != nil {
		b.mu.Unlock()
		return err
	}
	docs := b.collection(collection)
	var ids []string
	for i, w := range writes {
		doc, ok := docs[w.ID]
		if !ok {
			continue
		}
		docs[w.ID] = backend.Merge(doc, updates[i])
		ids = append(ids, w.ID)
	}
	b.mu.Unlock()

	if len(ids) > 0 {
		b.bus.Publish(bus.Change{Collection: collection, IDs: ids})
	}
	return nil
}

func (b *Backend) QueryOnce(ctx context.Context, collection string, filter backend.Filter) ([]backend.Record, error) {
	b.mu.Lock()
	err := b.enter(MethodQueryOnce)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.query(ctx, collection, filter)
}

func (b *Backend) query(ctx context.Context, collection string, filter backend.Filter) ([]backend.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	var out []backend.Record
	for id, doc := range b.collections[collection] {
		r := backend.Record{ID: id, Fields: doc}
		if filter.Match(r) {
			out = append(out, backend.Record{ID: id, Fields: backend.Clone(doc)})
		}
	}
	b.mu.Unlock()
	backend.SortByID(out)
	return out, nil
}

func (b *Backend) UploadBlob(ctx context.Context, path string, data []byte, onProgress func(sent, total int64)) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty blob path", backend.ErrInvalid)
	}
	b.mu.Lock()
	err := b.enter(MethodUploadBlob)
	b.mu.Unlock()
	if err != nil {
		return "", err
	}

	buf := make([]byte, 0, len(data))
	total := int64(len(data))
	for off := 0; off < len(data); off += chunkSize {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		end := min(off+chunkSize, len(data))
		buf = append(buf, data[off:end]...)
		if onProgress != nil {
			onProgress(int64(end), total)
		}
	}
	if len(data) == 0 && onProgress != nil {
		onProgress(0, 0)
	}

	b.mu.Lock()
	b.blobs[path] = buf
	b.mu.Unlock()
	return BlobScheme + path, nil
}

// collection returns the documents of name, creating the map. Must hold mu.
func (b *Backend) collection(name string) map[string]backend.Fields {
	docs, ok := b.collections[name]
	if !ok {
		docs = make(map[string]backend.Fields)
		b.collections[name] = docs
	}
	return docs
}
