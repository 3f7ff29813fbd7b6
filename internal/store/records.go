package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wppcache/internal/backend"
	"github.com/matheus3301/wppcache/internal/bus"
	"go.uber.org/zap"
)

// Backend serves backend.Backend from the records table. Every write
// publishes a change on the bus so subscriptions re-read their topic.
type Backend struct {
	db      *DB
	bus     *bus.Bus
	blobDir string
	logger  *zap.Logger
}

var _ backend.Backend = (*Backend)(nil)

// NewBackend creates a backend over a migrated db. Blobs are written under
// blobDir.
func NewBackend(db *DB, b *bus.Bus, blobDir string, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{db: db, bus: b, blobDir: blobDir, logger: logger}
}

func (s *Backend) Subscribe(topic backend.Topic, onSnapshot func([]backend.Record), onError func(error)) (func(), error) {
	filter, err := topic.Filter()
	if err != nil {
		return nil, err
	}
	query := func(ctx context.Context) ([]backend.Record, error) {
		return s.QueryOnce(ctx, topic.Collection, filter)
	}
	s.logger.Debug("subscription opened", zap.Stringer("topic", topic))
	return backend.Watch(s.bus, topic, query, onSnapshot, onError), nil
}

func (s *Backend) WriteRecord(ctx context.Context, collection, id string, fields backend.Fields) (string, error) {
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

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		doc, _, err := load(ctx, tx, collection, id)
		if err != nil {
			return err
		}
		return save(ctx, tx, collection, id, backend.Merge(doc, update))
	})
	if err != nil {
		return "", fmt.Errorf("write %s/%s: %w", collection, id, err)
	}
	s.bus.Publish(bus.Change{Collection: collection, IDs: []string{id}})
	return id, nil
}

func (s *Backend) WriteBatch(ctx context.Context, collection string, writes []backend.Write) error {
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

	var ids []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ids = ids[:0]
		for i, w := range writes {
			doc, found, err := load(ctx, tx, collection, w.ID)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			if err := save(ctx, tx, collection, w.ID, backend.Merge(doc, updates[i])); err != nil {
				return err
			}
			ids = append(ids, w.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write batch %s: %w", collection, err)
	}
	if len(ids) > 0 {
		s.bus.Publish(bus.Change{Collection: collection, IDs: ids})
	}
	s.logger.Debug("batch written", zap.String("collection", collection), zap.Int("writes", len(writes)), zap.Int("applied", len(ids)))
	return nil
}

func (s *Backend) QueryOnce(ctx context.Context, collection string, filter backend.Filter) ([]backend.Record, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	q, args := selectRecords(collection, filter)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer func() { _ = rows.Close() }()

	var out []backend.Record
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		var fields backend.Fields
		if err := json.Unmarshal([]byte(data), &fields); err != nil {
			s.logger.Warn("skipping corrupt record", zap.String("collection", collection), zap.String("id", id), zap.Error(err))
			continue
		}
		r := backend.Record{ID: id, Fields: fields}
		if filter.Match(r) {
			out = append(out, r)
		}
	}
	return out, rows.Err()
}

func (s *Backend) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func load(ctx context.Context, tx *sql.Tx, collection, id string) (backend.Fields, bool, error) {
	var data string
	err := tx.QueryRowContext(ctx, `SELECT data FROM records WHERE collection = ? AND id = ?`, collection, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var doc backend.Fields
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, false, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return doc, true, nil
}

func save(ctx context.Context, tx *sql.Tx, collection, id string, doc backend.Fields) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: encode %s/%s: %v", backend.ErrInvalid, collection, id, err)
	}
	now := time.Now().UnixMilli()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (collection, id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`,
		collection, id, string(data), now, now)
	return err
}
