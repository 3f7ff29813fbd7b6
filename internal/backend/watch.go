package backend

import (
	"context"
	"slices"

	"github.com/matheus3301/wppcache/internal/bus"
)

// QueryFunc recomputes the current snapshot of a topic.
type QueryFunc func(ctx context.Context) ([]Record, error)

// Watch pushes a snapshot right away and then again every time b reports a
// change in topic's collection, until the returned function is called.
// Every change of the collection triggers a re-read, since any write may
// move a record into or out of the topic.
func Watch(b *bus.Bus, topic Topic, query QueryFunc, onSnapshot func([]Record), onError func(error)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	changes, detach := b.Subscribe(topic.Collection, 1)

	deliver := func() {
		records, err := query(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onSnapshot(records)
	}

	go func() {
		defer detach()
		deliver()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				deliver()
			}
		}
	}()

	return func() {
		cancel()
		detach()
	}
}

// SortByID orders records by id so snapshots are stable across reads.
func SortByID(records []Record) {
	slices.SortFunc(records, func(a, b Record) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
}
