package cache

import "slices"

// table is an id-keyed map plus the insertion order of its ids. Every
// mutation keeps the two in step: each id in ids has an entry in byID and
// vice versa.
type table[T any] struct {
	byID map[string]T
	ids  []string
}

func newTable[T any]() table[T] {
	return table[T]{byID: make(map[string]T)}
}

func (t *table[T]) reset(n int) {
	t.byID = make(map[string]T, n)
	t.ids = make([]string, 0, n)
}

func (t *table[T]) get(id string) (T, bool) {
	v, ok := t.byID[id]
	return v, ok
}

// put inserts at the end or overwrites in place.
func (t *table[T]) put(id string, v T) {
	if _, ok := t.byID[id]; !ok {
		t.ids = append(t.ids, id)
	}
	t.byID[id] = v
}

func (t *table[T]) remove(id string) bool {
	if _, ok := t.byID[id]; !ok {
		return false
	}
	delete(t.byID, id)
	if i := slices.Index(t.ids, id); i >= 0 {
		t.ids = slices.Delete(t.ids, i, i+1)
	}
	return true
}

// removeSet deletes every id in drop with one pass over the order list.
func (t *table[T]) removeSet(drop map[string]struct{}) {
	if len(drop) == 0 {
		return
	}
	kept := t.ids[:0]
	for _, id := range t.ids {
		if _, ok := drop[id]; ok {
			delete(t.byID, id)
			continue
		}
		kept = append(kept, id)
	}
	clear(t.ids[len(kept):])
	t.ids = kept
}

func (t *table[T]) len() int {
	return len(t.ids)
}

// values returns entries in insertion order.
func (t *table[T]) values() []T {
	out := make([]T, 0, len(t.ids))
	for _, id := range t.ids {
		out = append(out, t.byID[id])
	}
	return out
}
