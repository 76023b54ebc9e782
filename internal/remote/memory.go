package remote

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process DocumentStore for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
}

// NewMemoryStore returns an empty in-process document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: map[string]map[string]map[string]any{}}
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return memGet(s.collections, collection, id), nil
}

func (s *MemoryStore) Set(ctx context.Context, collection, id string, fields map[string]any, merge bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return memSet(s.collections, collection, id, fields, merge)
}

func (s *MemoryStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return memUpdate(s.collections, collection, id, fields)
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections[collection], id)
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := make([]Document, 0, len(s.collections[q.Collection]))
	for id := range s.collections[q.Collection] {
		doc := memGet(s.collections, q.Collection, id)
		if !q.matches(doc) {
			continue
		}
		if q.After != nil && !q.After.before(orderedAt(doc.Data), doc.ID) {
			continue
		}
		docs = append(docs, *doc)
	}

	sort.Slice(docs, func(i, j int) bool {
		ti, tj := orderedAt(docs[i].Data), orderedAt(docs[j].Data)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return docs[i].ID > docs[j].ID
	})

	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs, nil
}

func (s *MemoryStore) BatchGet(ctx context.Context, collection, field string, values []string) ([]Document, error) {
	if err := validateBatch(values); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]struct{}, len(values))
	for _, v := range values {
		wanted[v] = struct{}{}
	}

	docs := []Document{}
	for id := range s.collections[collection] {
		doc := memGet(s.collections, collection, id)
		key := id
		if field != DocumentID {
			key = doc.String(field)
		}
		if _, ok := wanted[key]; ok {
			docs = append(docs, *doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

// RunTransaction runs fn against a snapshot of the store and publishes the snapshot only
// when fn succeeds. The store is locked for the duration of fn.
func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string]map[string]map[string]any, len(s.collections))
	for name, docs := range s.collections {
		copied := make(map[string]map[string]any, len(docs))
		for id, data := range docs {
			copied[id] = data
		}
		snapshot[name] = copied
	}

	if err := fn(ctx, &memoryTx{collections: snapshot}); err != nil {
		return err
	}
	s.collections = snapshot
	return nil
}

type memoryTx struct {
	collections map[string]map[string]map[string]any
}

func (t *memoryTx) Get(_ context.Context, collection, id string) (*Document, error) {
	return memGet(t.collections, collection, id), nil
}

func (t *memoryTx) Set(_ context.Context, collection, id string, fields map[string]any, merge bool) error {
	return memSet(t.collections, collection, id, fields, merge)
}

func (t *memoryTx) Update(_ context.Context, collection, id string, fields map[string]any) error {
	return memUpdate(t.collections, collection, id, fields)
}

func (t *memoryTx) Delete(_ context.Context, collection, id string) error {
	delete(t.collections[collection], id)
	return nil
}

// Stored data maps are never mutated in place, so snapshots can share them.

func memGet(collections map[string]map[string]map[string]any, collection, id string) *Document {
	data, ok := collections[collection][id]
	if !ok {
		return nil
	}
	return &Document{ID: id, Data: merged(data, nil)}
}

func memSet(collections map[string]map[string]map[string]any, collection, id string, fields map[string]any, merge bool) error {
	data, err := normalize(fields)
	if err != nil {
		return err
	}
	if collections[collection] == nil {
		collections[collection] = map[string]map[string]any{}
	}
	if existing, ok := collections[collection][id]; ok && merge {
		data = merged(existing, data)
	}
	collections[collection][id] = data
	return nil
}

func memUpdate(collections map[string]map[string]map[string]any, collection, id string, fields map[string]any) error {
	if _, ok := collections[collection][id]; !ok {
		return ErrDocumentNotFound
	}
	return memSet(collections, collection, id, fields, true)
}
