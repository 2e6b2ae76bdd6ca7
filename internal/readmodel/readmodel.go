package readmodel

import (
	"sort"
	"sync"
)

// Store is an in-memory read model store for projections: collections of
// documents keyed by ID. It is the default materialization target when
// no external read database is wired in.
type Store struct {
	mu   sync.RWMutex
	data map[string]map[string]any // collection -> id -> document
}

// NewStore returns an empty read model store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]map[string]any),
	}
}

// Set stores a document, replacing any existing one under the same ID.
func (s *Store) Set(collection, id string, doc any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data[collection] == nil {
		s.data[collection] = make(map[string]any)
	}
	s.data[collection][id] = doc
}

// Get retrieves a document by ID.
func (s *Store) Get(collection, id string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.data[collection] == nil {
		return nil, false
	}
	doc, ok := s.data[collection][id]
	return doc, ok
}

// GetAll returns every document in a collection, ordered by ID.
func (s *Store) GetAll(collection string) []any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll := s.data[collection]
	if coll == nil {
		return nil
	}

	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	items := make([]any, 0, len(ids))
	for _, id := range ids {
		items = append(items, coll[id])
	}
	return items
}

// Find returns the documents matching the predicate, ordered by ID.
func (s *Store) Find(collection string, match func(doc any) bool) []any {
	var out []any
	for _, doc := range s.GetAll(collection) {
		if match(doc) {
			out = append(out, doc)
		}
	}
	return out
}

// Delete removes a document.
func (s *Store) Delete(collection, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data[collection] != nil {
		delete(s.data[collection], id)
	}
}

// Update modifies a document in place under the write lock. It returns
// false when the document does not exist.
func (s *Store) Update(collection, id string, updateFn func(current any) any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data[collection] == nil {
		return false
	}
	current, ok := s.data[collection][id]
	if !ok {
		return false
	}
	s.data[collection][id] = updateFn(current)
	return true
}

// Upsert modifies a document or creates it when absent.
func (s *Store) Upsert(collection, id string, updateFn func(current any, found bool) any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data[collection] == nil {
		s.data[collection] = make(map[string]any)
	}
	current, ok := s.data[collection][id]
	s.data[collection][id] = updateFn(current, ok)
}

// Count returns the number of documents in a collection.
func (s *Store) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[collection])
}

// Clear empties a collection, for projection rebuilds.
func (s *Store) Clear(collection string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, collection)
}
