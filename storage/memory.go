package storage

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/apex/log"
	"github.com/xeipuuv/gojsonschema"
)

// InMemoryStorage is a Storage which keeps every document in memory
type InMemoryStorage struct {
	collectionOperator
	lock      sync.RWMutex
	documents map[string]map[string]json.RawMessage
}

// NewInMemoryStorage define a new InMemoryStorage hosting the given collections
func NewInMemoryStorage(
	collections []string, schemas map[string]*gojsonschema.Schema,
) *InMemoryStorage {
	logTags := log.Fields{"module": "storage", "component": "in-memory"}
	instance := &InMemoryStorage{
		collectionOperator: newCollectionOperator(logTags, collections, schemas),
		documents:          map[string]map[string]json.RawMessage{},
	}
	for _, name := range instance.collections {
		instance.documents[name] = map[string]json.RawMessage{}
	}
	instance.backend = instance
	return instance
}

func (s *InMemoryStorage) fetch(
	_ context.Context, collection, id string,
) (json.RawMessage, bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	fields, ok := s.documents[collection][id]
	return fields, ok, nil
}

func (s *InMemoryStorage) store(
	_ context.Context, collection, id string, fields json.RawMessage,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.documents[collection][id] = fields
	return nil
}

func (s *InMemoryStorage) erase(_ context.Context, collection, id string) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.documents[collection][id]; !ok {
		return false, nil
	}
	delete(s.documents[collection], id)
	return true, nil
}

func (s *InMemoryStorage) list(_ context.Context, collection string) ([]Item, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	result := make([]Item, 0, len(s.documents[collection]))
	for id, fields := range s.documents[collection] {
		result = append(result, Item{ID: id, Fields: fields})
	}
	return result, nil
}

// Close release the store's resources
func (s *InMemoryStorage) Close() error {
	return nil
}
