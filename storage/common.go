package storage

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnknownCollection the collection is not hosted by the store
var ErrUnknownCollection = errors.New("unknown collection")

// Item is one document of a query result
type Item struct {
	// ID is the document ID, unique within a collection
	ID string
	// Fields is the document content, without the ID
	Fields json.RawMessage
}

// MethodCall is a collection mutation requested by a client
type MethodCall struct {
	// SessionID is the session which issued the call
	SessionID string
	// MethodID is the client assigned method call ID
	MethodID string
	// Collection is the target collection
	Collection string
	// Action is the collection method: insert, update, or remove
	Action string
	// Params are the method parameters
	Params []json.RawMessage
}

// Storage is a queryable document store
type Storage interface {
	// Collections list the collections hosted by the store
	Collections() []string
	// HasCollection whether a collection is hosted by the store
	HasCollection(collection string) bool
	// Query fetch every document of a collection, ordered by ID
	Query(ctxt context.Context, collection string) ([]Item, error)
	// ExecuteCollectionMethod apply a collection mutation, returning the method result
	ExecuteCollectionMethod(ctxt context.Context, call MethodCall) (interface{}, error)
	// Close release the store's resources
	Close() error
}
