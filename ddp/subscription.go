package ddp

import (
	"context"

	"github.com/alwitt/ddpserver/storage"
)

// Query produces the current full result set of a subscription
type Query interface {
	// CollectionName the collection the result set belongs to
	CollectionName() string
	// Items run the query
	Items(ctxt context.Context) ([]storage.Item, error)
}

// Subscription one live query of a session
type Subscription interface {
	// ID the subscription ID, unique within the session
	ID() string
	// Collection the collection the subscription publishes into
	Collection() string
	// Begin publish the initial result set, then start tracking changes
	Begin() error
	// End withdraw the published documents and stop tracking changes
	End() error
	// Disconnected stop tracking changes. The client is gone, so nothing is sent.
	Disconnected()
	// Recalculate re-run the query and publish the result
	Recalculate() error
}

// storageQuery a Query returning every document of a collection
type storageQuery struct {
	store      storage.Storage
	collection string
}

// NewCollectionQuery define a Query returning every document of a collection
func NewCollectionQuery(store storage.Storage, collection string) Query {
	return &storageQuery{store: store, collection: collection}
}

func (q *storageQuery) CollectionName() string {
	return q.collection
}

func (q *storageQuery) Items(ctxt context.Context) ([]storage.Item, error) {
	return q.store.Query(ctxt, q.collection)
}

// ItemsFunction produces a result set on demand
type ItemsFunction func(ctxt context.Context) ([]storage.Item, error)

// funcQuery a Query backed by an ItemsFunction
type funcQuery struct {
	collection string
	items      ItemsFunction
}

// NewFuncQuery define a Query backed by an ItemsFunction
func NewFuncQuery(collection string, items ItemsFunction) Query {
	return &funcQuery{collection: collection, items: items}
}

func (q *funcQuery) CollectionName() string {
	return q.collection
}

func (q *funcQuery) Items(ctxt context.Context) ([]storage.Item, error) {
	return q.items(ctxt)
}
