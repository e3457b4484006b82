package ddp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alwitt/ddpserver/storage"
)

// Built in method and publication names
const (
	// MethodRecalculate re-runs every subscription of the calling session
	MethodRecalculate = "ddp.recalculate"
	// PublishCollections publishes the collections hosted by the server
	PublishCollections = "ddp.collections"
	// CollectionsCollection the collection PublishCollections publishes into
	CollectionsCollection = "ddp_collections"
)

// RegisterBuiltins add the built in methods and publications
func RegisterBuiltins(source *SimpleDataSource, store storage.Storage) {
	source.AddMethod(
		MethodRecalculate,
		func(_ context.Context, session *Session, _ []json.RawMessage) (interface{}, error) {
			session.RecalculateSubscriptions()
			return len(session.SubscriptionIDs()), nil
		},
	)
	source.AddItemsPublish(
		PublishCollections,
		CollectionsCollection,
		func(_ context.Context, _ []json.RawMessage) ([]storage.Item, error) {
			result := []storage.Item{}
			for _, name := range store.Collections() {
				fields, err := json.Marshal(map[string]string{"name": name})
				if err != nil {
					return nil, fmt.Errorf("unable to encode collection %s: %w", name, err)
				}
				result = append(result, storage.Item{ID: name, Fields: fields})
			}
			return result, nil
		},
	)
}
