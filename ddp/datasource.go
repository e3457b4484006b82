package ddp

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/alwitt/ddpserver/common"
	"github.com/alwitt/ddpserver/invalidation"
	"github.com/alwitt/ddpserver/storage"
	"github.com/apex/log"
)

// PublishFunction creates a subscription for a session
type PublishFunction func(session *Session, subscriptionID string) (Subscription, error)

// MethodResult outcome of a method call
type MethodResult struct {
	// Result is the method's return value, sent to the client right away
	Result interface{}
	// Completion completes once the method's effects are visible to every
	// subscription tracking the data it touched
	Completion *invalidation.Future
}

// DataSource resolves publication and method names
type DataSource interface {
	// GetPublishFunction resolve a publication. An unknown publication is
	// reported as a 404 MeteorError.
	GetPublishFunction(name string, params []json.RawMessage) (PublishFunction, error)
	// ExecuteMethod run a method. An unknown method is reported as a 404 MeteorError.
	ExecuteMethod(
		session *Session, methodID, method string, params []json.RawMessage,
	) (MethodResult, error)
}

// MutationListener is told about every collection mutation applied
type MutationListener interface {
	// MutationApplied a mutation was stored, and moved its collection to position
	MutationApplied(call storage.MethodCall, position int64)
}

// TriggerDataSource a DataSource exposing every collection of a Storage. Each
// collection is both a publication and an invalidation key; the methods
// /<collection>/<action> mutate the collection.
type TriggerDataSource struct {
	common.Component
	store    storage.Storage
	system   invalidation.System
	executor invalidation.Executor
	listener MutationListener

	lock sync.Mutex
	// subscriptions live subscriptions per invalidation key
	subscriptions map[string]map[*TriggerSubscription]bool
}

// NewTriggerDataSource define a new TriggerDataSource. listener is optional.
func NewTriggerDataSource(
	store storage.Storage,
	system invalidation.System,
	executor invalidation.Executor,
	listener MutationListener,
) *TriggerDataSource {
	logTags := log.Fields{"module": "ddp", "component": "trigger-data-source"}
	return &TriggerDataSource{
		Component:     common.Component{LogTags: logTags},
		store:         store,
		system:        system,
		executor:      executor,
		listener:      listener,
		subscriptions: map[string]map[*TriggerSubscription]bool{},
	}
}

// GetPublishFunction resolve a publication
func (d *TriggerDataSource) GetPublishFunction(
	name string, _ []json.RawMessage,
) (PublishFunction, error) {
	if !d.store.HasCollection(name) {
		return nil, subscriptionNotFound()
	}
	return func(session *Session, subscriptionID string) (Subscription, error) {
		sub := NewTriggerSubscription(
			session, subscriptionID, NewCollectionQuery(d.store, name), name, d.system, d.unregister,
		)
		d.register(sub)
		return sub, nil
	}, nil
}

func (d *TriggerDataSource) register(sub *TriggerSubscription) {
	d.lock.Lock()
	defer d.lock.Unlock()
	subs, ok := d.subscriptions[sub.InvalidationKey()]
	if !ok {
		subs = map[*TriggerSubscription]bool{}
		d.subscriptions[sub.InvalidationKey()] = subs
	}
	subs[sub] = true
}

func (d *TriggerDataSource) unregister(sub *TriggerSubscription) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if subs, ok := d.subscriptions[sub.InvalidationKey()]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(d.subscriptions, sub.InvalidationKey())
		}
	}
}

// SubscriptionCount number of live subscriptions on an invalidation key
func (d *TriggerDataSource) SubscriptionCount(key string) int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return len(d.subscriptions[key])
}

// parseCollectionMethod split "/<collection>/<action>"
func parseCollectionMethod(method string) (string, string, bool) {
	tokens := strings.Split(method, "/")
	if len(tokens) != 3 || tokens[0] != "" || tokens[1] == "" || tokens[2] == "" {
		return "", "", false
	}
	return tokens[1], tokens[2], true
}

// ExecuteMethod apply a collection mutation, then start the consistency wait
func (d *TriggerDataSource) ExecuteMethod(
	session *Session, methodID, method string, params []json.RawMessage,
) (MethodResult, error) {
	collection, action, ok := parseCollectionMethod(method)
	if !ok || !d.store.HasCollection(collection) {
		return MethodResult{}, methodNotFound()
	}
	call := storage.MethodCall{
		SessionID:  session.ID(),
		MethodID:   methodID,
		Collection: collection,
		Action:     action,
		Params:     params,
	}
	result, err := d.store.ExecuteCollectionMethod(session.Context(), call)
	if err != nil {
		return MethodResult{}, err
	}
	position := d.system.NotifyChange(collection)
	if d.listener != nil {
		d.listener.MutationApplied(call, position)
	}
	completion := invalidation.NewFuture(d.executor)
	d.waitForPosition(collection, position, completion)
	return MethodResult{Result: result, Completion: completion}, nil
}

// findLagging find any live subscription on a key which has not yet published
// the result for position
func (d *TriggerDataSource) findLagging(key string, position int64) *TriggerSubscription {
	d.lock.Lock()
	defer d.lock.Unlock()
	for sub := range d.subscriptions[key] {
		if sub.IsStopped() || sub.IsDegraded() {
			continue
		}
		if !sub.HasSent(position) {
			return sub
		}
	}
	return nil
}

// waitForPosition complete the completion once every live subscription on a
// key has published the result for position.
//
// Each round rescans the subscriptions from scratch, as subscriptions can come
// and go while waiting.
func (d *TriggerDataSource) waitForPosition(
	key string, position int64, completion *invalidation.Future,
) {
	lagging := d.findLagging(key, position)
	if lagging == nil {
		completion.Complete(position)
		return
	}
	log.WithFields(d.LogTags).Debugf("Waiting on %s to reach %s=%d", lagging, key, position)
	lagging.WaitForSent(position).OnComplete(func(_ int64, err error) {
		if err != nil && !errors.Is(err, ErrSubscriptionDegraded) {
			log.WithError(err).WithFields(d.LogTags).Errorf("Consistency wait on %s failed", key)
			completion.Fail(err)
			return
		}
		d.waitForPosition(key, position, completion)
	})
}
