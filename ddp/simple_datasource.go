package ddp

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/alwitt/ddpserver/common"
	"github.com/alwitt/ddpserver/invalidation"
	"github.com/alwitt/ddpserver/storage"
	"github.com/apex/log"
)

// MethodFunction a named method
type MethodFunction func(
	ctxt context.Context, session *Session, params []json.RawMessage,
) (interface{}, error)

// PublishHandler a named publication
type PublishHandler func(
	session *Session, subscriptionID string, params []json.RawMessage,
) (Subscription, error)

// ParamItemsFunction produces a result set from subscription parameters
type ParamItemsFunction func(ctxt context.Context, params []json.RawMessage) ([]storage.Item, error)

// SimpleDataSource a DataSource built from registered methods and
// publications. Names it does not know are passed on to the fallback, if any.
//
// Methods of a SimpleDataSource do not touch tracked data, so their effects
// are visible as soon as they return.
type SimpleDataSource struct {
	common.Component
	executor  invalidation.Executor
	fallback  DataSource
	lock      sync.RWMutex
	methods   map[string]MethodFunction
	publishes map[string]PublishHandler
}

// NewSimpleDataSource define a new SimpleDataSource. fallback is optional.
func NewSimpleDataSource(executor invalidation.Executor, fallback DataSource) *SimpleDataSource {
	logTags := log.Fields{"module": "ddp", "component": "simple-data-source"}
	return &SimpleDataSource{
		Component: common.Component{LogTags: logTags},
		executor:  executor,
		fallback:  fallback,
		methods:   map[string]MethodFunction{},
		publishes: map[string]PublishHandler{},
	}
}

// AddMethod register a method
func (d *SimpleDataSource) AddMethod(name string, method MethodFunction) {
	d.lock.Lock()
	defer d.lock.Unlock()
	log.WithFields(d.LogTags).Debugf("Adding method %s", name)
	d.methods[name] = method
}

// AddPublish register a publication
func (d *SimpleDataSource) AddPublish(name string, handler PublishHandler) {
	d.lock.Lock()
	defer d.lock.Unlock()
	log.WithFields(d.LogTags).Debugf("Adding publication %s", name)
	d.publishes[name] = handler
}

// AddItemsPublish register a publication which publishes a result set once,
// without tracking changes
func (d *SimpleDataSource) AddItemsPublish(name, collection string, items ParamItemsFunction) {
	d.AddPublish(
		name,
		func(session *Session, subscriptionID string, params []json.RawMessage) (Subscription, error) {
			query := NewFuncQuery(collection, func(ctxt context.Context) ([]storage.Item, error) {
				return items(ctxt, params)
			})
			return NewSimpleSubscription(session, subscriptionID, query), nil
		},
	)
}

// GetPublishFunction resolve a publication
func (d *SimpleDataSource) GetPublishFunction(
	name string, params []json.RawMessage,
) (PublishFunction, error) {
	d.lock.RLock()
	handler, ok := d.publishes[name]
	d.lock.RUnlock()
	if !ok {
		if d.fallback != nil {
			return d.fallback.GetPublishFunction(name, params)
		}
		return nil, subscriptionNotFound()
	}
	return func(session *Session, subscriptionID string) (Subscription, error) {
		return handler(session, subscriptionID, params)
	}, nil
}

// ExecuteMethod run a method
func (d *SimpleDataSource) ExecuteMethod(
	session *Session, methodID, method string, params []json.RawMessage,
) (MethodResult, error) {
	d.lock.RLock()
	handler, ok := d.methods[method]
	d.lock.RUnlock()
	if !ok {
		if d.fallback != nil {
			return d.fallback.ExecuteMethod(session, methodID, method, params)
		}
		return MethodResult{}, methodNotFound()
	}
	result, err := handler(session.Context(), session, params)
	if err != nil {
		return MethodResult{}, err
	}
	return MethodResult{Result: result, Completion: invalidation.CompletedFuture(d.executor, 0)}, nil
}
