package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/ddpserver/common"
	"github.com/alwitt/ddpserver/metrics"
	"github.com/alwitt/ddpserver/storage"
	"github.com/apex/log"
)

// ChangeEvent a collection mutation, as exported to the change feed
type ChangeEvent struct {
	// Collection is the mutated collection
	Collection string `json:"collection"`
	// Action is the mutation: insert, update, or remove
	Action string `json:"action"`
	// MethodID is the ID of the method call which caused the mutation
	MethodID string `json:"method_id"`
	// Session is the ID of the session which made the method call
	Session string `json:"session"`
	// Position is the collection's invalidation position after the mutation
	Position int64 `json:"position"`
	// Timestamp is when the mutation was applied
	Timestamp time.Time `json:"timestamp"`
}

// Feed exports every applied collection mutation as a ChangeEvent.
//
// Publishing happens on the worker pool, off the method path. Failures are
// logged and counted, never reported back to the session.
type Feed struct {
	common.Component
	ctxt           context.Context
	publisher      Publisher
	pool           common.WorkerPool
	subjectPrefix  string
	publishTimeout time.Duration
	inflight       sync.WaitGroup
}

// NewFeed define a new Feed
func NewFeed(
	ctxt context.Context,
	publisher Publisher,
	pool common.WorkerPool,
	subjectPrefix string,
	publishTimeout time.Duration,
) (*Feed, error) {
	logTags := log.Fields{
		"module": "changefeed", "component": "feed", "instance": subjectPrefix,
	}
	if err := validateSubjectName(subjectPrefix); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid subject prefix")
		return nil, err
	}
	if publishTimeout <= 0 {
		return nil, fmt.Errorf("publish timeout must be positive")
	}
	return &Feed{
		Component:      common.Component{LogTags: logTags},
		ctxt:           ctxt,
		publisher:      publisher,
		pool:           pool,
		subjectPrefix:  subjectPrefix,
		publishTimeout: publishTimeout,
	}, nil
}

// StreamSubjects the subjects a stream must capture to hold every event of this feed
func (f *Feed) StreamSubjects() []string {
	return []string{fmt.Sprintf("%s.>", f.subjectPrefix)}
}

// Subject the subject events of a collection mutation are published on
func (f *Feed) Subject(collection, action string) string {
	return fmt.Sprintf("%s.%s.%s", f.subjectPrefix, collection, action)
}

// MutationApplied queue a ChangeEvent for a stored mutation
func (f *Feed) MutationApplied(call storage.MethodCall, position int64) {
	event := ChangeEvent{
		Collection: call.Collection,
		Action:     call.Action,
		MethodID:   call.MethodID,
		Session:    call.SessionID,
		Position:   position,
		Timestamp:  time.Now().UTC(),
	}
	f.inflight.Add(1)
	if err := f.pool.Submit(func() {
		defer f.inflight.Done()
		f.publish(event)
	}); err != nil {
		f.inflight.Done()
		metrics.ChangeEventsPublished.WithLabelValues(call.Collection, "failure").Inc()
		log.WithError(err).WithFields(f.LogTags).Error("Unable to schedule change event publish")
	}
}

func (f *Feed) publish(event ChangeEvent) {
	subject := f.Subject(event.Collection, event.Action)
	payload, err := json.Marshal(&event)
	if err != nil {
		metrics.ChangeEventsPublished.WithLabelValues(event.Collection, "failure").Inc()
		log.WithError(err).WithFields(f.LogTags).Error("Unable to encode change event")
		return
	}
	ctxt, cancel := context.WithTimeout(f.ctxt, f.publishTimeout)
	defer cancel()
	if err := f.publisher.Publish(ctxt, subject, payload); err != nil {
		metrics.ChangeEventsPublished.WithLabelValues(event.Collection, "failure").Inc()
		log.WithError(err).WithFields(f.LogTags).Errorf(
			"Failed to publish change event for %s@%d", event.Collection, event.Position,
		)
		return
	}
	metrics.ChangeEventsPublished.WithLabelValues(event.Collection, "success").Inc()
}

// Wait block until every queued event was published or dropped
func (f *Feed) Wait() {
	f.inflight.Wait()
}
