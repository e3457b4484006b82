package ddp

import (
	"sync"

	"github.com/alwitt/ddpserver/common"
	"github.com/apex/log"
)

// SimpleSubscription a Subscription which publishes its query's result on
// Begin and on Recalculate, and does not track changes
type SimpleSubscription struct {
	common.Component
	id      string
	session *Session
	query   Query
	lock    sync.Mutex
	stopped bool
}

// NewSimpleSubscription define a new SimpleSubscription
func NewSimpleSubscription(session *Session, subscriptionID string, query Query) *SimpleSubscription {
	logTags := common.CopyLogTags(session.LogTags, log.Fields{
		"component":    "simple-subscription",
		"subscription": subscriptionID,
		"collection":   query.CollectionName(),
	})
	return &SimpleSubscription{
		Component: common.Component{LogTags: logTags},
		id:        subscriptionID,
		session:   session,
		query:     query,
	}
}

// ID the subscription ID
func (s *SimpleSubscription) ID() string {
	return s.id
}

// Collection the collection the subscription publishes into
func (s *SimpleSubscription) Collection() string {
	return s.query.CollectionName()
}

// Begin publish the result set
func (s *SimpleSubscription) Begin() error {
	items, err := s.query.Items(s.session.Context())
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Query failed")
		return err
	}
	if err := s.session.MergeBox().ReplaceAll(s.id, s.Collection(), items); err != nil {
		return err
	}
	return s.session.MergeBox().SendReady(s.id)
}

// Recalculate publish the result set again
func (s *SimpleSubscription) Recalculate() error {
	s.lock.Lock()
	stopped := s.stopped
	s.lock.Unlock()
	if stopped {
		return nil
	}
	return s.Begin()
}

// End withdraw the published documents
func (s *SimpleSubscription) End() error {
	s.lock.Lock()
	if s.stopped {
		s.lock.Unlock()
		return nil
	}
	s.stopped = true
	s.lock.Unlock()
	return s.session.MergeBox().Unsubscribe(s.id, s.Collection())
}

// Disconnected mark the subscription stopped
func (s *SimpleSubscription) Disconnected() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.stopped = true
}
