package ddp

import (
	"fmt"
	"sync"

	"github.com/alwitt/ddpserver/common"
	"github.com/alwitt/ddpserver/invalidation"
	"github.com/alwitt/ddpserver/metrics"
	"github.com/apex/log"
)

// TriggerSubscription a Subscription which re-runs its query every time its
// invalidation key moves.
//
// After publishing the result for position P, the subscription records P as
// its sent position and waits for the key to reach P+1. Every wait is single
// shot; the next one is only registered once the result for the new position
// has been published.
type TriggerSubscription struct {
	common.Component
	id           string
	session      *Session
	query        Query
	key          string
	system       invalidation.System
	sentPosition *invalidation.WatchableValue
	onStop       func(sub *TriggerSubscription)

	// refreshLock serializes publishing a result and advancing the sent position
	refreshLock sync.Mutex

	lock        sync.Mutex
	stopped     bool
	watching    bool
	failure     error
	pendingSent map[*invalidation.Future]bool
}

// NewTriggerSubscription define a new TriggerSubscription. onStop, if set, is
// called once the subscription is ended or disconnected.
func NewTriggerSubscription(
	session *Session,
	subscriptionID string,
	query Query,
	key string,
	system invalidation.System,
	onStop func(sub *TriggerSubscription),
) *TriggerSubscription {
	logTags := common.CopyLogTags(session.LogTags, log.Fields{
		"component":    "trigger-subscription",
		"subscription": subscriptionID,
		"collection":   query.CollectionName(),
	})
	return &TriggerSubscription{
		Component:    common.Component{LogTags: logTags},
		id:           subscriptionID,
		session:      session,
		query:        query,
		key:          key,
		system:       system,
		sentPosition: invalidation.NewWatchableValue(session.Executor(), 0),
		onStop:       onStop,
		pendingSent:  map[*invalidation.Future]bool{},
	}
}

// ID the subscription ID
func (s *TriggerSubscription) ID() string {
	return s.id
}

// Collection the collection the subscription publishes into
func (s *TriggerSubscription) Collection() string {
	return s.query.CollectionName()
}

// InvalidationKey the invalidation key the subscription tracks
func (s *TriggerSubscription) InvalidationKey() string {
	return s.key
}

// SentPosition the position of the invalidation key whose result was last published
func (s *TriggerSubscription) SentPosition() int64 {
	return s.sentPosition.Value()
}

// HasSent whether the result for a position of the invalidation key was published
func (s *TriggerSubscription) HasSent(position int64) bool {
	return s.SentPosition() >= position
}

// IsWatching whether the subscription is tracking its invalidation key
func (s *TriggerSubscription) IsWatching() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.watching
}

// IsStopped whether the subscription was ended or disconnected
func (s *TriggerSubscription) IsStopped() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stopped
}

// IsDegraded whether the subscription stopped tracking its key after a failure
func (s *TriggerSubscription) IsDegraded() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.failure != nil
}

// WaitForSent get a Future which completes once the result for a position was
// published. The Future fails with ErrSubscriptionDegraded if the
// subscription stops tracking its key before then.
func (s *TriggerSubscription) WaitForSent(position int64) *invalidation.Future {
	result := invalidation.NewFuture(s.session.Executor())
	s.lock.Lock()
	if s.failure != nil {
		s.lock.Unlock()
		result.Fail(ErrSubscriptionDegraded)
		return result
	}
	s.pendingSent[result] = true
	s.lock.Unlock()
	s.sentPosition.WaitForMin(position).OnComplete(func(value int64, err error) {
		s.lock.Lock()
		delete(s.pendingSent, result)
		s.lock.Unlock()
		if err != nil {
			result.Fail(err)
		} else {
			result.Complete(value)
		}
	})
	return result
}

// advanceSent move the sent position forward. It never moves backward.
func (s *TriggerSubscription) advanceSent(position int64) {
	s.sentPosition.Advance(position)
}

// Begin publish the initial result set, then start tracking changes
func (s *TriggerSubscription) Begin() error {
	log.WithFields(s.LogTags).Debug("Beginning subscription")
	return s.publish()
}

// Recalculate re-run the query and publish the result. A subscription which
// stopped tracking its key after a failure resumes tracking.
func (s *TriggerSubscription) Recalculate() error {
	log.WithFields(s.LogTags).Debug("Recalculating subscription")
	return s.publish()
}

// publish run the query, publish the result, and make sure a wait is registered.
// An ended subscription publishes nothing.
func (s *TriggerSubscription) publish() error {
	s.refreshLock.Lock()
	if s.IsStopped() {
		s.refreshLock.Unlock()
		return nil
	}
	position := s.system.GetPosition(s.key)
	items, err := s.query.Items(s.session.Context())
	if err != nil {
		s.refreshLock.Unlock()
		log.WithError(err).WithFields(s.LogTags).Error("Query failed")
		return err
	}
	// Disconnected while the query ran
	if s.IsStopped() {
		s.refreshLock.Unlock()
		return nil
	}
	if err := s.session.MergeBox().ReplaceAll(s.id, s.Collection(), items); err != nil {
		s.refreshLock.Unlock()
		log.WithError(err).WithFields(s.LogTags).Error("Failed to publish result")
		return err
	}
	if err := s.session.MergeBox().SendReady(s.id); err != nil {
		s.refreshLock.Unlock()
		log.WithError(err).WithFields(s.LogTags).Error("Failed to send ready")
		return err
	}
	s.advanceSent(position)
	s.refreshLock.Unlock()

	s.lock.Lock()
	startWatch := !s.watching && !s.stopped
	if startWatch {
		s.watching = true
		s.failure = nil
	}
	s.lock.Unlock()
	if startWatch {
		s.watchChanges(position + 1)
	}
	return nil
}

// watchChanges wait for the invalidation key to reach a position
func (s *TriggerSubscription) watchChanges(position int64) {
	s.system.WaitForPosition(s.key, position).OnComplete(s.onInvalidated)
}

// onInvalidated continuation of the wait on the invalidation key
func (s *TriggerSubscription) onInvalidated(_ int64, waitErr error) {
	if waitErr != nil {
		s.degrade(fmt.Errorf("invalidation wait failed: %w", waitErr))
		return
	}

	s.refreshLock.Lock()
	// Read the latest position; changes which landed during the wait are
	// covered by this one query
	position := s.system.GetPosition(s.key)
	if s.IsStopped() {
		s.advanceSent(position)
		s.refreshLock.Unlock()
		s.endWatch()
		return
	}
	items, err := s.query.Items(s.session.Context())
	// Stopped while the query ran
	if s.IsStopped() {
		s.refreshLock.Unlock()
		s.endWatch()
		return
	}
	if err == nil {
		err = s.session.MergeBox().ReplaceAll(s.id, s.Collection(), items)
	}
	if err != nil {
		s.refreshLock.Unlock()
		metrics.SubscriptionRecomputes.WithLabelValues(s.Collection(), "failure").Inc()
		s.degrade(err)
		return
	}
	s.advanceSent(position)
	s.refreshLock.Unlock()
	metrics.SubscriptionRecomputes.WithLabelValues(s.Collection(), "success").Inc()
	log.WithFields(s.LogTags).Debugf("Published result for position %d", position)

	s.watchChanges(position + 1)
}

// endWatch the wait chain ended
func (s *TriggerSubscription) endWatch() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.watching = false
}

// degrade stop tracking the invalidation key after a failure. Nothing retries;
// only Recalculate resumes tracking.
func (s *TriggerSubscription) degrade(err error) {
	log.WithError(err).WithFields(s.LogTags).Error("Recompute failed, no longer tracking changes")
	s.lock.Lock()
	s.watching = false
	s.failure = err
	pending := s.pendingSent
	s.pendingSent = map[*invalidation.Future]bool{}
	s.lock.Unlock()
	for waiter := range pending {
		waiter.Fail(ErrSubscriptionDegraded)
	}
}

// stop mark the subscription stopped. Returns false if it was already stopped.
func (s *TriggerSubscription) stop() bool {
	s.lock.Lock()
	if s.stopped {
		s.lock.Unlock()
		return false
	}
	s.stopped = true
	s.lock.Unlock()
	// Nothing further will be published, so nobody should wait on this subscription
	s.advanceSent(s.system.GetPosition(s.key))
	if s.onStop != nil {
		s.onStop(s)
	}
	return true
}

// End withdraw the published documents and stop tracking changes. Waits for
// an in-flight publish to finish, so nothing is published after the withdrawal.
func (s *TriggerSubscription) End() error {
	log.WithFields(s.LogTags).Debug("Ending subscription")
	s.refreshLock.Lock()
	defer s.refreshLock.Unlock()
	if !s.stop() {
		return nil
	}
	return s.session.MergeBox().Unsubscribe(s.id, s.Collection())
}

// Disconnected stop tracking changes
func (s *TriggerSubscription) Disconnected() {
	log.WithFields(s.LogTags).Debug("Subscription disconnected")
	s.stop()
}

// String toString function
func (s *TriggerSubscription) String() string {
	return fmt.Sprintf("TriggerSubscription[%s %s@%d]", s.id, s.key, s.SentPosition())
}
