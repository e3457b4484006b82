package ddp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/ddpserver/common"
	"github.com/alwitt/ddpserver/invalidation"
	"github.com/alwitt/ddpserver/metrics"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Connection the transport of a session
type Connection interface {
	// Send send one frame to the client
	Send(frame []byte) error
	// Close close the connection
	Close() error
}

// SessionState protocol state of a session
type SessionState int

// Session states
const (
	// SessionAwaitingConnect the handshake has not happened yet. Messages are
	// still accepted in this state.
	SessionAwaitingConnect SessionState = iota
	// SessionOpen the handshake happened
	SessionOpen
	// SessionClosed the connection is gone
	SessionClosed
)

// String toString function
func (s SessionState) String() string {
	switch s {
	case SessionAwaitingConnect:
		return "awaiting-connect"
	case SessionOpen:
		return "open"
	case SessionClosed:
		return "closed"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// Session the protocol state machine of one client connection
type Session struct {
	common.Component
	id         string
	conn       Connection
	dataSource DataSource
	executor   invalidation.Executor
	decoder    *MessageDecoder
	mergeBox   *MergeBox
	ctxt       context.Context
	cancel     context.CancelFunc

	lock          sync.Mutex
	state         SessionState
	subscriptions map[string]Subscription
	sideTable     map[reflect.Type]interface{}
}

// NewSession define a new Session for a connection
func NewSession(
	parentCtxt context.Context,
	conn Connection,
	dataSource DataSource,
	executor invalidation.Executor,
) *Session {
	sessionID := uuid.New().String()
	logTags := log.Fields{"module": "ddp", "component": "session", "session": sessionID}
	ctxt, cancel := context.WithCancel(parentCtxt)
	instance := &Session{
		Component:     common.Component{LogTags: logTags},
		id:            sessionID,
		conn:          conn,
		dataSource:    dataSource,
		executor:      executor,
		decoder:       NewMessageDecoder(),
		ctxt:          ctxt,
		cancel:        cancel,
		state:         SessionAwaitingConnect,
		subscriptions: map[string]Subscription{},
		sideTable:     map[reflect.Type]interface{}{},
	}
	instance.mergeBox = NewMergeBox(instance, logTags)
	metrics.ActiveSessions.Inc()
	return instance
}

// ID the session ID
func (s *Session) ID() string {
	return s.id
}

// Context the session context. It is cancelled once the session closes.
func (s *Session) Context() context.Context {
	return s.ctxt
}

// Executor the executor running the session's continuations
func (s *Session) Executor() invalidation.Executor {
	return s.executor
}

// MergeBox the session's merge box
func (s *Session) MergeBox() *MergeBox {
	return s.mergeBox
}

// State the protocol state
func (s *Session) State() SessionState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// SetState store extension state, keyed by its type
func (s *Session) SetState(value interface{}) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sideTable[reflect.TypeOf(value)] = value
}

// GetState fetch extension state by type
func (s *Session) GetState(theType reflect.Type) (interface{}, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	value, ok := s.sideTable[theType]
	return value, ok
}

// SubscriptionIDs IDs of the session's subscriptions
func (s *Session) SubscriptionIDs() []string {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]string, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

// SendMessage send one message to the client
func (s *Session) SendMessage(msg OutboundMessage) error {
	if s.State() == SessionClosed {
		return ErrSessionClosed
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to encode %s", msg.MessageType())
		return err
	}
	log.WithFields(s.LogTags).Debugf("Sending: %s", frame)
	if err := s.conn.Send(frame); err != nil {
		return err
	}
	metrics.MessagesSent.WithLabelValues(msg.MessageType()).Inc()
	return nil
}

// GotMessage process one inbound frame. Protocol errors close the connection.
func (s *Session) GotMessage(frame []byte) error {
	if s.State() == SessionClosed {
		return ErrSessionClosed
	}
	msg, err := s.decoder.Decode(frame)
	if err != nil {
		metrics.ProtocolErrors.Inc()
		log.WithError(err).WithFields(s.LogTags).Errorf("Rejecting frame: %s", frame)
		s.UnexpectedError(err)
		return err
	}
	metrics.MessagesReceived.WithLabelValues(msg.MessageType()).Inc()
	switch m := msg.(type) {
	case *ConnectMessage:
		err = s.onConnect(m)
	case *PingMessage:
		err = s.SendMessage(&PongMessage{Msg: MsgPong, ID: m.ID})
	case *SubMessage:
		err = s.onSubscribe(m)
	case *UnsubMessage:
		err = s.onUnsubscribe(m)
	case *MethodMessage:
		err = s.onMethod(m)
	default:
		err = fmt.Errorf("%w: unhandled msg '%s'", ErrProtocol, msg.MessageType())
		metrics.ProtocolErrors.Inc()
		log.WithError(err).WithFields(s.LogTags).Error("Rejecting message")
		s.UnexpectedError(err)
		return err
	}
	if err != nil && !errors.Is(err, ErrSessionClosed) {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to process %s", msg.MessageType())
		s.UnexpectedError(err)
	}
	return err
}

func (s *Session) onConnect(_ *ConnectMessage) error {
	s.lock.Lock()
	if s.state == SessionAwaitingConnect {
		s.state = SessionOpen
	}
	s.lock.Unlock()
	log.WithFields(s.LogTags).Info("Session connected")
	return s.SendMessage(&ConnectedMessage{Msg: MsgConnected, Session: s.id})
}

func (s *Session) sendNoSub(subscriptionID string, cause error) error {
	return s.SendMessage(&NoSubMessage{Msg: MsgNoSub, ID: subscriptionID, Error: BuildError(cause)})
}

func (s *Session) onSubscribe(msg *SubMessage) error {
	logTags := common.CopyLogTags(s.LogTags, log.Fields{"subscription": msg.ID, "publication": msg.Name})

	s.lock.Lock()
	_, exists := s.subscriptions[msg.ID]
	s.lock.Unlock()
	if exists {
		log.WithFields(logTags).Warn("Ignoring duplicate subscription ID")
		return nil
	}

	publish, err := s.dataSource.GetPublishFunction(msg.Name, msg.Params)
	if err != nil {
		log.WithError(err).WithFields(logTags).Warn("Unable to resolve publication")
		return s.sendNoSub(msg.ID, err)
	}
	sub, err := publish(s, msg.ID)
	if err != nil {
		log.WithError(err).WithFields(logTags).Warn("Unable to create subscription")
		return s.sendNoSub(msg.ID, err)
	}

	s.lock.Lock()
	if s.state == SessionClosed {
		s.lock.Unlock()
		sub.Disconnected()
		return ErrSessionClosed
	}
	s.subscriptions[msg.ID] = sub
	s.lock.Unlock()
	metrics.ActiveSubscriptions.Inc()

	if err := sub.Begin(); err != nil {
		log.WithError(err).WithFields(logTags).Warn("Subscription failed to begin")
		s.removeSubscription(msg.ID)
		sub.Disconnected()
		// Withdraw anything published before the failure
		if err := s.mergeBox.ReplaceAll(msg.ID, sub.Collection(), nil); err != nil {
			return err
		}
		return s.sendNoSub(msg.ID, err)
	}
	return nil
}

// removeSubscription drop a subscription from the table, returning it
func (s *Session) removeSubscription(subscriptionID string) (Subscription, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	sub, ok := s.subscriptions[subscriptionID]
	if ok {
		delete(s.subscriptions, subscriptionID)
		metrics.ActiveSubscriptions.Dec()
	}
	return sub, ok
}

func (s *Session) onUnsubscribe(msg *UnsubMessage) error {
	sub, ok := s.removeSubscription(msg.ID)
	if !ok {
		log.WithFields(s.LogTags).Debugf("Unsubscribe of unknown subscription %s", msg.ID)
		return s.sendNoSub(msg.ID, nil)
	}
	return sub.End()
}

func (s *Session) onMethod(msg *MethodMessage) error {
	logTags := common.CopyLogTags(s.LogTags, log.Fields{"method": msg.Method, "method_id": msg.ID})
	start := time.Now()
	result, err := s.dataSource.ExecuteMethod(s, msg.ID, msg.Method, msg.Params)
	if err != nil {
		metrics.MethodDuration.WithLabelValues(msg.Method, "failure").Observe(time.Since(start).Seconds())
		log.WithError(err).WithFields(logTags).Warn("Method failed")
		if err := s.SendMessage(&ResultMessage{Msg: MsgResult, ID: msg.ID, Error: BuildError(err)}); err != nil {
			return err
		}
		// Nothing was changed, so there is nothing to wait for
		return s.NotifyMethodsUpdated(msg.ID)
	}
	metrics.MethodDuration.WithLabelValues(msg.Method, "success").Observe(time.Since(start).Seconds())
	if err := s.SendMessage(&ResultMessage{Msg: MsgResult, ID: msg.ID, Result: result.Result}); err != nil {
		return err
	}
	waitStart := time.Now()
	result.Completion.OnComplete(func(position int64, err error) {
		if err != nil {
			metrics.ConsistencyWaitDuration.WithLabelValues("failure").Observe(time.Since(waitStart).Seconds())
			log.WithError(err).WithFields(logTags).Error("Consistency wait failed")
			// Fatal: no updated is sent for effects that may not be visible
			s.UnexpectedError(err)
			return
		}
		metrics.ConsistencyWaitDuration.WithLabelValues("success").Observe(time.Since(waitStart).Seconds())
		log.WithFields(logTags).Debugf("Method effects visible at position %d", position)
		if err := s.NotifyMethodsUpdated(msg.ID); err != nil && !errors.Is(err, ErrSessionClosed) {
			s.UnexpectedError(err)
		}
	})
	return nil
}

// NotifyMethodsUpdated tell the client the effects of methods are visible
func (s *Session) NotifyMethodsUpdated(methodIDs ...string) error {
	return s.SendMessage(&UpdatedMessage{Msg: MsgUpdated, Methods: methodIDs})
}

// RecalculateSubscriptions re-run the query of every subscription
func (s *Session) RecalculateSubscriptions() {
	log.WithFields(s.LogTags).Info("Recalculating subscriptions")
	s.lock.Lock()
	subs := make([]Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, sub)
	}
	s.lock.Unlock()
	for _, sub := range subs {
		if err := sub.Recalculate(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Warnf("Error recalculating subscription %s", sub.ID())
		}
	}
}

// UnexpectedError close the connection after an unrecoverable error
func (s *Session) UnexpectedError(err error) {
	log.WithError(err).WithFields(s.LogTags).Error("Unexpected error, closing connection")
	if closeErr := s.conn.Close(); closeErr != nil {
		log.WithError(closeErr).WithFields(s.LogTags).Warn("Ignoring error closing connection")
	}
	s.OnClose()
}

// OnClose tear down the session once the connection is gone. Every
// subscription is disconnected and the merge box is cleared; nothing more is
// sent.
func (s *Session) OnClose() {
	s.lock.Lock()
	if s.state == SessionClosed {
		s.lock.Unlock()
		return
	}
	s.state = SessionClosed
	subs := s.subscriptions
	s.subscriptions = map[string]Subscription{}
	s.lock.Unlock()

	log.WithFields(s.LogTags).Info("Connection closed")
	for _, sub := range subs {
		sub.Disconnected()
		metrics.ActiveSubscriptions.Dec()
	}
	s.mergeBox.Disconnected()
	s.cancel()
	metrics.ActiveSessions.Dec()
}
