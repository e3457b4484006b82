package ddp

import (
	"sort"
	"sync"

	"github.com/alwitt/ddpserver/common"
	"github.com/alwitt/ddpserver/storage"
	"github.com/apex/log"
)

// MessageSender delivers outbound messages to the client
type MessageSender interface {
	// SendMessage send one message to the client
	SendMessage(msg OutboundMessage) error
}

// clientCollectionState documents of one collection as seen by the client
type clientCollectionState struct {
	name string
	lock sync.Mutex
	// refCounts number of subscriptions currently contributing each document
	refCounts map[string]int
	// contributed documents last contributed by each subscription
	contributed map[string]map[string]bool
}

// MergeBox tracks the documents delivered to one client, so that documents
// shared by several subscriptions are only added and removed once
type MergeBox struct {
	common.Component
	sender      MessageSender
	lock        sync.Mutex
	closed      bool
	collections map[string]*clientCollectionState
}

// NewMergeBox define a new MergeBox
func NewMergeBox(sender MessageSender, logTags log.Fields) *MergeBox {
	return &MergeBox{
		Component:   common.Component{LogTags: common.CopyLogTags(logTags, log.Fields{"component": "merge-box"})},
		sender:      sender,
		collections: map[string]*clientCollectionState{},
	}
}

// getCollection fetch the state of a collection, defining it if needed
func (m *MergeBox) getCollection(collection string) (*clientCollectionState, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.closed {
		return nil, ErrSessionClosed
	}
	state, ok := m.collections[collection]
	if !ok {
		state = &clientCollectionState{
			name:        collection,
			refCounts:   map[string]int{},
			contributed: map[string]map[string]bool{},
		}
		m.collections[collection] = state
	}
	return state, nil
}

// ReplaceAll record the full current result set of a subscription, sending the
// client the deltas against what the subscription contributed before.
//
// Every document present in the new set is sent, either as added if no
// subscription was contributing it yet, or as changed otherwise. Documents
// which left the set are removed only once no other subscription contributes
// them.
func (m *MergeBox) ReplaceAll(subscriptionID, collection string, items []storage.Item) error {
	state, err := m.getCollection(collection)
	if err != nil {
		return err
	}
	state.lock.Lock()
	defer state.lock.Unlock()

	var sendErr error
	send := func(msg *DocumentMessage) {
		if err := m.sender.SendMessage(msg); err != nil && sendErr == nil {
			sendErr = err
		}
	}

	previous := state.contributed[subscriptionID]
	current := make(map[string]bool, len(items))
	for _, item := range items {
		if current[item.ID] {
			log.WithFields(m.LogTags).Warnf(
				"Subscription %s delivered %s/%s twice", subscriptionID, collection, item.ID,
			)
			continue
		}
		current[item.ID] = true
		msgType := MsgChanged
		if state.refCounts[item.ID] <= 0 {
			msgType = MsgAdded
		}
		if !previous[item.ID] {
			state.refCounts[item.ID]++
		}
		send(&DocumentMessage{Msg: msgType, Collection: collection, ID: item.ID, Fields: item.Fields})
	}

	departed := []string{}
	for id := range previous {
		if !current[id] {
			departed = append(departed, id)
		}
	}
	sort.Strings(departed)
	for _, id := range departed {
		state.refCounts[id]--
		if state.refCounts[id] == 0 {
			delete(state.refCounts, id)
			send(&DocumentMessage{Msg: MsgRemoved, Collection: collection, ID: id})
		}
	}

	if len(current) == 0 {
		delete(state.contributed, subscriptionID)
	} else {
		state.contributed[subscriptionID] = current
	}
	return sendErr
}

// SendReady notify the client that the initial snapshot of subscriptions are complete
func (m *MergeBox) SendReady(subscriptionIDs ...string) error {
	return m.sender.SendMessage(&ReadyMessage{Msg: MsgReady, Subs: subscriptionIDs})
}

// Unsubscribe withdraw every document contributed by a subscription, then
// notify the client the subscription has stopped
func (m *MergeBox) Unsubscribe(subscriptionID, collection string) error {
	if err := m.ReplaceAll(subscriptionID, collection, nil); err != nil {
		return err
	}
	return m.sender.SendMessage(&NoSubMessage{Msg: MsgNoSub, ID: subscriptionID})
}

// Disconnected discard all state. The client is gone, so nothing is sent.
func (m *MergeBox) Disconnected() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.closed = true
	m.collections = map[string]*clientCollectionState{}
}

// refCount number of subscriptions contributing a document
func (m *MergeBox) refCount(collection, id string) int {
	m.lock.Lock()
	state, ok := m.collections[collection]
	m.lock.Unlock()
	if !ok {
		return 0
	}
	state.lock.Lock()
	defer state.lock.Unlock()
	return state.refCounts[id]
}
