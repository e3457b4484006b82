package ddp

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/alwitt/ddpserver/storage"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// recordingSender keeps every message sent
type recordingSender struct {
	lock sync.Mutex
	msgs []OutboundMessage
}

func (r *recordingSender) SendMessage(msg OutboundMessage) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

// take fetch and clear the recorded messages, as "<msg>:<id>" strings
func (r *recordingSender) take() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := []string{}
	for _, msg := range r.msgs {
		switch m := msg.(type) {
		case *DocumentMessage:
			result = append(result, fmt.Sprintf("%s:%s", m.Msg, m.ID))
		case *NoSubMessage:
			result = append(result, fmt.Sprintf("%s:%s", m.Msg, m.ID))
		case *ReadyMessage:
			result = append(result, fmt.Sprintf("%s:%v", m.Msg, m.Subs))
		default:
			result = append(result, msg.MessageType())
		}
	}
	r.msgs = nil
	return result
}

func docs(ids ...string) []storage.Item {
	result := []storage.Item{}
	for _, id := range ids {
		result = append(result, storage.Item{ID: id, Fields: json.RawMessage(`{"v":"` + id + `"}`)})
	}
	return result
}

func TestMergeBoxRefCounting(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	sender := &recordingSender{}
	uut := NewMergeBox(sender, log.Fields{"session": "testing"})

	// Case 1: first delivery
	{
		assert.Nil(uut.ReplaceAll("A", "todos", docs("x", "y")))
		assert.Equal([]string{"added:x", "added:y"}, sender.take())
		assert.Equal(1, uut.refCount("todos", "x"))
	}

	// Case 2: same set again is all changed, nothing removed
	{
		assert.Nil(uut.ReplaceAll("A", "todos", docs("x", "y")))
		assert.Equal([]string{"changed:x", "changed:y"}, sender.take())
		assert.Equal(1, uut.refCount("todos", "x"))
	}

	// Case 3: overlapping subscription
	{
		assert.Nil(uut.ReplaceAll("B", "todos", docs("y", "z")))
		assert.Equal([]string{"changed:y", "added:z"}, sender.take())
		assert.Equal(2, uut.refCount("todos", "y"))
	}

	// Case 4: A drops y, which B still contributes
	{
		assert.Nil(uut.ReplaceAll("A", "todos", docs("x")))
		assert.Equal([]string{"changed:x"}, sender.take())
		assert.Equal(1, uut.refCount("todos", "y"))
	}

	// Case 5: A picks y back up
	{
		assert.Nil(uut.ReplaceAll("A", "todos", docs("x", "y")))
		assert.Equal([]string{"changed:x", "changed:y"}, sender.take())
		assert.Equal(2, uut.refCount("todos", "y"))
	}

	// Case 6: ending A keeps y
	{
		assert.Nil(uut.Unsubscribe("A", "todos"))
		assert.Equal([]string{"removed:x", "nosub:A"}, sender.take())
		assert.Equal(1, uut.refCount("todos", "y"))
		assert.Equal(0, uut.refCount("todos", "x"))
	}

	// Case 7: same ID in a different collection is independent
	{
		assert.Nil(uut.ReplaceAll("C", "lists", docs("y")))
		assert.Equal([]string{"added:y"}, sender.take())
	}

	// Case 8: ending B removes the rest
	{
		assert.Nil(uut.Unsubscribe("B", "todos"))
		assert.Equal([]string{"removed:y", "removed:z", "nosub:B"}, sender.take())
		assert.Equal(1, uut.refCount("lists", "y"))
	}

	// Case 9: ready
	{
		assert.Nil(uut.SendReady("C"))
		assert.Equal([]string{"ready:[C]"}, sender.take())
	}

	// Case 10: duplicate IDs in one result are only counted once
	{
		assert.Nil(uut.ReplaceAll("D", "lists", docs("w", "w")))
		assert.Equal([]string{"added:w"}, sender.take())
		assert.Equal(1, uut.refCount("lists", "w"))
	}

	// Case 11: disconnected drops state silently
	{
		uut.Disconnected()
		assert.Empty(sender.take())
		assert.Equal(0, uut.refCount("lists", "y"))
		assert.ErrorIs(uut.ReplaceAll("C", "lists", docs("y")), ErrSessionClosed)
		assert.Empty(sender.take())
	}
}

func TestMergeBoxRandomSequences(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)
	defer log.SetLevel(log.DebugLevel)

	rng := rand.New(rand.NewSource(42))
	universe := []string{"a", "b", "c", "d", "e", "f"}
	subs := []string{"s1", "s2", "s3"}

	for round := 0; round < 20; round++ {
		sender := &recordingSender{}
		uut := NewMergeBox(sender, log.Fields{"session": "testing"})
		contributions := map[string]map[string]bool{}
		visible := map[string]bool{}

		for step := 0; step < 50; step++ {
			sub := subs[rng.Intn(len(subs))]
			next := map[string]bool{}
			ids := []string{}
			for _, id := range universe {
				if rng.Intn(2) == 0 {
					next[id] = true
					ids = append(ids, id)
				}
			}
			if rng.Intn(5) == 0 {
				assert.Nil(uut.Unsubscribe(sub, "items"))
				next = map[string]bool{}
			} else {
				assert.Nil(uut.ReplaceAll(sub, "items", docs(ids...)))
			}
			contributions[sub] = next

			for _, msg := range sender.msgs {
				doc, ok := msg.(*DocumentMessage)
				if !ok {
					continue
				}
				switch doc.Msg {
				case MsgAdded:
					assert.False(visible[doc.ID], "added while visible")
					visible[doc.ID] = true
				case MsgChanged:
					assert.True(visible[doc.ID], "changed while not visible")
				case MsgRemoved:
					assert.True(visible[doc.ID], "removed while not visible")
					for _, owned := range contributions {
						assert.False(owned[doc.ID], "removed while still contributed")
					}
					visible[doc.ID] = false
				}
			}
			sender.msgs = nil

			// Visibility and reference counts track the contributions exactly
			for _, id := range universe {
				count := 0
				for _, owned := range contributions {
					if owned[id] {
						count++
					}
				}
				assert.Equal(count, uut.refCount("items", id))
				assert.Equal(count > 0, visible[id])
			}
		}
	}
}
