package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/ddpserver/common"
	"github.com/alwitt/ddpserver/core"
	"github.com/alwitt/ddpserver/ddp"
	"github.com/alwitt/ddpserver/storage"
	"github.com/apex/log"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
)

var _ ddp.MutationListener = &Feed{}

type publishedMsg struct {
	subject string
	payload []byte
}

type recordingPublisher struct {
	lock      sync.Mutex
	published []publishedMsg
	fail      error
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, msg []byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.published = append(p.published, publishedMsg{subject: subject, payload: msg})
	return nil
}

func (p *recordingPublisher) messages() []publishedMsg {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]publishedMsg{}, p.published...)
}

func TestSubjectValidation(t *testing.T) {
	assert := assert.New(t)

	assert.Nil(validateSubjectName("ddp.changes.todos.insert"))
	assert.NotNil(validateSubjectName(""))
	assert.NotNil(validateSubjectName("ddp.changes.>"))
	assert.NotNil(validateSubjectName("ddp.*.todos"))
	assert.NotNil(validateSubjectName("ddp..todos"))
	assert.NotNil(validateSubjectName("ddp changes"))
}

func TestFeedPublishing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	pool, err := common.GetNewWorkerPoolInstance("ut-feed", 4)
	assert.Nil(err)
	defer func() {
		_ = pool.Release(time.Second)
	}()

	publisher := &recordingPublisher{}

	// Case 0: invalid params
	{
		_, err := NewFeed(context.Background(), publisher, pool, "", time.Second)
		assert.NotNil(err)
		_, err = NewFeed(context.Background(), publisher, pool, "ddp.changes", 0)
		assert.NotNil(err)
	}

	uut, err := NewFeed(context.Background(), publisher, pool, "ddp.changes", time.Second)
	assert.Nil(err)
	assert.Equal([]string{"ddp.changes.>"}, uut.StreamSubjects())
	assert.Equal("ddp.changes.todos.insert", uut.Subject("todos", "insert"))

	// Case 1: mutations are exported
	{
		uut.MutationApplied(storage.MethodCall{
			SessionID: "session-1", MethodID: "1", Collection: "todos", Action: storage.ActionInsert,
		}, 1)
		uut.MutationApplied(storage.MethodCall{
			SessionID: "session-1", MethodID: "2", Collection: "todos", Action: storage.ActionRemove,
		}, 2)
		uut.Wait()

		msgs := publisher.messages()
		assert.Len(msgs, 2)
		bySubject := map[string]ChangeEvent{}
		for _, msg := range msgs {
			var event ChangeEvent
			assert.Nil(json.Unmarshal(msg.payload, &event))
			bySubject[msg.subject] = event
		}
		insert, ok := bySubject["ddp.changes.todos.insert"]
		assert.True(ok)
		assert.Equal("todos", insert.Collection)
		assert.Equal("1", insert.MethodID)
		assert.Equal("session-1", insert.Session)
		assert.Equal(int64(1), insert.Position)
		assert.False(insert.Timestamp.IsZero())
		remove, ok := bySubject["ddp.changes.todos.remove"]
		assert.True(ok)
		assert.Equal(int64(2), remove.Position)
	}

	// Case 2: publish failures are dropped
	{
		publisher.lock.Lock()
		publisher.fail = fmt.Errorf("dummy error")
		publisher.lock.Unlock()
		uut.MutationApplied(storage.MethodCall{
			SessionID: "session-1", MethodID: "3", Collection: "todos", Action: storage.ActionUpdate,
		}, 3)
		uut.Wait()
		assert.Len(publisher.messages(), 2)
	}
}

func TestFeedOverJetStream(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	testName := "ut-feed-js"

	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	assert.Nil(err)
	go ns.Start()
	assert.True(ns.ReadyForConnections(time.Second * 5))
	defer ns.Shutdown()

	natsParam := core.NATSConnectParams{
		ServerURI:           ns.ClientURL(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
	}
	js, err := core.GetJetStream(natsParam)
	assert.Nil(err)
	defer js.Close(context.Background())

	pool, err := common.GetNewWorkerPoolInstance(testName, 4)
	assert.Nil(err)
	defer func() {
		_ = pool.Release(time.Second)
	}()

	streams, err := GetStreamController(js, testName)
	assert.Nil(err)
	publisher, err := GetJetStreamPublisher(js, testName)
	assert.Nil(err)
	uut, err := NewFeed(context.Background(), publisher, pool, "ddp.changes", time.Second)
	assert.Nil(err)

	// Case 0: invalid stream params
	{
		_, err := streams.EnsureStream(StreamParam{Name: testName})
		assert.NotNil(err)
		_, err = streams.GetStream(testName)
		assert.NotNil(err)
	}

	// Case 1: define the stream
	{
		info, err := streams.EnsureStream(StreamParam{Name: testName, Subjects: uut.StreamSubjects()})
		assert.Nil(err)
		assert.Equal(uut.StreamSubjects(), info.Config.Subjects)
	}

	// Case 2: defining again is a no-op; a new subject extends the stream
	{
		info, err := streams.EnsureStream(StreamParam{Name: testName, Subjects: uut.StreamSubjects()})
		assert.Nil(err)
		assert.Len(info.Config.Subjects, 1)
		info, err = streams.EnsureStream(StreamParam{Name: testName, Subjects: []string{"ddp.audit.>"}})
		assert.Nil(err)
		assert.ElementsMatch([]string{"ddp.changes.>", "ddp.audit.>"}, info.Config.Subjects)
	}

	// Case 3: publish mutation events
	{
		uut.MutationApplied(storage.MethodCall{
			SessionID: "session-1", MethodID: "1", Collection: "todos", Action: storage.ActionInsert,
		}, 1)
		uut.Wait()
		info, err := streams.GetStream(testName)
		assert.Nil(err)
		assert.Equal(uint64(1), info.State.Msgs)

		stored, err := js.JetStream().GetMsg(testName, 1)
		assert.Nil(err)
		assert.Equal("ddp.changes.todos.insert", stored.Subject)
		var event ChangeEvent
		assert.Nil(json.Unmarshal(stored.Data, &event))
		assert.Equal("todos", event.Collection)
		assert.Equal(storage.ActionInsert, event.Action)
		assert.Equal(int64(1), event.Position)
	}

	// Case 4: publishing outside of any stream fails
	{
		ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NotNil(publisher.Publish(ctxt, "unknown.subject", []byte("hello")))
		assert.NotNil(publisher.Publish(ctxt, "bad subject", []byte("hello")))
	}

	// Case 5: delete the stream
	{
		assert.Nil(streams.DeleteStream(testName))
		assert.NotNil(streams.DeleteStream(testName))
	}
}
