package core

import (
	"context"
	"testing"
	"time"

	"github.com/alwitt/ddpserver/common"
	"github.com/apex/log"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func startEmbeddedNATS(t *testing.T) *server.Server {
	ns, err := server.NewServer(&server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		t.Fatalf("unable to define NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(time.Second * 5) {
		t.Fatal("NATS server not ready")
	}
	return ns
}

func TestJetStreamClient(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ns := startEmbeddedNATS(t)
	defer ns.Shutdown()

	// Case 0: invalid URI
	{
		_, err := GetJetStream(NATSConnectParams{ServerURI: "not a uri"})
		assert.NotNil(err)
	}

	// Case 1: connect through the config section
	{
		param := NATSConnectParamsFromConfig(common.NATSConfig{
			ServerURI:      ns.ClientURL(),
			ConnectTimeout: 1,
			Reconnect:      common.NATSReconnectConfig{MaxAttempts: 0, WaitInterval: 1},
		})
		assert.Equal(time.Second, param.ConnectTimeout)
		assert.Equal(time.Second, param.ReconnectWait)
		closed := make(chan bool, 1)
		param.OnCloseCallback = func(_ *nats.Conn) {
			closed <- true
		}
		uut, err := GetJetStream(param)
		assert.Nil(err)
		assert.True(uut.Connected())
		assert.NotNil(uut.JetStream())

		ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		uut.Close(ctxt)
		select {
		case <-closed:
		case <-time.After(time.Second * 5):
			assert.Fail("close callback not called")
		}
		assert.False(uut.Connected())
	}
}
