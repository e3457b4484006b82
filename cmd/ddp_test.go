package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/ddpserver/common"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func getFreePort(t *testing.T) uint16 {
	socket, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to find a free port: %v", err)
	}
	defer socket.Close()
	return uint16(socket.Addr().(*net.TCPAddr).Port)
}

func waitForHTTP(url string, timeout time.Duration) (*http.Response, error) {
	deadline := time.Now().Add(timeout)
	for {
		resp, err := http.Get(url)
		if err == nil && resp.StatusCode == http.StatusOK {
			return resp, nil
		}
		if err == nil {
			resp.Body.Close()
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%s not reachable", url)
		}
		time.Sleep(time.Millisecond * 20)
	}
}

func TestRunDDPServer(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	common.InstallDefaultConfigValues()
	var config common.SystemConfig
	assert.Nil(viper.Unmarshal(&config))
	config.DDP.HTTPSetting.Server.ListenOn = "127.0.0.1"
	config.DDP.Session.KeepAliveInterval = 0
	config.Storage.Collections = []string{"todos", "notes"}

	// Case 0: command line overrides
	{
		args := DDPServerCLIArgs{ServerPort: int(getFreePort(t)), StorageBackend: "sqlite"}
		config.Storage.SQLitePath = filepath.Join(t.TempDir(), "ddp.db")
		assert.Nil(args.ApplyOverrides(&config))
		assert.Equal(uint16(args.ServerPort), config.DDP.HTTPSetting.Server.Port)
		assert.Equal("sqlite", config.Storage.Backend)
		assert.NotNil(DDPServerCLIArgs{StorageBackend: "etcd"}.ApplyOverrides(&config))
	}

	// Case 1: change feed without a NATS client
	{
		broken := config
		broken.ChangeFeed.Enabled = true
		assert.NotNil(RunDDPServer(context.Background(), &broken, "ut", nil, &sync.WaitGroup{}))
	}

	wg := sync.WaitGroup{}
	utCtxt, utCancel := context.WithCancel(context.Background())
	serverErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		serverErr <- RunDDPServer(utCtxt, &config, "ut", nil, &wg)
	}()
	baseURL := fmt.Sprintf("127.0.0.1:%d", config.DDP.HTTPSetting.Server.Port)

	// Case 2: health checks
	{
		resp, err := waitForHTTP(fmt.Sprintf("http://%s/alive", baseURL), time.Second*5)
		assert.Nil(err)
		if resp != nil {
			resp.Body.Close()
		}
		resp, err = waitForHTTP(fmt.Sprintf("http://%s/ready", baseURL), time.Second*5)
		assert.Nil(err)
		if resp != nil {
			resp.Body.Close()
		}
	}

	// Case 3: DDP over the websocket endpoint
	{
		socket, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/websocket", baseURL), nil)
		assert.Nil(err)
		send := func(frame string) {
			assert.Nil(socket.WriteMessage(websocket.TextMessage, []byte(frame)))
		}
		readUntil := func(msgType string) []string {
			frames := []string{}
			for {
				_ = socket.SetReadDeadline(time.Now().Add(time.Second * 2))
				_, payload, err := socket.ReadMessage()
				if err != nil {
					assert.Nil(err)
					return frames
				}
				frames = append(frames, string(payload))
				if strings.Contains(string(payload), fmt.Sprintf(`"msg":"%s"`, msgType)) {
					return frames
				}
			}
		}
		send(`{"msg":"connect"}`)
		readUntil("connected")
		send(`{"msg":"sub","id":"c","name":"ddp.collections"}`)
		frames := readUntil("ready")
		joined := strings.Join(frames, "\n")
		assert.Contains(joined, `"collection":"ddp_collections"`)
		assert.Contains(joined, `"id":"notes"`)
		assert.Contains(joined, `"id":"todos"`)

		send(`{"msg":"sub","id":"t","name":"notes"}`)
		readUntil("ready")
		send(`{"msg":"method","id":"1","method":"/notes/insert","params":[{"_id":"n1","body":"x"}]}`)
		frames = readUntil("updated")
		joined = strings.Join(frames, "\n")
		assert.Contains(joined, `"msg":"added"`)
		assert.Contains(joined, `"msg":"result"`)

		send(`{"msg":"method","id":"2","method":"ddp.recalculate","params":[]}`)
		frames = readUntil("updated")
		assert.Contains(strings.Join(frames, "\n"), `"result":2`)
		assert.Nil(socket.Close())
	}

	// Case 4: metrics
	{
		resp, err := waitForHTTP(fmt.Sprintf("http://%s/metrics", baseURL), time.Second*5)
		assert.Nil(err)
		if resp != nil {
			body, err := io.ReadAll(resp.Body)
			assert.Nil(err)
			resp.Body.Close()
			assert.Contains(string(body), "ddp_messages_received_total")
		}
	}

	utCancel()
	select {
	case err := <-serverErr:
		assert.Nil(err)
	case <-time.After(time.Second * 15):
		assert.Fail("server did not stop")
	}
	wg.Wait()
}
