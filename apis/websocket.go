// Copyright 2021-2022 The httpmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/ddpserver/common"
	"github.com/alwitt/ddpserver/ddp"
	"github.com/alwitt/ddpserver/invalidation"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
)

// outboundFrame a DDP frame queued for writing
type outboundFrame struct {
	payload []byte
}

// keepAlivePing a websocket ping queued for writing
type keepAlivePing struct{}

// wsConnection a ddp.Connection over a websocket.
//
// All writes go through a single event loop so frames reach the client in
// the order they were sent.
type wsConnection struct {
	common.Component
	socket       *websocket.Conn
	ctxt         context.Context
	cancel       context.CancelFunc
	writer       common.TaskProcessor
	keepAlive    common.IntervalTimer
	sendTimeout  time.Duration
	writeTimeout time.Duration
	closeOnce    sync.Once
}

// defineWSConnection define a wsConnection and start its writer loop
func defineWSConnection(
	parentCtxt context.Context,
	socket *websocket.Conn,
	config common.DDPSessionConfig,
	logTags log.Fields,
	wg *sync.WaitGroup,
) (*wsConnection, error) {
	ctxt, cancel := context.WithCancel(parentCtxt)
	instance := socket.RemoteAddr().String()
	writer, err := common.GetNewTaskProcessorInstance(
		fmt.Sprintf("ws-writer-%s", instance), config.OutboundBuffer, ctxt,
	)
	if err != nil {
		cancel()
		return nil, err
	}
	keepAlive, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("ws-keepalive-%s", instance), ctxt, wg,
	)
	if err != nil {
		cancel()
		return nil, err
	}
	conn := &wsConnection{
		Component:    common.Component{LogTags: logTags},
		socket:       socket,
		ctxt:         ctxt,
		cancel:       cancel,
		writer:       writer,
		keepAlive:    keepAlive,
		sendTimeout:  time.Second * time.Duration(config.SendTimeout),
		writeTimeout: time.Second * time.Duration(config.WriteTimeout),
	}
	if err := writer.AddToTaskExecutionMap(
		reflect.TypeOf(outboundFrame{}), conn.writeFrame,
	); err != nil {
		cancel()
		return nil, err
	}
	if err := writer.AddToTaskExecutionMap(
		reflect.TypeOf(keepAlivePing{}), conn.writePing,
	); err != nil {
		cancel()
		return nil, err
	}
	if err := writer.StartEventLoop(wg); err != nil {
		cancel()
		return nil, err
	}

	// Close the socket once the server shuts down
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctxt.Done()
		_ = conn.Close()
	}()

	if config.KeepAliveInterval > 0 {
		interval := time.Second * time.Duration(config.KeepAliveInterval)
		// A client missing two pings in a row is gone
		_ = socket.SetReadDeadline(time.Now().Add(interval * 2))
		socket.SetPongHandler(func(string) error {
			return socket.SetReadDeadline(time.Now().Add(interval * 2))
		})
		if err := keepAlive.Start(interval, conn.queuePing, false); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// Send queue a frame for the client
func (c *wsConnection) Send(frame []byte) error {
	select {
	case <-c.ctxt.Done():
		return fmt.Errorf("%w: websocket closed", ddp.ErrSessionClosed)
	default:
	}
	ctxt, cancel := context.WithTimeout(c.ctxt, c.sendTimeout)
	defer cancel()
	if err := c.writer.Submit(outboundFrame{payload: frame}, ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Unable to queue outbound frame")
		return err
	}
	return nil
}

// Close close the websocket. Safe to call more than once.
func (c *wsConnection) Close() error {
	c.closeOnce.Do(func() {
		log.WithFields(c.LogTags).Debug("Closing websocket")
		c.cancel()
		_ = c.keepAlive.Stop()
		_ = c.writer.StopEventLoop()
		_ = c.socket.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeTimeout),
		)
		if err := c.socket.Close(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Debug("Socket close reported error")
		}
	})
	return nil
}

func (c *wsConnection) queuePing() error {
	ctxt, cancel := context.WithTimeout(c.ctxt, c.sendTimeout)
	defer cancel()
	return c.writer.Submit(keepAlivePing{}, ctxt)
}

func (c *wsConnection) writeFrame(param interface{}) error {
	frame, ok := param.(outboundFrame)
	if !ok {
		return fmt.Errorf("can not process unknown type %s", reflect.TypeOf(param))
	}
	if err := c.socket.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		_ = c.Close()
		return err
	}
	if err := c.socket.WriteMessage(websocket.TextMessage, frame.payload); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Websocket write failed")
		_ = c.Close()
		return err
	}
	return nil
}

func (c *wsConnection) writePing(_ interface{}) error {
	if err := c.socket.WriteControl(
		websocket.PingMessage, nil, time.Now().Add(c.writeTimeout),
	); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Websocket ping failed")
		_ = c.Close()
		return err
	}
	return nil
}

// =======================================================================

// DDPWebsocketHandler serves DDP sessions over websockets
type DDPWebsocketHandler struct {
	goutils.RestAPIHandler
	ctxt       context.Context
	wg         *sync.WaitGroup
	dataSource ddp.DataSource
	executor   invalidation.Executor
	config     common.DDPSessionConfig
	upgrader   websocket.Upgrader
}

// GetDDPWebsocketHandler define DDPWebsocketHandler. Sessions are tied to
// ctxt; cancelling it closes every open websocket.
func GetDDPWebsocketHandler(
	ctxt context.Context,
	dataSource ddp.DataSource,
	executor invalidation.Executor,
	sessionConfig common.DDPSessionConfig,
	endpointConfig common.DDPEndpointConfig,
	httpConfig *common.HTTPConfig,
	wg *sync.WaitGroup,
) (*DDPWebsocketHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "ddp-websocket",
	}
	if sessionConfig.OutboundBuffer < 1 || sessionConfig.SendTimeout < 1 || sessionConfig.WriteTimeout < 1 {
		return nil, fmt.Errorf("invalid session config %+v", sessionConfig)
	}
	allowed := map[string]bool{}
	for _, origin := range endpointConfig.AllowedOrigins {
		allowed[origin] = true
	}
	return &DDPWebsocketHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		ctxt:           ctxt,
		wg:             wg,
		dataSource:     dataSource,
		executor:       executor,
		config:         sessionConfig,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
	}, nil
}

// Connect godoc
// @Summary Open a DDP session
// @Description Upgrade to a websocket carrying one DDP session. The session
// lasts until the client disconnects, a protocol error occurs, or the server
// shuts down.
// @tags DDP
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "error"
// @Failure 403 {string} string "error"
// @Router /websocket [get]
func (h *DDPWebsocketHandler) Connect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied to the client
		log.WithError(err).WithFields(localLogTags).Error("Websocket upgrade failed")
		return
	}
	socket.SetReadLimit(h.config.MaxMessageSize)

	connLogTags := common.CopyLogTags(localLogTags, log.Fields{
		"remote": socket.RemoteAddr().String(),
	})
	conn, err := defineWSConnection(h.ctxt, socket, h.config, connLogTags, h.wg)
	if err != nil {
		log.WithError(err).WithFields(connLogTags).Error("Unable to define websocket connection")
		_ = socket.Close()
		return
	}
	session := ddp.NewSession(conn.ctxt, conn, h.dataSource, h.executor)
	log.WithFields(connLogTags).Infof("Started session %s", session.ID())

	defer func() {
		session.OnClose()
		_ = conn.Close()
	}()

	for {
		msgType, payload, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(connLogTags).Warn("Websocket read failed")
			} else {
				log.WithFields(connLogTags).Debug("Websocket closed")
			}
			return
		}
		if msgType != websocket.TextMessage {
			log.WithFields(connLogTags).Debugf("Ignoring websocket frame type %d", msgType)
			continue
		}
		// Protocol errors close the connection, which ends this loop
		_ = session.GotMessage(payload)
	}
}

// ConnectHandler Wrapper around Connect
func (h *DDPWebsocketHandler) ConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Connect(w, r)
	}
}
