package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second

	wsSendBuffer = 32
)

var errClientClosed = errors.New("signaling: client closed")

// WSClient is the production Channel: a persistent websocket to the
// signaling server with automatic reconnection. Auth is a bearer token
// presented at dial time; individual signaling payloads carry no
// credentials of their own.
type WSClient struct {
	url    string
	token  string
	logger *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	state    ConnState
	handlers map[string][]Handler
	stateFns []func(ConnState)
	send     chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSClient prepares a client for url. Connect starts the dial/reconnect
// loop; subscriptions may be registered before or after connecting.
func NewWSClient(url, token string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSClient{
		url:      url,
		token:    token,
		logger:   logger,
		state:    StateDisconnected,
		handlers: make(map[string][]Handler),
		send:     make(chan []byte, wsSendBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect starts the connection loop. Each drop is retried with exponential
// backoff; subscribers observe Disconnected/Connecting/Connected transitions
// and are expected to re-register identity on every Connected.
func (c *WSClient) Connect() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
}

func (c *WSClient) run() {
	for {
		if c.ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		conn, err := c.dial()
		if err != nil {
			c.logger.Warn("signaling dial failed", "url", c.url, "error", err)
			c.setState(StateDisconnected)
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.setState(StateConnected)

		done := make(chan struct{})
		go c.writePump(conn, done)
		c.readPump(conn)
		close(done)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.setState(StateDisconnected)
	}
}

func (c *WSClient) dial() (*websocket.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry until cancelled

	var conn *websocket.Conn
	operation := func() error {
		header := http.Header{}
		if c.token != "" {
			header.Set("Authorization", "Bearer "+c.token)
		}
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		var err error
		conn, _, err = dialer.DialContext(c.ctx, c.url, header)
		if err != nil {
			c.logger.Debug("signaling dial attempt failed", "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, c.ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *WSClient) readPump(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug("signaling read closed", "error", err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.logger.Debug("signaling bad json", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *WSClient) writePump(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer func() { _ = conn.Close() }()

	for {
		select {
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *WSClient) dispatch(env Envelope) {
	c.mu.Lock()
	fns := append([]Handler(nil), c.handlers[env.Type]...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (c *WSClient) Send(event, to string, data any) error {
	if c.ctx.Err() != nil {
		return errClientClosed
	}
	payload, err := json.Marshal(Envelope{Type: event, To: to, Data: MarshalData(data)})
	if err != nil {
		return err
	}
	select {
	case c.send <- payload:
		return nil
	default:
		// Drop rather than block the caller; signaling handlers tolerate
		// missing events the same way they tolerate network loss.
		c.logger.Warn("signaling send buffer full, dropping", "event", event)
		return nil
	}
}

func (c *WSClient) Subscribe(event string, fn Handler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], fn)
	c.mu.Unlock()
}

func (c *WSClient) OnStateChange(fn func(ConnState)) {
	c.mu.Lock()
	c.stateFns = append(c.stateFns, fn)
	c.mu.Unlock()
}

func (c *WSClient) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *WSClient) Close() error {
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *WSClient) setState(s ConnState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	fns := append([]func(ConnState){}, c.stateFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}
