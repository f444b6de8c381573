package mediaserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	pingTimeout    = 5 * time.Second
	pingInterval   = 30 * time.Second
	redialInterval = 5 * time.Second
)

// Client is an asynchronous JSON-RPC 2.0 client for the media server. A
// single read loop correlates responses with outstanding calls by id and
// fans notifications out to registered handlers in arrival order. If the
// connection drops, every pending call fails with ErrConnectionClosed and
// the client redials in the background until Close.
type Client struct {
	url     string
	timeout time.Duration
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex // guards conn, connected, closed and socket writes
	conn      *websocket.Conn
	connected bool
	closed    bool

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan rpcOutcome

	handlersMu sync.RWMutex
	handlers   []EventHandler

	redial *rate.Limiter
}

type rpcOutcome struct {
	result json.RawMessage
	err    error
}

// New creates a client for a ws:// or wss:// media-server endpoint. timeout
// is the default per-call deadline.
func New(url string, timeout time.Duration, log zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		url:     url,
		timeout: timeout,
		log:     log.With().Str("component", "mediaserver").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[int64]chan rpcOutcome),
		redial:  rate.NewLimiter(rate.Every(redialInterval), 1),
	}
}

// Connect dials the media server and starts the read and ping loops. After
// a successful Connect the client keeps itself connected until Close.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connect: client closed")
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial media server %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.log.Info().Str("url", c.url).Msg("Connected to media server")

	c.wg.Add(2)
	go c.run()
	go c.pingLoop()
	return nil
}

// Close stops the reconnect loop, closes the socket and fails anything
// still pending. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	c.failPending(ErrConnectionClosed)
	c.log.Info().Msg("Media server client closed")
	return nil
}

// Connected reports whether the socket is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// AddEventListener registers fn for every media-server notification.
// Handlers run on the read loop: keep them quick and never call back into
// the Client synchronously from one.
func (c *Client) AddEventListener(fn EventHandler) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, fn)
	c.handlersMu.Unlock()
}

// Stats returns a snapshot of client state.
func (c *Client) Stats() Stats {
	c.pendingMu.Lock()
	pending := len(c.pending)
	c.pendingMu.Unlock()

	c.handlersMu.RLock()
	handlers := len(c.handlers)
	c.handlersMu.RUnlock()

	return Stats{
		URL:             c.url,
		Connected:       c.Connected(),
		PendingRequests: pending,
		EventHandlers:   handlers,
	}
}

// Call sends one JSON-RPC request and waits for its response. The context
// bounds the wait; without a deadline the client default applies. On
// timeout the pending entry is cleared, so a late reply is dropped with a
// warning instead of leaking.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	ch := make(chan rpcOutcome, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.write(rpcRequest{ID: id, Method: method, Params: params, JSONRPC: "2.0"}); err != nil {
		c.clearPending(id)
		return nil, fmt.Errorf("send %s: %w", method, err)
	}
	c.log.Trace().Int64("id", id).Str("method", method).Msg("Sent request")

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.result, nil
	case <-ctx.Done():
		c.clearPending(id)
		return nil, fmt.Errorf("request %d (%s): %w", id, method, ctx.Err())
	}
}

// Ping checks media-server liveness with a short deadline.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := c.Call(ctx, "ping", map[string]any{}); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func (c *Client) write(req rpcRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return ErrConnectionClosed
	}
	return c.conn.WriteJSON(req)
}

func (c *Client) clearPending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		ch <- rpcOutcome{err: err}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// run owns the connection: it reads frames until the socket fails, fails
// the in-flight calls, then redials unless the client is closing.
func (c *Client) run() {
	defer c.wg.Done()
	for {
		err := c.readLoop()

		c.mu.Lock()
		c.connected = false
		closed := c.closed
		c.mu.Unlock()

		c.failPending(ErrConnectionClosed)

		if closed || c.ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Msg("Media server connection lost")
		if !c.reconnect() {
			return
		}
	}
}

func (c *Client) readLoop() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var frame rpcFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.log.Error().Err(err).Msg("Failed to parse media server frame")
		return
	}
	c.log.Trace().RawJSON("frame", data).Msg("Media server frame")

	if frame.ID == nil {
		if frame.Method == "" {
			c.log.Warn().Msg("Frame with neither id nor method; dropping")
			return
		}
		c.dispatchEvent(frame)
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[*frame.ID]
	if ok {
		delete(c.pending, *frame.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.log.Warn().Int64("id", *frame.ID).Msg("Response for unknown request id; dropping")
		return
	}

	if frame.Error != nil {
		ch <- rpcOutcome{err: frame.Error}
		return
	}
	ch <- rpcOutcome{result: frame.Result}
}

func (c *Client) dispatchEvent(frame rpcFrame) {
	if frame.Method != "onEvent" {
		c.log.Debug().Str("method", frame.Method).Msg("Ignoring notification")
		return
	}

	var params eventParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		c.log.Error().Err(err).Msg("Failed to decode onEvent params")
		return
	}
	ev := params.Value

	c.handlersMu.RLock()
	handlers := make([]EventHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		c.deliver(h, ev)
	}
}

// deliver runs one handler; a panicking handler must not take down the read
// loop or starve the remaining handlers.
func (c *Client) deliver(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("event_type", ev.Type).Msg("Event handler panicked")
		}
	}()
	h(ev)
}

// reconnect redials until it succeeds or the client closes. Attempts are
// paced so a dead server is not hammered.
func (c *Client) reconnect() bool {
	for {
		if err := c.redial.Wait(c.ctx); err != nil {
			return false
		}
		conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.url, nil)
		if err != nil {
			c.log.Warn().Err(err).Str("url", c.url).Msg("Reconnect attempt failed")
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return false
		}
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		c.log.Info().Str("url", c.url).Msg("Reconnected to media server")
		return true
	}
}

// pingLoop probes the server periodically so a half-dead socket is noticed
// and health reporting stays accurate.
func (c *Client) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		if !c.Connected() {
			continue
		}
		if err := c.Ping(c.ctx); err != nil {
			c.log.Warn().Err(err).Msg("Media server ping failed; dropping connection")
			c.mu.Lock()
			if c.conn != nil {
				c.conn.Close()
			}
			c.mu.Unlock()
		}
	}
}
