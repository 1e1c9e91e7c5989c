// Package channel is a named-event channel over a websocket connection.
// Frames are JSON text messages of the form {"event": name, "data": payload}.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	courierrors "courier/pkg/errors"
	"courier/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	// EventConnect is raised once the connection is established.
	EventConnect = "connect"
	// EventError is raised on dial failure, read failure or remote close.
	EventError = "error"

	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 10 * time.Second
)

// Handler receives the raw data of one event.
type Handler func(data json.RawMessage)

// HandlerID identifies a registration for Off.
type HandlerID uint64

type registration struct {
	id HandlerID
	fn Handler
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// Option configures a Channel.
type Option func(*Channel)

// WithDialer replaces the default websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) { c.dialer = d }
}

// WithHandshakeTimeout sets the handshake timeout of the default dialer.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *Channel) {
		if timeout > 0 {
			d := *c.dialer
			d.HandshakeTimeout = timeout
			c.dialer = &d
		}
	}
}

// WithHeader sets request headers sent with the handshake.
func WithHeader(h http.Header) Option {
	return func(c *Channel) { c.header = h.Clone() }
}

// WithOnConnect registers a hook that runs right after the connection is
// established and before any connect handler. The hook may Emit.
func WithOnConnect(fn func(*Channel)) Option {
	return func(c *Channel) { c.onConnect = fn }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *Channel) {
		if log != nil {
			c.logger = log
		}
	}
}

// Channel is a client-side event channel bound to one address. All handlers
// run on a single goroutine in the order events arrive.
type Channel struct {
	address   string
	dialer    *websocket.Dialer
	header    http.Header
	onConnect func(*Channel)
	logger    *logger.Logger

	mu       sync.Mutex
	handlers map[string][]registration
	nextID   HandlerID
	conn     *websocket.Conn
	started  bool
	closed   bool
	cancel   context.CancelFunc

	writeMu sync.Mutex
	done    chan struct{}
}

// New creates an unconnected channel for address (ws:// or wss://).
func New(address string, opts ...Option) *Channel {
	c := &Channel{
		address: address,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		logger:   logger.Global(),
		handlers: make(map[string][]registration),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithFields("component", "event-channel", "address", address)
	return c
}

// Address returns the address the channel dials.
func (c *Channel) Address() string {
	return c.address
}

// On registers fn for event and returns an id usable with Off.
func (c *Channel) On(event string, fn Handler) HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], registration{id: id, fn: fn})
	return id
}

// Off removes a registration. Unknown ids are ignored.
func (c *Channel) Off(event string, id HandlerID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	regs := c.handlers[event]
	for i, r := range regs {
		if r.id == id {
			c.handlers[event] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(c.handlers[event]) == 0 {
		delete(c.handlers, event)
	}
}

// Connect starts dialing in the background and returns immediately. ctx
// bounds the dial only; use Close to end an established connection.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return courierrors.ErrChannelClosed
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("channel %s already connecting", c.address)
	}
	c.started = true
	dialCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(dialCtx, cancel)
	return nil
}

// Done is closed when the connection goroutine has exited, either because
// the dial failed, the connection dropped, or Close was called.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

func (c *Channel) run(ctx context.Context, cancel context.CancelFunc) {
	defer close(c.done)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(ctx, c.address, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.logger.Warn("dial failed", "error", err)
		c.raiseError(fmt.Errorf("connect %s: %w", c.address, err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.logger.Debug("connected")

	if c.onConnect != nil && !c.isClosed() {
		c.onConnect(c)
	}
	c.dispatch(EventConnect, nil)

	c.readLoop(conn)
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if c.isClosed() {
				return
			}
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			_ = conn.Close()

			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("remote closed channel")
				c.raiseError(fmt.Errorf("remote closed channel: %w", courierrors.ErrChannelClosed))
			} else {
				c.logger.Warn("read failed", "error", err)
				c.raiseError(fmt.Errorf("read: %w", err))
			}
			return
		}

		if msgType != websocket.TextMessage {
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.logger.Warn("discarding malformed frame", "size", len(data))
			continue
		}
		c.dispatch(env.Event, env.Data)
	}
}

func (c *Channel) raiseError(err error) {
	data, _ := json.Marshal(errorPayload{Message: err.Error()})
	c.dispatch(EventError, data)
}

func (c *Channel) dispatch(event string, data json.RawMessage) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	regs := append([]registration(nil), c.handlers[event]...)
	c.mu.Unlock()

	for _, r := range regs {
		if c.isClosed() {
			return
		}
		r.fn(data)
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Emit sends an event with payload marshalled as JSON. A nil payload sends
// no data field.
func (c *Channel) Emit(event string, payload any) error {
	c.mu.Lock()
	closed, conn := c.closed, c.conn
	c.mu.Unlock()

	if closed {
		return courierrors.ErrChannelClosed
	}
	if conn == nil {
		return courierrors.ErrChannelNotConnected
	}

	env := envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Data = data
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Close ends the channel. It is safe to call more than once; after the first
// call no handler runs and Emit fails.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	c.logger.Debug("closed")
	return conn.Close()
}

// ErrorFromData turns the data of an error event into an error.
func ErrorFromData(data json.RawMessage) error {
	var p errorPayload
	if err := json.Unmarshal(data, &p); err == nil && p.Message != "" {
		return errors.New(p.Message)
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil && s != "" {
		return errors.New(s)
	}
	if len(data) > 0 {
		return errors.New(string(data))
	}
	return errors.New("event channel error")
}
