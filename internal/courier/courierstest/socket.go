package courierstest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Frame is one event received from a client.
type Frame struct {
	Token string
	Event string
	Data  json.RawMessage
}

// SocketConn is the server side of one client connection.
type SocketConn struct {
	Token string

	ws *websocket.Conn
	mu sync.Mutex
}

// Send writes one event frame to the client.
func (c *SocketConn) Send(event string, data any) error {
	frame := map[string]any{"event": event}
	if data != nil {
		frame["data"] = data
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(frame)
}

// SendRaw writes an arbitrary text frame.
func (c *SocketConn) SendRaw(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(text))
}

// Close closes the connection with a normal close frame.
func (c *SocketConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// SocketServer accepts event-channel connections on /api/{token}.
type SocketServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	// OnConnect, when set, runs on the connection goroutine right after the
	// upgrade, before any frame is read.
	OnConnect func(c *SocketConn)

	conns    chan *SocketConn
	received chan Frame
	closed   chan string
}

// NewSocketServer starts a server that is shut down when the test ends.
func NewSocketServer(t testing.TB) *SocketServer {
	t.Helper()

	s := &SocketServer{
		conns:    make(chan *SocketConn, 16),
		received: make(chan Frame, 256),
		closed:   make(chan string, 16),
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/{token}", s.handle)
	s.server = httptest.NewServer(r)
	t.Cleanup(s.server.Close)
	return s
}

func (s *SocketServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &SocketConn{Token: mux.Vars(r)["token"], ws: ws}
	if s.OnConnect != nil {
		s.OnConnect(conn)
	}
	s.conns <- conn

	for {
		var frame struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := ws.ReadJSON(&frame); err != nil {
			select {
			case s.closed <- conn.Token:
			default:
			}
			return
		}
		s.received <- Frame{Token: conn.Token, Event: frame.Event, Data: frame.Data}
	}
}

// URL returns the http base URL of the server.
func (s *SocketServer) URL() string {
	return s.server.URL
}

// WebsocketURL returns the ws:// base URL of the server.
func (s *SocketServer) WebsocketURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// Address returns the full channel address for token.
func (s *SocketServer) Address(token string) string {
	return s.WebsocketURL() + "/api/" + token
}

// WaitConn waits for the next client connection.
func (s *SocketServer) WaitConn(t testing.TB) *SocketConn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for websocket connection")
		return nil
	}
}

// WaitFrame waits for the next frame sent by any client.
func (s *SocketServer) WaitFrame(t testing.TB) Frame {
	t.Helper()
	select {
	case f := <-s.received:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for websocket frame")
		return Frame{}
	}
}

// WaitClosed waits until a client connection has gone away and returns its
// token.
func (s *SocketServer) WaitClosed(t testing.TB) string {
	t.Helper()
	select {
	case token := <-s.closed:
		return token
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for websocket close")
		return ""
	}
}
