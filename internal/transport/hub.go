// Package transport implements the WebSocket side of spec.md §4.1: two
// connection roles, `client` and `runner`, framed as JSON text messages
// carrying a model.Frame envelope. It is generalized from the teacher's
// websocket_messaging.go SessionWebSocketHub/SessionConnection pair: the
// same register/unregister/single-writer-mutex shape, but tracking
// connections by role instead of a single flat set, and persisting
// nothing itself — durability is entirely the owning session.Agent's.
package transport

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaysession/sessiond/internal/model"
)

// maxFrameBytes caps one inbound message, matching the teacher's
// gorilla/websocket defaults (spec.md §4.1 "[ADD]").
const maxFrameBytes = 1 << 20

const pingPeriod = 30 * time.Second

// ClientSocket adapts a gorilla websocket connection to session.ClientConn.
type ClientSocket struct {
	conn   *websocket.Conn
	userID string
	name   string
	email  string
	avatar string

	writeMu sync.Mutex
}

// NewClientSocket wraps conn for a client connection identified by the
// given user attributes (resolved by the caller from the directory or an
// auth header upstream of this package).
func NewClientSocket(conn *websocket.Conn, userID, name, email, avatar string) *ClientSocket {
	conn.SetReadLimit(maxFrameBytes)
	return &ClientSocket{conn: conn, userID: userID, name: name, email: email, avatar: avatar}
}

func (c *ClientSocket) UserID() string    { return c.userID }
func (c *ClientSocket) UserName() string  { return c.name }
func (c *ClientSocket) UserEmail() string { return c.email }
func (c *ClientSocket) UserAvatar() string { return c.avatar }

// Send writes one frame as a JSON text message, serialized by writeMu
// exactly like the teacher's SessionConnection.
func (c *ClientSocket) Send(frame model.Frame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Close closes the underlying connection with a WebSocket close frame.
func (c *ClientSocket) Close(code int, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(5 * time.Second)
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return c.conn.Close()
}

// ReadLoop blocks decoding inbound frames and invoking onFrame for each,
// returning when the connection closes. It runs the ping goroutine
// alongside, mirroring the teacher's handleWebSocketMessages +
// handleWebSocketPing pair.
func (c *ClientSocket) ReadLoop(onFrame func(model.Frame)) {
	stopPing := make(chan struct{})
	go pingLoop(c.conn, &c.writeMu, stopPing)
	defer close(stopPing)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame model.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("transport: malformed client frame from %s: %v", c.userID, err)
			if f, encErr := model.Encode("error", model.RunnerErrorPayload{Message: "malformed frame"}); encErr == nil {
				c.Send(f)
			}
			continue
		}
		onFrame(frame)
	}
}

// RunnerSocket adapts a gorilla websocket connection to session.RunnerConn.
type RunnerSocket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewRunnerSocket wraps conn for the single runner connection.
func NewRunnerSocket(conn *websocket.Conn) *RunnerSocket {
	conn.SetReadLimit(maxFrameBytes)
	return &RunnerSocket{conn: conn}
}

func (r *RunnerSocket) Send(frame model.Frame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteMessage(websocket.TextMessage, b)
}

func (r *RunnerSocket) Close(code int, reason string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	deadline := time.Now().Add(5 * time.Second)
	r.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return r.conn.Close()
}

// ReadLoop mirrors ClientSocket.ReadLoop for the runner role.
func (r *RunnerSocket) ReadLoop(onFrame func(model.Frame)) {
	stopPing := make(chan struct{})
	go pingLoop(r.conn, &r.writeMu, stopPing)
	defer close(stopPing)

	for {
		_, raw, err := r.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame model.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Printf("transport: malformed runner frame: %v", err)
			continue
		}
		onFrame(frame)
	}
}

// pingLoop sends WS-protocol ping frames every pingPeriod, the transport
// keepalive that sits below the JSON `ping`/`pong` application frames.
func pingLoop(conn *websocket.Conn, writeMu *sync.Mutex, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
