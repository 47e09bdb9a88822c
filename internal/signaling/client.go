package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send after the connection has been closed.
var ErrClosed = errors.New("signaling connection closed")

// Conn is a client connection to the signaling endpoint.
type Conn struct {
	ws       *websocket.Conn
	incoming chan Message

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}

	errMu sync.Mutex
	err   error
}

// Dial connects to the signaling websocket at url, authenticating with
// the bearer token.
func Dial(ctx context.Context, url, token string) (*Conn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signaling dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("signaling dial %s: %w", url, err)
	}

	c := &Conn{
		ws:       ws,
		incoming: make(chan Message, 32),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	defer close(c.incoming)
	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.setErr(err)
			return
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Err returns the error that ended the read loop, if any.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Incoming yields frames from the server.  It is closed when the
// connection ends.
func (c *Conn) Incoming() <-chan Message { return c.incoming }

// Send writes msg.  It is safe for concurrent use.
func (c *Conn) Send(msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("signaling send %s: %w", msg.Event, err)
	}
	return nil
}

// Close sends a close frame and releases the socket.  Further calls are
// no-ops.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
