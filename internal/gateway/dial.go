package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soyeahso/unibox/internal/domain"
	"github.com/soyeahso/unibox/internal/version"
)

// RPCError is an error response returned by the gateway.
type RPCError struct {
	Shape ErrorShape
}

func (e *RPCError) Error() string {
	return e.Shape.Code + ": " + e.Shape.Message
}

// Conn is a client connection to a running gateway, used by the CLI.
type Conn struct {
	ws    *websocket.Conn
	hello HelloOK
	seq   atomic.Int64

	mu      sync.Mutex
	pending map[string]chan Frame
	events  chan Frame
	err     error
	done    chan struct{}
}

// Dial connects to url and completes the handshake. viewer scopes the
// connection and may be nil.
func Dial(ctx context.Context, url string, auth ConnectAuth, viewer *domain.Viewer) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		ws.SetReadDeadline(deadline)
	} else {
		ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	}

	var challenge Frame
	if err := ws.ReadJSON(&challenge); err != nil {
		ws.Close()
		return nil, fmt.Errorf("reading challenge: %w", err)
	}
	req, err := NewRequest("connect", "connect", ConnectParams{
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
		Client:      ClientInfo{ID: "unibox-cli", Version: version.Version, Platform: "cli", Mode: "cli"},
		Auth:        &auth,
		Viewer:      viewer,
	})
	if err != nil {
		ws.Close()
		return nil, err
	}
	if err := ws.WriteJSON(req); err != nil {
		ws.Close()
		return nil, fmt.Errorf("sending connect: %w", err)
	}
	var resp Frame
	if err := ws.ReadJSON(&resp); err != nil {
		ws.Close()
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	if resp.Error != nil {
		ws.Close()
		return nil, &RPCError{Shape: *resp.Error}
	}
	c := &Conn{
		ws:      ws,
		pending: make(map[string]chan Frame),
		events:  make(chan Frame, 64),
		done:    make(chan struct{}),
	}
	if err := json.Unmarshal(resp.Payload, &c.hello); err != nil {
		ws.Close()
		return nil, fmt.Errorf("parsing hello: %w", err)
	}
	ws.SetReadDeadline(time.Time{})
	go c.readLoop()
	return c, nil
}

// Hello returns the server's handshake response.
func (c *Conn) Hello() HelloOK { return c.hello }

// Events delivers pushed event frames. Events are dropped when the reader
// falls behind.
func (c *Conn) Events() <-chan Frame { return c.events }

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.mu.Lock()
			c.err = err
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}
		switch f.Type {
		case FrameTypeResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- f
			}
		case FrameTypeEvent:
			select {
			case c.events <- f:
			default:
			}
		}
	}
}

// Call invokes method and decodes the response payload into out, if
// non-nil.
func (c *Conn) Call(ctx context.Context, method string, params, out any) error {
	id := strconv.FormatInt(c.seq.Add(1), 10)
	req, err := NewRequest(id, method, params)
	if err != nil {
		return err
	}
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return fmt.Errorf("gateway connection closed: %w", err)
	}
	c.pending[id] = ch
	err = c.ws.WriteJSON(req)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return fmt.Errorf("gateway connection closed during %s", method)
		}
		if f.Error != nil {
			return &RPCError{Shape: *f.Error}
		}
		if out != nil && len(f.Payload) > 0 {
			return json.Unmarshal(f.Payload, out)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := c.ws.Close()
	<-c.done
	return err
}
