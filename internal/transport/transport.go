// Package transport provides the bidirectional ordered message channel that
// carries a session's control messages and raw audio frames.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/liuweichaox/AIChat/internal/protocol"
)

// ErrClosed is returned by sends after the channel has been closed.
var ErrClosed = errors.New("transport: channel closed")

// Message is one inbound frame. Exactly one of Binary or Control is set:
// binary frames arrive as opaque byte payloads, text frames as decoded
// protocol envelopes.
type Message struct {
	Binary  []byte
	Control *protocol.Envelope
}

// Channel is a websocket-backed, message-ordered duplex channel. Inbound
// frames are delivered in channel order on Messages; the channel performs no
// reordering or coalescing. Writes are serialized internally.
type Channel struct {
	conn *websocket.Conn
	log  *zap.SugaredLogger

	writeMu sync.Mutex

	messages chan Message

	closeOnce sync.Once
	closed    chan struct{}

	errMu sync.Mutex
	err   error
}

// Dial opens a channel to the given websocket URL and starts its read loop.
func Dial(ctx context.Context, url string, log *zap.SugaredLogger) (*Channel, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}

	c := &Channel{
		conn:     conn,
		log:      log,
		messages: make(chan Message, 64),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Messages returns the inbound frame stream. The channel is closed when the
// remote side closes, the connection errors, or Close is called; Err reports
// the reason afterwards.
func (c *Channel) Messages() <-chan Message { return c.messages }

// Err returns the failure that terminated the read loop, or nil after a
// clean local Close or remote close.
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// SendBinary writes one binary frame. Ownership of b transfers to the
// channel; the caller must not reuse it.
func (c *Channel) SendBinary(b []byte) error {
	return c.write(websocket.BinaryMessage, b)
}

// SendControl writes one structured frame (already-marshaled JSON).
func (c *Channel) SendControl(raw []byte) error {
	return c.write(websocket.TextMessage, raw)
}

func (c *Channel) write(messageType int, payload []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(messageType, payload); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Close tears the channel down. Safe to call from any goroutine and
// idempotent; the first call wins.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}

func (c *Channel) readLoop() {
	defer close(c.messages)

	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				// Local close; not a transport failure.
			default:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.Infow("transport closed by remote")
				} else {
					c.setErr(err)
				}
				_ = c.Close()
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.deliver(Message{Binary: payload})
		case websocket.TextMessage:
			env, err := protocol.Decode(payload)
			if err != nil {
				// Malformed control frames are ignored, not fatal.
				c.log.Warnw("ignoring malformed control frame", "error", err)
				continue
			}
			c.deliver(Message{Control: &env})
		}
	}
}

func (c *Channel) deliver(msg Message) {
	select {
	case c.messages <- msg:
	case <-c.closed:
	}
}

func (c *Channel) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}
