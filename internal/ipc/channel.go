package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"shardfleet/internal/logging"
)

// ErrChannelClosed is returned by Send and Request once the channel is closed.
var ErrChannelClosed = errors.New("ipc: channel closed")

// Handler receives every inbound message that is not the answer to one of the
// channel's own requests.
type Handler func(msg Message)

// NewRequestID returns a unique request id: a time-ordered prefix followed by
// random bits (UUIDv7).
func NewRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Channel is a bidirectional message transport over a reader/writer pair.
// Writes are serialized. Results for requests issued through Request are
// matched by id; everything else goes to the Handler given to Serve.
type Channel struct {
	codec  Codec
	dec    Decoder
	closer io.Closer

	writeMu sync.Mutex
	enc     Encoder

	mu      sync.Mutex
	pending map[string]chan any
	closed  bool

	// malformedLog throttles the warning for skipped messages.
	malformedLog rate.Sometimes
}

// NewChannel creates a channel reading from r and writing to w. If w is an
// io.Closer it is closed by Close.
func NewChannel(r io.Reader, w io.Writer, codec Codec) *Channel {
	if codec == nil {
		codec = JSONCodec{}
	}
	c := &Channel{
		codec:   codec,
		dec:     codec.NewDecoder(r),
		enc:     codec.NewEncoder(w),
		pending: make(map[string]chan any),

		malformedLog: rate.Sometimes{First: 1, Interval: time.Second},
	}
	if closer, ok := w.(io.Closer); ok {
		c.closer = closer
	}
	return c
}

// Codec returns the codec in use.
func (c *Channel) Codec() Codec {
	return c.codec
}

// Send writes one message.
func (c *Channel) Send(msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.enc.Encode(&msg); err != nil {
		return fmt.Errorf("ipc: send %s: %w", msg, err)
	}
	logging.IPCDebug("sent %s", msg)
	return nil
}

// Request sends msg with a fresh id and waits for the matching result.
// There is no built-in timeout: if the peer never answers, Request blocks
// until ctx is done or the channel is closed.
func (c *Channel) Request(ctx context.Context, msg Message) (any, error) {
	msg.ID = NewRequestID()
	ch := make(chan any, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	if err := c.Send(msg); err != nil {
		c.forget(msg.ID)
		return nil, err
	}

	select {
	case out, ok := <-ch:
		if !ok {
			return nil, ErrChannelClosed
		}
		return out, nil
	case <-ctx.Done():
		c.forget(msg.ID)
		return nil, ctx.Err()
	}
}

// Pending returns the number of outstanding requests.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Channel) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// resolve delivers a result to a local pending request. Returns false if no
// request with that id is outstanding.
func (c *Channel) resolve(msg Message) bool {
	if msg.ID == "" {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- msg.Output
	}
	return ok
}

// Serve runs the read loop until the stream ends. Messages are handed to h in
// arrival order. Returns nil on a clean end of stream. Malformed messages are
// skipped; a framing error ends the loop.
func (c *Channel) Serve(h Handler) error {
	for {
		var msg Message
		if err := c.dec.Decode(&msg); err != nil {
			var malformed *MalformedError
			if errors.As(err, &malformed) {
				c.malformedLog.Do(func() {
					logging.Get(logging.CategoryIPC).Warn("ipc: skipping %v", err)
				})
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("ipc: read: %w", err)
		}
		logging.IPCDebug("received %s", msg)

		if msg.Op == OpResult && c.resolve(msg) {
			continue
		}
		if h != nil {
			h(msg)
		}
	}
}

// Close closes the write side and fails every outstanding request.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
