package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxline/voxline/internal/protocol"
	"github.com/voxline/voxline/internal/reliability"
)

// Transport is the agent's connection to the gateway. It hides the socket so
// conversation logic can run against a fake in tests.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	SendCommand(cmd protocol.Command) error
	SendAudio(pcm []byte) error
	Ping() error
	// Receive returns the next raw server frame. ErrReceiveTimeout means no
	// frame arrived in time; ErrDisconnected means the connection dropped
	// and may come back; ErrClosedByPeer means the server closed it on
	// purpose and reconnecting would be wrong.
	Receive(timeout time.Duration) ([]byte, error)
}

var (
	ErrReceiveTimeout = errors.New("receive timed out")
	ErrDisconnected   = errors.New("transport disconnected")
	ErrClosedByPeer   = errors.New("connection closed by peer")
	ErrNotConnected   = errors.New("transport not connected")
)

// Client is the websocket Transport used against a live gateway. Writes are
// serialized with a mutex; a single reader goroutine feeds received frames
// into a buffered channel.
type Client struct {
	url string

	mu       sync.Mutex
	conn     *websocket.Conn
	frames   chan []byte
	closed   chan struct{}
	terminal *atomic.Bool
}

// NewClient builds a client for the gateway's control socket. baseURL is the
// ws scheme base, e.g. ws://localhost:8000.
func NewClient(baseURL string) *Client {
	return &Client{
		url: strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/ws",
	}
}

func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	frames := make(chan []byte, 256)
	closed := make(chan struct{})
	terminal := new(atomic.Bool)

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.frames = frames
	c.closed = closed
	c.terminal = terminal
	c.mu.Unlock()

	go func() {
		defer close(closed)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				if !reliability.IsRetryableWSClose(err) {
					terminal.Store(true)
				}
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			select {
			case frames <- data:
			default:
				// Reader must never block on a slow consumer; drop the
				// oldest style chatter instead.
			}
		}
	}()
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) SendCommand(cmd protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(cmd)
}

func (c *Client) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (c *Client) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *Client) Receive(timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	frames := c.frames
	closed := c.closed
	terminal := c.terminal
	c.mu.Unlock()
	if frames == nil {
		return nil, ErrNotConnected
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case data := <-frames:
		return data, nil
	case <-closed:
		// Drain anything the reader queued before it died.
		select {
		case data := <-frames:
			return data, nil
		default:
		}
		if terminal.Load() {
			return nil, ErrClosedByPeer
		}
		return nil, ErrDisconnected
	case <-timer.C:
		return nil, ErrReceiveTimeout
	}
}
