package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/Wyydra/securecall/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	sendBuffer     = 64
	maxMessageSize = 64 * 1024
)

var (
	ErrClientClosed = errors.New("client closed")
	ErrSendOverflow = errors.New("send buffer full")
)

type ClientConfig struct {
	WriteTimeout time.Duration
	PongTimeout  time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	return c
}

// Client is one device websocket. Writes go through a single pump goroutine,
// so Send never blocks on the network.
type Client struct {
	id       domain.ConnectionID
	conn     *websocket.Conn
	cfg      ClientConfig
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	mu       sync.RWMutex
	identity domain.UserID
}

func NewClient(conn *websocket.Conn, cfg ClientConfig) *Client {
	c := &Client{
		id:   domain.NewConnectionID(),
		conn: conn,
		cfg:  cfg.withDefaults(),
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})
	return c
}

func (c *Client) ID() domain.ConnectionID {
	return c.id
}

func (c *Client) Identity() domain.UserID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// Bind attaches the authenticated identity.
func (c *Client) Bind(id domain.UserID) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

func (c *Client) Send(evt domain.Event) error {
	frame, err := protocol.Encode(evt)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		// A peer that cannot keep up is dropped rather than stalling the registries.
		go c.Close()
		return ErrSendOverflow
	}
}

// Close stops the pump after it has flushed what is queued.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return nil
}

// ReadWithin moves the read deadline to d from now.
func (c *Client) ReadWithin(d time.Duration) error {
	return c.conn.SetReadDeadline(time.Now().Add(d))
}

// ReadFrame blocks for the next frame from the device.
func (c *Client) ReadFrame() ([]byte, error) {
	_, frame, err := c.conn.ReadMessage()
	return frame, err
}

// WritePump owns every write to the socket. It returns once Close was called
// or a write failed, and closes the socket on the way out.
func (c *Client) WritePump() {
	ping := time.NewTicker(c.cfg.PongTimeout * 9 / 10)
	l := log.With().Str("conn_id", c.id.String()).Logger()
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				l.Debug().Err(err).Msg("Write failed")
				c.Close()
				return
			}
		case <-ping.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				l.Debug().Err(err).Msg("Ping failed")
				c.Close()
				return
			}
		case <-c.done:
			c.drain()
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) drain() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}
