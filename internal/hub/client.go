package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/weiawesome/wes-io-chat/internal/config"
	"github.com/weiawesome/wes-io-chat/internal/domain"
	"github.com/weiawesome/wes-io-chat/pkg/log"
)

// Client is a WebSocket connection with its own read and write pumps.
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	Session   *domain.Session
	config    config.WebSocketConfig
	logger    zerolog.Logger
}

func NewClient(conn *websocket.Conn, cfg config.WebSocketConfig, logger zerolog.Logger) *Client {
	id := uuid.NewString()
	size := cfg.SendBufferSize
	if size <= 0 {
		size = 256
	}
	return &Client{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, size),
		done:    make(chan struct{}),
		Session: domain.NewSession(id),
		config:  cfg,
		logger:  logger.With().Str(log.FieldConnID, id).Logger(),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) UserID() int64 {
	if !c.Session.IsAuthenticated() {
		return 0
	}
	return c.Session.UserID()
}

// Logger returns the connection-scoped logger.
func (c *Client) Logger() zerolog.Logger {
	return c.logger
}

func (c *Client) Push(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the write pump after it flushes queued frames. Safe to call
// more than once and from any goroutine.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// MarkAuthenticated switches from the handshake deadline to the idle
// deadline. It must be called from the read pump goroutine.
func (c *Client) MarkAuthenticated(userID int64) error {
	if err := c.Session.Authenticate(userID); err != nil {
		return err
	}
	c.logger = c.logger.With().Int64(log.FieldUserID, userID).Logger()
	return c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
}

// ReadPump feeds inbound frames to handler sequentially until the connection
// fails or is closed. Before authentication the read deadline is the
// handshake timeout and pongs do not extend it.
func (c *Client) ReadPump(handler func(*Client, []byte)) {
	defer c.Close()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.config.AuthTimeout))
	c.conn.SetPongHandler(func(string) error {
		if !c.Session.IsAuthenticated() {
			return nil
		}
		return c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket read error")
			} else {
				c.logger.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}

		select {
		case <-c.done:
			return
		default:
		}

		handler(c, message)
	}
}

// WritePump writes queued frames and pings. After Close it flushes what is
// already queued, sends a close frame and closes the socket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.flush()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
	return c.conn.WriteMessage(messageType, data)
}
