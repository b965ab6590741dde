package websocket

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"museum-presence/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	// maxMessageSize bounds one inbound frame. Larger frames close the connection, so it
	// sits well above the largest comment a visitor can compose.
	maxMessageSize = 64 << 10

	DefaultSendBuffer = 256
)

var ErrSendQueueFull = errors.New("send queue full")

type Conn struct {
	id      string
	room    string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	rooms   domain.Coordinator
	handler domain.MessageHandler
}

func NewConn(id, room string, ws *websocket.Conn, rooms domain.Coordinator, h domain.MessageHandler, sendBuffer int) *Conn {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	return &Conn{
		id:      id,
		room:    room,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		rooms:   rooms,
		handler: h,
	}
}

func (c *Conn) ID() string   { return c.id }
func (c *Conn) Room() string { return c.room }

// Send queues data for the write pump without blocking.
func (c *Conn) Send(data []byte) error {
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *Conn) Close() error {
	return c.ws.Close()
}

// Start registers the connection with its room and runs the pumps. The write pump is
// started first so the visitor list queued by Register is flushed.
func (c *Conn) Start() {
	go c.writePump()
	c.rooms.Register(c)
	go c.readPump()
}

func (c *Conn) readPump() {
	defer func() {
		c.rooms.Unregister(c)
		close(c.done)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.Error("read error", "room", c.room, "clientId", c.id, "error", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			slog.Warn("ignoring non-text frame", "room", c.room, "clientId", c.id, "frameType", typ)
			continue
		}

		c.handler.Handle(c, data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
