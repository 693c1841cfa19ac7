package observer

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxInboundFrame = 64 * 1024
	sendBuffer      = 256
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
)

// Client is one connected observer. The simulation holds only a weak
// reference: transport close removes the client and the world never waits
// on its socket.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte

	// viewport and ack state, guarded by the bridge mutex: FanOut mutates it
	// on the tick thread, the read pump mutates it on client messages
	viewX         float64
	viewZ         float64
	followAgentID string
	lastAckTick   uint64
	lastSnapshot  uint64
	connectedAt   int64

	logger *zap.SugaredLogger
}

// enqueue stages a frame for the write pump. A full buffer drops the frame;
// a dead observer must not stall the tick.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// writePump drains the send channel onto the socket.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump parses observer-initiated messages until the transport closes.
func (c *Client) readPump(b *Bridge) {
	defer b.Remove(c.ID)
	c.conn.SetReadLimit(maxInboundFrame)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debugw("Observer read error", "observer", c.ID, "error", err)
			}
			return
		}
		b.handleClientMessage(c, data)
	}
}
