package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// sendBuffer bounds each connection's outbound queue. Overflow drops the
// oldest queued view: the connection stays at most one version behind
// and catches up on the next push.
const sendBuffer = 64

// Client is one registered WebSocket connection with its viewer identity.
type Client struct {
	tableID string
	userID  string
	conn    *websocket.Conn
	send    chan []byte

	mu     sync.Mutex
	closed bool
}

// push enqueues a view without blocking; drop-oldest on overflow. The
// mutex orders push against close so a dispatch racing a disconnect
// never writes to a closed channel.
func (c *Client) push(view []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.send <- view:
			return
		default:
			select {
			case <-c.send:
				// Dropped the oldest queued view.
			default:
			}
		}
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// ServeWS upgrades an HTTP connection, registers it for the requested
// table, and replies with masked views as the table advances.
// Query parameters: table_id (required), user_id (optional spectator).
func (m *Multiplexer) ServeWS(w http.ResponseWriter, r *http.Request) {
	tableID := r.URL.Query().Get("table_id")
	if tableID == "" {
		http.Error(w, "table_id is required", http.StatusBadRequest)
		return
	}
	userID := r.URL.Query().Get("user_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		tableID: tableID,
		userID:  userID,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
	}

	m.Register(tableID, client)

	go client.writePump()
	go client.readPump(m)
}

// writePump sends queued views to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads messages from the WebSocket connection (mainly to detect close).
func (c *Client) readPump(m *Multiplexer) {
	defer func() {
		m.Unregister(c.tableID, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
