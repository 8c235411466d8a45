package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 25 * time.Second

	// Clients only send pongs; anything larger is a protocol violation.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsEnvelope frames a hub event for WebSocket clients; the SSE transport
// carries the same type/payload pair in its native framing.
type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Websocket upgrades the connection and bridges it to the hub.
func (s *Server) Websocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}

	session := NewSession()
	if !s.hub.Register(session) {
		conn.Close()
		return nil
	}

	client := &wsClient{server: s, conn: conn, session: session}
	go client.writePump()
	go client.readPump()
	return nil
}

type wsClient struct {
	server  *Server
	conn    *websocket.Conn
	session *Session
}

// readPump discards inbound frames; it exists to run the pong handler and
// notice disconnects.
func (c *wsClient) readPump() {
	defer func() {
		c.server.hub.Unregister(c.session)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Debug("websocket read failed", "error", err)
			}
			return
		}
	}
}

// writePump forwards hub events, one text frame per event so clients can
// parse each JSON object on its own.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.session.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeEvent(ev); err != nil {
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

func (c *wsClient) writeEvent(ev *Event) error {
	frame, err := json.Marshal(wsEnvelope{Type: ev.Type, Data: ev.Payload})
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}
