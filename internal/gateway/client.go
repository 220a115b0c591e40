package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/CodeAndHammer/pixeldraw/internal/constants"
	"github.com/CodeAndHammer/pixeldraw/internal/models"
	"github.com/CodeAndHammer/pixeldraw/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Client is one websocket connection. The hub owns send and closes it when
// the client is removed; writePump then closes the socket.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	models.ActiveConnection

	// set when a session was created or resumed for this connection
	sessionKey string

	// verifyPending is set while a verify-admin frame waits for the hub.
	// adminLockedUntil (unix nanos) mirrors the identity's lockout as last
	// reported to this connection.
	verifyPending    atomic.Bool
	adminLockedUntil atomic.Int64

	closeOnce sync.Once
}

type inbound struct {
	client     *Client
	env        Envelope
	passwordOK bool
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				util.LogDebug("Read error on %s: %v", c.ID, err)
			}
			return
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			util.LogWarn("Ignoring malformed frame from %s: %v", c.ID, err)
			continue
		}
		msg := inbound{client: c, env: env}
		if env.Event == constants.EventVerifyAdmin && !c.prepareVerify(&msg) {
			util.LogDebug("Dropping verify-admin from %s while one is pending", c.ID)
			continue
		}
		if !c.hub.deliver(msg) {
			return
		}
	}
}

// prepareVerify runs the bcrypt compare off the hub loop. Guests and
// connections whose identity is locked out skip the compare; the hub rejects
// them anyway. It reports false when an earlier frame is still pending.
func (c *Client) prepareVerify(msg *inbound) bool {
	if !c.verifyPending.CompareAndSwap(false, true) {
		return false
	}
	if c.Identity.IsGuest || c.hub.now().UnixNano() < c.adminLockedUntil.Load() {
		return true
	}
	msg.passwordOK = c.hub.auth.CheckPassword(adminPassword(msg.env.Data))
	return true
}

// adminPassword accepts either {"password": "..."} or a bare JSON string.
func adminPassword(data json.RawMessage) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var p VerifyAdmin
	if err := decodePayload(data, &p); err != nil {
		return ""
	}
	return p.Password
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
