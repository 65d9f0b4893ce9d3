package controlbus

import (
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stagecast/overlayproxy/internal/infrastructure/logging"
)

// ReconnectDelay is the fixed wait between connection attempts. Flat by
// choice: the bus is low-volume and a dead proxy comes back in one step.
const ReconnectDelay = 2 * time.Second

// MountRegistry reacts to control messages on behalf of mounted overlays.
type MountRegistry interface {
	Reload(id string)
	SetVisible(id string, visible bool)
}

// Client maintains a control bus subscription with automatic reconnects.
type Client struct {
	url   string
	reg   MountRegistry
	log   *logging.Logger
	delay time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	timer   *time.Timer
	stopped bool
}

// NewClient prepares a subscription to the control endpoint at url.
func NewClient(url string, reg MountRegistry, log *logging.Logger) *Client {
	return &Client{url: url, reg: reg, log: log, delay: ReconnectDelay}
}

// Start begins connecting. Returns immediately; the connection is
// maintained in the background until Stop.
func (c *Client) Start() {
	go c.connect()
}

// Stop tears down the connection and cancels any pending reconnect. Safe
// to call concurrently with a reconnect in flight.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) connect() {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.log.Debug("control bus dial failed", zap.Error(err))
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.readLoop(conn)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		stopped := c.stopped
		c.mu.Unlock()
		conn.Close()
		if !stopped {
			c.scheduleReconnect()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := sonic.Unmarshal(data, &msg); err != nil {
			c.log.Debug("bad control frame", zap.Error(err))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	switch msg.Type {
	case "reload":
		if msg.ID != "" {
			c.reg.Reload(msg.ID)
		}
	case "visibility":
		if msg.ID != "" && msg.Visible != nil {
			c.reg.SetVisible(msg.ID, *msg.Visible)
		}
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped || c.timer != nil {
		return
	}
	c.timer = time.AfterFunc(c.delay, func() {
		c.mu.Lock()
		c.timer = nil
		stopped := c.stopped
		c.mu.Unlock()
		if !stopped {
			c.connect()
		}
	})
}
