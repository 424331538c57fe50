package broker

import (
	"net"
	"sync"
	"time"

	"github.com/mqttcore/broker/internal/queue"
)

// Client is the Broker Database's per-connection context: the external
// collaborator spec.md calls Client Context. It exclusively owns its
// Delivery Record FIFO. Adapted from the teacher's Session type
// (Pyr33x-goqtt/internal/broker/session.go), folding in the delivery
// queue and connection-state fields the original session map never
// carried (the teacher delivered every PUBLISH synchronously and kept
// no per-client backlog at all).
type Client struct {
	ID           string
	CleanSession bool

	WillTopic   *string
	WillMessage *string
	WillQoS     byte
	WillRetain  bool

	KeepAlive  uint16
	ConnectAt  time.Time
	Username   string

	Queue *queue.Queue

	// wake signals the connection's writer loop that the queue may have
	// new write-ready records — set by any Database operation that
	// admits or promotes a delivery for this client, so the writer does
	// not have to poll. Buffered 1: a pending signal is never lost, and
	// redundant signals collapse into one wakeup.
	wake chan struct{}

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	mid       uint16
}

// NewClient creates a client context with an empty delivery queue.
func NewClient(id string) *Client {
	return &Client{ID: id, Queue: queue.New(), wake: make(chan struct{}, 1)}
}

// Notify wakes the client's writer loop, if one is waiting. Non-blocking.
func (c *Client) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Wake returns the channel a writer loop selects on.
func (c *Client) Wake() <-chan struct{} {
	return c.wake
}

// Attach binds a new connection to this context (fresh connect or
// reconnect) and marks it online.
func (c *Client) Attach(conn net.Conn, cleanSession bool, keepAlive uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.connected = true
	c.CleanSession = cleanSession
	c.KeepAlive = keepAlive
	c.ConnectAt = time.Now()
}

// Detach marks the context offline without discarding its queue —
// queued and in-flight records survive a disconnect for a
// clean_session=false client.
func (c *Client) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	c.connected = false
}

// Conn returns the live connection, or nil if the client is offline.
func (c *Client) Conn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// IsConnected reports whether the client is marked online (set by
// Attach, cleared by Detach), independent of whether Conn is nil.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// NextPacketID returns the next packet id for an Out delivery to this
// client, skipping 0 (reserved — MQTT packet ids are never zero).
func (c *Client) NextPacketID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mid++
	if c.mid == 0 {
		c.mid++
	}
	return c.mid
}
