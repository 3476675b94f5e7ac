// Package mqtttest provides an in-memory mqtt.Client for tests.
package mqtttest

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Published is one recorded Publish call.
type Published struct {
	Topic   string
	QoS     byte
	Payload []byte
}

// Client records publishes and routes them to matching subscriptions.
// Methods it does not override panic through the nil embedded interface.
type Client struct {
	mqtt.Client

	mu            sync.Mutex
	connected     bool
	published     []Published
	subscriptions map[string]mqtt.MessageHandler

	// PublishErr, when set, is returned by every Publish token
	PublishErr error
}

// NewClient returns a connected fake client.
func NewClient() *Client {
	return &Client{connected: true, subscriptions: make(map[string]mqtt.MessageHandler)}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

// SetConnected flips the reported connection state.
func (c *Client) SetConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) Disconnect(quiesce uint) {
	c.SetConnected(false)
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	}

	c.mu.Lock()
	err := c.PublishErr
	if err == nil {
		c.published = append(c.published, Published{Topic: topic, QoS: qos, Payload: data})
	}
	c.mu.Unlock()

	return &Token{err: err}
}

func (c *Client) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.subscriptions[topic] = callback
	c.mu.Unlock()
	return &Token{}
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.subscriptions, t)
	}
	c.mu.Unlock()
	return &Token{}
}

// Deliver invokes the handler subscribed to topic, as the broker would.
// It reports whether a subscription existed.
func (c *Client) Deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	h, ok := c.subscriptions[topic]
	c.mu.Unlock()
	if !ok {
		return false
	}
	h(c, &Message{topic: topic, payload: payload})
	return true
}

// Published returns a copy of every recorded publish.
func (c *Client) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

// PublishedTo returns the recorded publishes on one topic.
func (c *Client) PublishedTo(topic string) []Published {
	var out []Published
	for _, p := range c.Published() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// WaitFor polls until at least n messages were published on topic.
func (c *Client) WaitFor(topic string, n int, timeout time.Duration) []Published {
	deadline := time.Now().Add(timeout)
	for {
		got := c.PublishedTo(topic)
		if len(got) >= n || time.Now().After(deadline) {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Token is an already-completed mqtt.Token.
type Token struct {
	mqtt.Token
	err error
}

func (t *Token) Wait() bool                     { return true }
func (t *Token) WaitTimeout(time.Duration) bool { return true }
func (t *Token) Error() error                   { return t.err }

func (t *Token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Message is a minimal mqtt.Message.
type Message struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m *Message) Topic() string   { return m.topic }
func (m *Message) Payload() []byte { return m.payload }
func (m *Message) Qos() byte       { return 1 }
func (m *Message) Retained() bool  { return false }
func (m *Message) Duplicate() bool { return false }
func (m *Message) MessageID() uint16 {
	return 0
}
func (m *Message) Ack() {}
