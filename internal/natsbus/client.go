package natsbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

func NewClient(bus *Bus) (*Client, error) {
	return NewClientFromURL(bus.ClientURL())
}

func NewClientFromURL(url string) (*Client, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &Client{conn: conn, js: js}, nil
}

func (c *Client) Publish(topic string, data []byte) error {
	return c.conn.Publish(topic, data)
}

func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.conn.Publish(topic, data)
}

func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, handler)
}

func (c *Client) Request(topic string, data []byte, timeout time.Duration) (*nats.Msg, error) {
	return c.conn.Request(topic, data, timeout)
}

// EnsureStream creates the named JetStream stream for the given subject
// if it does not already exist.
func (c *Client) EnsureStream(name, subject string) error {
	_, err := c.js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("stream info: %w", err)
	}
	if _, err := c.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{subject},
	}); err != nil {
		return fmt.Errorf("add stream: %w", err)
	}
	return nil
}

// StreamPublish appends an entry to a JetStream subject and waits for
// the server ack.
func (c *Client) StreamPublish(subject string, data []byte) error {
	if _, err := c.js.Publish(subject, data); err != nil {
		return fmt.Errorf("stream publish: %w", err)
	}
	return nil
}

// StreamPull opens a durable pull subscription shared by every consumer
// in the group. Entries must be acknowledged explicitly; unacked
// entries become eligible for redelivery after ackWait.
func (c *Client) StreamPull(subject, group string, ackWait time.Duration) (*nats.Subscription, error) {
	sub, err := c.js.PullSubscribe(subject, group, nats.AckExplicit(), nats.AckWait(ackWait))
	if err != nil {
		return nil, fmt.Errorf("pull subscribe: %w", err)
	}
	return sub, nil
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

func (c *Client) Close() {
	c.conn.Close()
}
