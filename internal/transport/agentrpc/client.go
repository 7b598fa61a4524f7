// Package agentrpc is the agent-facing transport surface of spec.md §4.7:
// register/heartbeat/assignment_ack/progress/complete/fail messages
// carried over NATS. It is grounded near-literally on the teacher's
// internal/nats package (Client, EmbeddedServer, Handler), with the
// message vocabulary swapped from the teacher's captain/dashboard domain
// to task-assignment RPCs and the handler's callbacks replaced by direct
// calls into the orchestration core's queue/registry/resource/monitor.
package agentrpc

import (
	"encoding/json"
	"fmt"
	"time"

	nc "github.com/nats-io/nats.go"
)

// Message is a received NATS message reduced to subject, reply, and data.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
}

// Client wraps a NATS connection with the reconnect handling and JSON
// convenience methods the core and the agent SDK both use.
type Client struct {
	conn *nc.Conn
}

// NewClient connects to the NATS server at url with indefinite reconnect.
func NewClient(url string) (*Client, error) {
	opts := []nc.Option{
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				fmt.Printf("[AGENTRPC] disconnected: %v\n", err)
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			fmt.Printf("[AGENTRPC] reconnected to %s\n", conn.ConnectedUrl())
		}),
		nc.ClosedHandler(func(*nc.Conn) {
			fmt.Println("[AGENTRPC] connection closed")
		}),
	}
	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("agentrpc: connect: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying NATS connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// Publish publishes raw bytes to subject.
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("agentrpc: publish %s: %w", subject, err)
	}
	return nil
}

// PublishJSON JSON-encodes v and publishes it to subject.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("agentrpc: marshal for %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// Subscribe registers an asynchronous subscription on subject.
func (c *Client) Subscribe(subject string, handler func(*Message)) (*nc.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nc.Msg) {
		handler(&Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("agentrpc: subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// QueueSubscribe registers a queue-group subscription, for load-balanced
// handling of requests across multiple orchestrator instances.
func (c *Client) QueueSubscribe(subject, group string, handler func(*Message)) (*nc.Subscription, error) {
	sub, err := c.conn.QueueSubscribe(subject, group, func(msg *nc.Msg) {
		handler(&Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("agentrpc: queue subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Request sends data to subject and waits up to timeout for a reply.
func (c *Client) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	msg, err := c.conn.Request(subject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("agentrpc: request %s: %w", subject, err)
	}
	return &Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data}, nil
}

// RequestJSON marshals req, sends it as a request to subject, and decodes
// the reply into resp.
func (c *Client) RequestJSON(subject string, req any, resp any, timeout time.Duration) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("agentrpc: marshal request for %s: %w", subject, err)
	}
	reply, err := c.Request(subject, data, timeout)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(reply.Data, resp); err != nil {
		return fmt.Errorf("agentrpc: decode reply from %s: %w", subject, err)
	}
	return nil
}
