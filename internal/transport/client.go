// Package transport connects to an external MQTT broker with the paho client.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"coopwatch/go-mqtt-server/internal/model"
)

// ErrAckTimeout is returned when the broker does not acknowledge in time.
var ErrAckTimeout = fmt.Errorf("%w: broker acknowledgement timed out", model.ErrTransportUnavailable)

const subscribeFailure = 0x80

// MessageHandler receives every inbound publish.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Options configures the client.
type Options struct {
	BrokerURL  string
	ClientID   string
	AckTimeout time.Duration
}

// Client wraps a paho client behind the subscribe/publish surface the
// dispatcher and actuators expect.
type Client struct {
	logger     *slog.Logger
	client     mqtt.Client
	ackTimeout time.Duration

	mu        sync.RWMutex
	handler   MessageHandler
	onConnect []func(context.Context)
}

// New builds a client. Connect must be called before use.
func New(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	c := &Client{logger: logger, ackTimeout: opts.AckTimeout}

	po := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectTimeout(opts.AckTimeout).
		SetDefaultPublishHandler(c.onMessage).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("mqtt connected", "broker", opts.BrokerURL)
			c.mu.RLock()
			hooks := append([]func(context.Context){}, c.onConnect...)
			c.mu.RUnlock()
			for _, hook := range hooks {
				go hook(context.Background())
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", "error", err)
		})

	c.client = mqtt.NewClient(po)
	return c
}

// SetMessageHandler installs the inbound message callback.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// OnConnect registers a hook run after every successful (re)connect.
// Hooks run on their own goroutine.
func (c *Client) OnConnect(hook func(context.Context)) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, hook)
	c.mu.Unlock()
}

// Connect dials the broker.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.wait(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Connected reports whether the connection is currently open.
func (c *Client) Connected() bool {
	return c.client.IsConnectionOpen()
}

// Subscribe asks the broker for pattern and waits for the SUBACK.
func (c *Client) Subscribe(ctx context.Context, pattern string, qos byte) error {
	if !c.Connected() {
		return model.ErrTransportUnavailable
	}
	// nil callback routes deliveries to the default publish handler
	tok := c.client.Subscribe(pattern, qos, nil)
	if err := c.wait(ctx, tok); err != nil {
		return err
	}
	if st, ok := tok.(*mqtt.SubscribeToken); ok {
		if code, found := st.Result()[pattern]; found && code == subscribeFailure {
			return fmt.Errorf("broker refused subscription %q", pattern)
		}
	}
	return nil
}

// Unsubscribe removes pattern at the broker.
func (c *Client) Unsubscribe(ctx context.Context, pattern string) error {
	if !c.Connected() {
		return model.ErrTransportUnavailable
	}
	return c.wait(ctx, c.client.Unsubscribe(pattern))
}

// Publish sends payload and, for qos > 0, waits for the broker's ack.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if !c.Connected() {
		return model.ErrTransportUnavailable
	}
	return c.wait(ctx, c.client.Publish(topic, qos, retain, payload))
}

// Disconnect closes the connection, allowing quiesce for in-flight work.
func (c *Client) Disconnect(quiesce time.Duration) {
	c.client.Disconnect(uint(quiesce.Milliseconds()))
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message handler panic", "topic", msg.Topic(), "panic", r)
		}
	}()
	h(context.Background(), msg.Topic(), msg.Payload())
}

func (c *Client) wait(ctx context.Context, tok mqtt.Token) error {
	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			if errors.Is(err, mqtt.ErrNotConnected) {
				return fmt.Errorf("%w: %w", model.ErrTransportUnavailable, err)
			}
			return err
		}
		return nil
	case <-timer.C:
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
