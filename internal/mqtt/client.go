// Package mqtt wraps the paho client used to receive controller telemetry
// and to publish enriched readings.
package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"microgrid-analytics/internal/config"
	"microgrid-analytics/internal/log"
)

const (
	connectTimeout   = 10 * time.Second
	subscribeTimeout = 5 * time.Second
)

// MessageHandler handles one message received on a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// Client manages one broker connection.
type Client struct {
	client paho.Client
	config config.MQTTConfig
	log    log.Logger

	mu   sync.Mutex
	subs map[string]paho.MessageHandler
}

// NewClient configures a client. It does not connect.
func NewClient(cfg config.MQTTConfig) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("microgrid-%d", time.Now().Unix())
	}
	logger := log.WithName("mqtt").WithValues("broker", cfg.Broker)
	c := &Client{config: cfg, log: logger, subs: map[string]paho.MessageHandler{}}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Error(err, "Connection lost")
	})
	opts.SetReconnectingHandler(func(paho.Client, *paho.ClientOptions) {
		logger.Info("Reconnecting to broker")
	})

	c.client = paho.NewClient(opts)
	return c, nil
}

// onConnect restores subscriptions after a reconnect; clean sessions drop
// them on the broker side.
func (c *Client) onConnect(client paho.Client) {
	c.log.Info("Connection established")
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, h := range c.subs {
		client.Subscribe(topic, c.qos(), h)
	}
}

// Connect connects to the broker.
func (c *Client) Connect(ctx context.Context) error {
	if err := wait(ctx, c.client.Connect(), connectTimeout); err != nil {
		return fmt.Errorf("connect to MQTT broker %s: %w", c.config.Broker, err)
	}
	return nil
}

// Subscribe registers handler for topic.
func (c *Client) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	h := func(_ paho.Client, msg paho.Message) {
		c.log.Debug("Message received", "topic", msg.Topic(), "bytes", len(msg.Payload()))
		handler(msg.Topic(), msg.Payload())
	}
	c.mu.Lock()
	c.subs[topic] = h
	c.mu.Unlock()

	token := c.client.Subscribe(topic, c.qos(), h)
	if err := wait(ctx, token, subscribeTimeout); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	c.log.Info("Subscribed", "topic", topic)
	return nil
}

// Publish sends payload to topic and waits for the broker acknowledgement
// required by the configured QoS.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := wait(ctx, c.client.Publish(topic, c.qos(), false, payload), connectTimeout); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect closes the connection, allowing 250ms for in-flight work.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
	c.log.Info("Disconnected from broker")
}

func (c *Client) qos() byte {
	return byte(c.config.QoS)
}

func wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeviceIDFromTopic extracts the device id from devices/{device_id}/...
func DeviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 3 && parts[0] == "devices" {
		return parts[1]
	}
	return ""
}
