// Package mqtt provides MQTT client functionality
package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// AvailabilityTopic is the prefixed topic carrying online/offline
const AvailabilityTopic = "availability"

// Availability payloads
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// ErrNotConnected is returned when publishing on a disconnected client
var ErrNotConnected = errors.New("MQTT client is not connected")

// Config holds MQTT client configuration
type Config struct {
	Broker   string // MQTT broker address (e.g., "tcp://localhost:1883")
	ClientID string // Unique client ID
	Username string // MQTT username (optional)
	Password string // MQTT password (optional)
	Prefix   string // Topic prefix for all messages
	UseTLS   bool   // Enable TLS connection
}

// MessageHandler receives messages of a subscription
type MessageHandler func(topic string, payload []byte)

// Transport is the subset of Client used by Publisher and DiscoveryManager
type Transport interface {
	PublishWithQoS(topic string, qos byte, retained bool, payload any) error
	PublishRaw(topic string, payload any, retained bool) error
	Subscribe(topic string, handler MessageHandler) error
	GetConfig() Config
}

// Client wraps the MQTT client with additional functionality
type Client struct {
	client   mqtt.Client
	config   Config
	mu       sync.RWMutex
	logger   *zap.Logger
	isActive bool

	subsMu sync.Mutex
	subs   map[string]MessageHandler // full topic -> handler, restored on reconnect
}

// New creates a new MQTT client
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address is required")
	}

	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("phinbridge-%d", time.Now().Unix())
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		config: cfg,
		logger: logger.Named("mqtt"),
		subs:   make(map[string]MessageHandler),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	// Broker marks the bridge offline if the connection drops
	opts.SetWill(c.buildTopic(AvailabilityTopic), PayloadOffline, 1, true)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.logger.Warn("connection lost", zap.Error(err))
	})

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logger.Info("connected to broker", zap.String("broker", cfg.Broker))
		client.Publish(c.buildTopic(AvailabilityTopic), 1, true, PayloadOnline)
		c.resubscribe(client)
	})

	opts.SetReconnectingHandler(func(client mqtt.Client, options *mqtt.ClientOptions) {
		c.logger.Info("attempting to reconnect")
	})

	// Auto-reconnect settings
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)

	// Keep alive settings
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetCleanSession(true)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect establishes connection to MQTT broker
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isActive {
		return nil // Already connected
	}

	c.logger.Info("connecting to broker", zap.String("broker", c.config.Broker))

	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.isActive = true
	return nil
}

// Disconnect publishes offline availability and closes the connection
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.isActive {
		return
	}

	token := c.client.Publish(c.buildTopic(AvailabilityTopic), 1, true, PayloadOffline)
	token.WaitTimeout(250 * time.Millisecond)

	c.client.Disconnect(250) // Wait up to 250ms for graceful disconnect
	c.isActive = false

	c.logger.Info("disconnected from broker")
}

// Publish publishes a message to the specified topic with QoS 0 (default for telemetry)
func (c *Client) Publish(topic string, payload any) error {
	return c.PublishWithQoS(topic, 0, false, payload)
}

// PublishWithQoS publishes a message with explicit QoS and retained settings
func (c *Client) PublishWithQoS(topic string, qos byte, retained bool, payload any) error {
	return c.publish(c.buildTopic(topic), qos, retained, payload)
}

// PublishRaw publishes a message without adding prefix (for discovery topics)
func (c *Client) PublishRaw(topic string, payload any, retained bool) error {
	return c.publish(topic, 1, retained, payload)
}

func (c *Client) publish(fullTopic string, qos byte, retained bool, payload any) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isActive {
		return ErrNotConnected
	}

	token := c.client.Publish(fullTopic, qos, retained, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish message: %w", token.Error())
	}

	c.logger.Debug("published", zap.String("topic", fullTopic), zap.Uint8("qos", qos), zap.Bool("retained", retained))
	return nil
}

// Subscribe subscribes to a prefixed topic. The subscription is
// restored after every reconnect.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	fullTopic := c.buildTopic(topic)

	c.subsMu.Lock()
	c.subs[fullTopic] = handler
	c.subsMu.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.isActive {
		// Subscribed by the connect handler
		return nil
	}

	token := c.client.Subscribe(fullTopic, 1, wrapHandler(handler))
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", fullTopic, token.Error())
	}
	c.logger.Info("subscribed", zap.String("topic", fullTopic))
	return nil
}

func (c *Client) resubscribe(client mqtt.Client) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	for topic, handler := range c.subs {
		token := client.Subscribe(topic, 1, wrapHandler(handler))
		if token.Wait() && token.Error() != nil {
			c.logger.Error("resubscribe failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}
}

func wrapHandler(handler MessageHandler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	}
}

// buildTopic constructs full topic path with prefix
func (c *Client) buildTopic(topic string) string {
	return joinTopic(c.config.Prefix, topic)
}

func joinTopic(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return prefix + "/" + topic
}

// IsConnected returns true if client is connected to broker
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isActive && c.client.IsConnected()
}

// GetConfig returns the current MQTT configuration
func (c *Client) GetConfig() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}
