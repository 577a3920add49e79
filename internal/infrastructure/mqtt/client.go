package mqtt

import (
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/devmesh-core/internal/infrastructure/config"
)

// Timeouts and limits for broker operations.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second

	// maxPayloadSize caps published payloads, aligned with typical
	// broker limits.
	maxPayloadSize = 1 << 20

	maxQoS = 2

	statusTopic = "devmesh/system/status"
)

// Client wraps paho.mqtt.golang for the notification relay.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig

	connected bool
	connMu    sync.RWMutex

	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex
}

// Connect establishes a connection to the MQTT broker.
//
// It configures a Last Will and Testament marking the node offline,
// enables auto-reconnect, attempts the initial connection with a timeout,
// and publishes an online status message.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}
	broker := fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port)

	opts := pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetWill(statusTopic, `{"online":false}`, 1, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := &Client{cfg: cfg}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	// Announce liveness; retained so late subscribers see current state.
	if err := c.Publish(statusTopic, []byte(`{"online":true}`), 1, true); err != nil {
		c.client.Disconnect(0)
		return nil, err
	}
	return c, nil
}

// Publish sends a message to the specified MQTT topic.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return fmt.Errorf("%w: qos %d", ErrPublishFailed, qos)
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// QoS returns the configured default quality-of-service level.
func (c *Client) QoS() byte {
	if c.cfg.QoS < 0 || c.cfg.QoS > maxQoS {
		return 0
	}
	return byte(c.cfg.QoS)
}

// IsConnected reports whether the client currently has a broker
// connection.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// SetOnConnect registers a callback invoked on every (re)connection.
func (c *Client) SetOnConnect(fn func()) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when the connection drops.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.onDisconnect = fn
}

// Close publishes the offline status and disconnects from the broker.
func (c *Client) Close() error {
	if c.IsConnected() {
		//nolint:errcheck // best-effort farewell; the LWT covers failure
		c.Publish(statusTopic, []byte(`{"online":false}`), 1, true)
	}
	c.client.Disconnect(250) //nolint:mnd // quiesce period in milliseconds
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()
	return nil
}

func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	c.callbackMu.RLock()
	fn := c.onConnect
	c.callbackMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.callbackMu.RLock()
	fn := c.onDisconnect
	c.callbackMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}
