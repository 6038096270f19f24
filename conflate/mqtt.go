package conflate

import (
	"log/slog"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTClient owns the broker connection used to publish label events.
type MQTTClient struct {
	client      mqtt.Client
	logger      *slog.Logger
	isConnected bool
	mu          sync.RWMutex
}

// ConnectMQTT builds the client and connects in the background. It returns nil
// when no broker is configured; the MQTT_BROKER, MQTT_CLIENT_ID, MQTT_USERNAME and
// MQTT_PASSWORD environment variables override the config.
func ConnectMQTT(config MQTTConfig, logger *slog.Logger) *MQTTClient {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	broker := envOr("MQTT_BROKER", config.Broker)
	if broker == "" {
		logger.Info("MQTT disabled: no broker configured")
		return nil
	}

	c := &MQTTClient{logger: logger}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(envOr("MQTT_CLIENT_ID", config.ClientID, "conflator"))
	if username := envOr("MQTT_USERNAME", config.Username); username != "" {
		opts.SetUsername(username)
		opts.SetPassword(envOr("MQTT_PASSWORD", config.Password))
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	go c.connectWithRetry()
	return c
}

func envOr(key string, fallbacks ...string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	for _, f := range fallbacks {
		if f != "" {
			return f
		}
	}
	return ""
}

// connectWithRetry keeps trying with exponential backoff until the first connect
// succeeds; paho's auto-reconnect takes over afterwards.
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.logger.Info("connecting to MQTT broker")
		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.setConnected(true)
				return
			}
			c.logger.Warn("MQTT connection failed", "error", token.Error())
		} else {
			c.logger.Warn("MQTT connection timeout")
		}

		c.logger.Info("retrying MQTT connection", "in", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

func (c *MQTTClient) onConnect(mqtt.Client) {
	c.logger.Info("MQTT connected")
	c.setConnected(true)
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.Warn("MQTT connection interrupted, auto-reconnect will retry", "error", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(mqtt.Client, *mqtt.ClientOptions) {
	c.logger.Info("MQTT reconnecting")
}

// IsConnected reports the last known connection state.
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect closes the connection.
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.logger.Info("disconnecting from MQTT broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Client returns the underlying client for publishing.
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}
