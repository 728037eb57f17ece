// Package mqtt carries image requests and detection results between the
// publisher UI and the inference worker.
package mqtt

import (
	"MeterDetServer/config"
	"MeterDetServer/logger"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var ErrTimeout = errors.New("mqtt: operation timed out")

type Handler func(topic string, payload []byte)

// Client is the subset of MQTT the services need.
type Client interface {
	Start() error
	Stop()
	Publish(topic string, payload []byte, qos byte) error
	Subscribe(topic string, qos byte, h Handler) error
	IsConnected() bool
}

type subscription struct {
	qos     byte
	handler Handler
}

// PahoClient implements Client with eclipse/paho. Subscriptions are replayed
// on every (re)connect.
type PahoClient struct {
	client  paho.Client
	timeout time.Duration

	mu   sync.Mutex
	subs map[string]subscription

	// OnStateChange, when set before Start, is told about connects and losses.
	OnStateChange func(connected bool)
}

func NewPahoClient(cfg config.MQTTConfig, clientID string) *PahoClient {
	c := &PahoClient{
		timeout: 10 * time.Second,
		subs:    make(map[string]subscription),
	}
	if cfg.ClientID != "" {
		clientID = cfg.ClientID
	}
	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(clientID).
		SetKeepAlive(cfg.KeepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	c.client = paho.NewClient(opts)
	return c
}

func (c *PahoClient) onConnect(client paho.Client) {
	logger.Log().Info("Connected to MQTT broker")
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	c.mu.Unlock()
	for topic, s := range subs {
		if err := c.subscribe(topic, s); err != nil {
			logger.Log().Error("Resubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	if c.OnStateChange != nil {
		c.OnStateChange(true)
	}
}

func (c *PahoClient) onConnectionLost(_ paho.Client, err error) {
	logger.Log().Warn("MQTT connection lost", zap.Error(err))
	if c.OnStateChange != nil {
		c.OnStateChange(false)
	}
}

func (c *PahoClient) wait(t paho.Token) error {
	if !t.WaitTimeout(c.timeout) {
		return ErrTimeout
	}
	return t.Error()
}

// Start connects. With connect-retry enabled the first attempt may time out
// while the client keeps retrying in the background.
func (c *PahoClient) Start() error {
	if err := c.wait(c.client.Connect()); err != nil {
		return fmt.Errorf("mqtt: connect: %w", err)
	}
	return nil
}

func (c *PahoClient) Stop() {
	c.client.Disconnect(250)
}

func (c *PahoClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

func (c *PahoClient) Publish(topic string, payload []byte, qos byte) error {
	if err := c.wait(c.client.Publish(topic, qos, false, payload)); err != nil {
		return fmt.Errorf("mqtt: publish to %s: %w", topic, err)
	}
	return nil
}

func (c *PahoClient) Subscribe(topic string, qos byte, h Handler) error {
	s := subscription{qos: qos, handler: h}
	c.mu.Lock()
	c.subs[topic] = s
	c.mu.Unlock()
	if !c.IsConnected() {
		// replayed by onConnect
		return nil
	}
	return c.subscribe(topic, s)
}

func (c *PahoClient) subscribe(topic string, s subscription) error {
	t := c.client.Subscribe(topic, s.qos, func(_ paho.Client, m paho.Message) {
		s.handler(m.Topic(), m.Payload())
	})
	if err := c.wait(t); err != nil {
		return fmt.Errorf("mqtt: subscribe to %s: %w", topic, err)
	}
	return nil
}
