package mqtt

import (
	"errors"
	"sync"
)

// fakeBroker delivers publishes synchronously to every client subscribed to
// the exact topic.
type fakeBroker struct {
	mu   sync.Mutex
	subs map[string][]Handler
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[string][]Handler)}
}

type fakeClient struct {
	broker    *fakeBroker
	mu        sync.Mutex
	connected bool
	published []string
	failWith  error
}

func (b *fakeBroker) client() *fakeClient {
	return &fakeClient{broker: b}
}

func (c *fakeClient) Start() error {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Stop() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, payload []byte, _ byte) error {
	c.mu.Lock()
	if c.failWith != nil {
		err := c.failWith
		c.mu.Unlock()
		return err
	}
	if !c.connected {
		c.mu.Unlock()
		return errors.New("not connected")
	}
	c.published = append(c.published, topic)
	c.mu.Unlock()

	c.broker.mu.Lock()
	handlers := append([]Handler(nil), c.broker.subs[topic]...)
	c.broker.mu.Unlock()
	for _, h := range handlers {
		h(topic, payload)
	}
	return nil
}

func (c *fakeClient) Subscribe(topic string, _ byte, h Handler) error {
	c.broker.mu.Lock()
	c.broker.subs[topic] = append(c.broker.subs[topic], h)
	c.broker.mu.Unlock()
	return nil
}
