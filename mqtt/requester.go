package mqtt

import (
	"MeterDetServer/config"
	"MeterDetServer/frame"
	"MeterDetServer/logger"
	"MeterDetServer/monitor"
	"context"
	"time"

	"go.uber.org/zap"
)

// Requester is the publisher side: it sends images and routes results back.
type Requester struct {
	client       Client
	corr         *Correlator
	requestTopic string
	resultTopic  string
	qos          byte

	// OnResult receives every correlated result, including ones whose HTTP
	// request already stopped waiting. It returns before the waiter of Send
	// sees the result.
	OnResult func(session string, res frame.DetectionResult)
}

func NewRequester(client Client, cfg config.MQTTConfig) *Requester {
	return &Requester{
		client:       client,
		corr:         NewCorrelator(),
		requestTopic: cfg.PublishTopic,
		resultTopic:  cfg.SubscribeTopic,
		qos:          cfg.QoS,
	}
}

// Start subscribes to the result topic.
func (r *Requester) Start() error {
	return r.client.Subscribe(r.resultTopic, r.qos, r.onMessage)
}

func (r *Requester) onMessage(topic string, payload []byte) {
	monitor.Received(topic)
	res, err := frame.ParseDetectionResult(payload)
	if err != nil {
		logger.Log().Error("Error parsing detection result", zap.Error(err))
		return
	}
	if _, ok := r.corr.ResolveFunc(res, r.OnResult); !ok {
		logger.Log().Warn("Dropping uncorrelated detection result", zap.String("id", res.ID))
	}
}

// Send publishes jpeg for session and returns the request id and a channel
// that receives the result.
func (r *Requester) Send(ctx context.Context, session string, jpeg []byte) (string, <-chan frame.DetectionResult, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	id := frame.NewID()
	payload, err := frame.NewImageRequest(id, jpeg)
	if err != nil {
		return "", nil, err
	}
	ch := r.corr.Register(id, session)
	if err := r.client.Publish(r.requestTopic, payload, r.qos); err != nil {
		r.corr.Forget(id)
		return "", nil, err
	}
	monitor.Published(r.requestTopic)
	logger.Log().Info("Image sent for detection", zap.String("id", id), zap.Int("bytes", len(jpeg)))
	return id, ch, nil
}

// Janitor expires unanswered requests every ttl until ctx is done.
func (r *Requester) Janitor(ctx context.Context, ttl time.Duration) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.corr.Expire(ttl); n > 0 {
				logger.Log().Info("Expired unanswered requests", zap.Int("count", n))
			}
		}
	}
}

func (r *Requester) Connected() bool {
	return r.client.IsConnected()
}
