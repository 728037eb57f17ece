package mqtt

import (
	"MeterDetServer/config"
	"MeterDetServer/frame"
	iface "MeterDetServer/interface"
	"MeterDetServer/logger"
	"MeterDetServer/monitor"
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// ProcessTimeout bounds a single request on the worker, queueing included.
const ProcessTimeout = 30 * time.Second

// Detector is what the worker needs from the pipeline.
type Detector interface {
	Submit(ctx context.Context, raw []byte) (*iface.Outcome, error)
}

// Worker is the subscriber side: it answers every image request with a
// detection result.
type Worker struct {
	client       Client
	det          Detector
	requestTopic string
	resultTopic  string
	qos          byte
	timeout      time.Duration
	inflight     chan struct{}
}

// NewWorker answers requests from cfg.PublishTopic on cfg.SubscribeTopic, the
// mirror image of the publisher's topics. At most maxInflight requests are
// processed at once.
func NewWorker(client Client, det Detector, cfg config.MQTTConfig, maxInflight int) *Worker {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	return &Worker{
		client:       client,
		det:          det,
		requestTopic: cfg.PublishTopic,
		resultTopic:  cfg.SubscribeTopic,
		qos:          cfg.QoS,
		timeout:      ProcessTimeout,
		inflight:     make(chan struct{}, maxInflight),
	}
}

func (w *Worker) Start() error {
	return w.client.Subscribe(w.requestTopic, w.qos, w.onMessage)
}

func (w *Worker) onMessage(topic string, payload []byte) {
	monitor.Received(topic)
	w.inflight <- struct{}{}
	go func() {
		defer func() { <-w.inflight }()
		w.handle(payload)
	}()
}

func (w *Worker) handle(payload []byte) {
	req, img, err := frame.ParseImageRequest(payload)
	if err != nil {
		logger.Log().Error("Invalid image request", zap.String("id", req.ID), zap.Error(err))
		w.reply(frame.ErrorResult(req.ID, err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	out, err := w.det.Submit(ctx, img)
	if err != nil {
		logger.Log().Error("Detection failed", zap.String("id", req.ID), zap.Error(err))
		w.reply(frame.ErrorResult(req.ID, err))
		return
	}
	logger.Log().Info("Detection finished",
		zap.String("id", req.ID),
		zap.String("reading", out.Reading),
		zap.Int("digits", len(out.Digits)),
		zap.Duration("elapsed", out.Elapsed))
	w.reply(frame.NewDetectionResult(req.ID, out))
}

func (w *Worker) reply(res frame.DetectionResult) {
	payload, err := json.Marshal(res)
	if err != nil {
		logger.Log().Error("Encode detection result", zap.Error(err))
		return
	}
	if err := w.client.Publish(w.resultTopic, payload, w.qos); err != nil {
		logger.Log().Error("Publish detection result", zap.String("id", res.ID), zap.Error(err))
		return
	}
	monitor.Published(w.resultTopic)
}
