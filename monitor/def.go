package monitor

import (
	"MeterDetServer/logger"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var (
	registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	HTTPTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests processed",
	}, []string{"path", "status"})

	DetectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meter_detections_total",
		Help: "Detections run, by outcome",
	}, []string{"outcome"})

	DigitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meter_digits_detected_total",
		Help: "Digits found across all detections",
	})

	InferenceSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meter_inference_duration_seconds",
		Help:    "Time spent decoding, detecting and annotating one image",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	MQTTMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_messages_total",
		Help: "MQTT messages by direction and topic",
	}, []string{"direction", "topic"})
)

func init() {
	registry.MustRegister(memUsage, cpuUsage, HTTPTotal, DetectionsTotal, DigitsTotal, InferenceSeconds, MQTTMessages)
}

// ObserveDetection records one finished detection.
func ObserveDetection(elapsed time.Duration, digits int, err error) {
	if err != nil {
		DetectionsTotal.WithLabelValues("error").Inc()
		return
	}
	DetectionsTotal.WithLabelValues("ok").Inc()
	DigitsTotal.Add(float64(digits))
	InferenceSeconds.Observe(elapsed.Seconds())
}

func Published(topic string) {
	MQTTMessages.WithLabelValues("published", topic).Inc()
}

func Received(topic string) {
	MQTTMessages.WithLabelValues("received", topic).Inc()
}

// GinMiddleware counts requests by route and status.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPTotal.WithLabelValues(path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func CheckProcessInfo(p *process.Process) {
	if memInfo, err := p.MemoryInfo(); err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := p.CPUPercent(); err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves /metrics on port and samples process usage every 500ms
// until ctx is done.
func StartMon(ctx context.Context, port int) error {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return fmt.Errorf("monitor: inspect process: %w", err)
	}
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("monitor: listen on %d: %w", port, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("Prometheus server error", zap.Error(err))
		}
	}()
	logger.Log().Info("Metrics listening", zap.Int("port", port))

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			CheckProcessInfo(p)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
