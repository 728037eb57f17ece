// Command publisher is the web front end of the MQTT variant: it publishes
// uploads to the inference worker and shows the results.
package main

import (
	"MeterDetServer/adhoc"
	"MeterDetServer/config"
	"MeterDetServer/frame"
	"MeterDetServer/logger"
	"MeterDetServer/monitor"
	"MeterDetServer/mqtt"
	"MeterDetServer/session"
	"MeterDetServer/webui"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()
	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "publisher:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Monitor.Enabled {
		go func() {
			if err := monitor.StartMon(ctx, cfg.Monitor.Port); err != nil {
				logger.Log().Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	client := mqtt.NewPahoClient(cfg.MQTT, "meter-publisher-"+frame.NewID()[:8])
	requester := mqtt.NewRequester(client, cfg.MQTT)
	store := session.NewStore(cfg.Session.MaxHistory, cfg.Session.TTL)
	registry := adhoc.NewRegistry()
	srv := webui.NewPublishServer(requester, store, registry, webui.PublishOptions{
		MaxUploadSize: cfg.HTTP.MaxUploadSize,
		ResultTimeout: cfg.MQTT.ResultTimeout,
		WorkerTTL:     cfg.Registry.TTL,
	})
	requester.OnResult = srv.HandleResult

	if err := requester.Start(); err != nil {
		return err
	}
	logger.Log().Info("Connecting to MQTT broker", zap.String("broker", cfg.MQTT.BrokerURL()))
	if err := client.Start(); err != nil {
		logger.Log().Warn("MQTT broker not reachable yet, retrying in background", zap.Error(err))
	}
	defer client.Stop()

	store.StartJanitor(ctx, time.Minute)
	go requester.Janitor(ctx, time.Minute)
	go pruneWorkers(ctx, registry, cfg.Registry.TTL)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Log().Info("HTTP server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Log().Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// pruneWorkers forgets workers that stopped beating long ago.
func pruneWorkers(ctx context.Context, registry *adhoc.Registry, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := registry.Prune(4 * ttl); n > 0 {
				logger.Log().Info("Forgot silent workers", zap.Int("count", n))
			}
		}
	}
}
