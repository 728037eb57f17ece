// Command meterapp is the single-process water meter detection web app.
package main

import (
	"MeterDetServer/config"
	"MeterDetServer/logger"
	"MeterDetServer/monitor"
	"MeterDetServer/pipeline"
	"MeterDetServer/session"
	"MeterDetServer/webui"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()
	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "meterapp:", err)
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

	workers, oversubscribed := cfg.Workers()
	logger.Log().Info("Starting meterapp",
		zap.Int("cpu", runtime.NumCPU()),
		zap.Int("workers", workers),
		zap.String("backend", cfg.Engine.Backend),
		zap.String("model", cfg.Engine.ModelPath))
	if oversubscribed {
		fmt.Println(strings.Repeat("!", 64))
		fmt.Println("Please noted that workersNum exceeds CPU cores, which may lead to performance degradation.")
		fmt.Println(strings.Repeat("!", 64))
	}

	pool, err := pipeline.NewFromConfig(cfg.Engine, workers)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	defer pool.Close()

	store := session.NewStore(cfg.Session.MaxHistory, cfg.Session.TTL)
	store.StartJanitor(ctx, time.Minute)

	srv := webui.NewDetectServer(pool, store, cfg.HTTP.MaxUploadSize)
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
