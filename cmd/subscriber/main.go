// Command subscriber is the inference worker of the MQTT variant.
package main

import (
	"MeterDetServer/adhoc"
	"MeterDetServer/config"
	"MeterDetServer/frame"
	"MeterDetServer/logger"
	"MeterDetServer/monitor"
	"MeterDetServer/mqtt"
	"MeterDetServer/pipeline"
	"MeterDetServer/rpc"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()
	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "subscriber:", err)
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
	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())
	fmt.Println(" gRPC  Port:", cfg.RPC.Port)
	fmt.Println("Configured Workers Num:", workers)
	fmt.Println(strings.Repeat("#", 64))
	if oversubscribed {
		fmt.Println(strings.Repeat("!", 64))
		fmt.Println("Please noted that workersNum exceeds CPU cores, which may lead to performance degradation.")
		fmt.Println(strings.Repeat("!", 64))
	}
	if cfg.Engine.UseGPU {
		fmt.Println("If you need GPU acceleration, please make sure that your GPU has enough memory to handle multiple workers.")
	}

	pool, err := pipeline.NewFromConfig(cfg.Engine, workers)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	defer pool.Close()

	rpcSrv, err := rpc.StartGRPCServer(cfg.RPC.Port)
	if err != nil {
		return err
	}
	defer rpcSrv.Stop(5 * time.Second)

	id := frame.NewID()
	client := mqtt.NewPahoClient(cfg.MQTT, "meter-worker-"+id[:8])
	client.OnStateChange = rpcSrv.SetServing
	worker := mqtt.NewWorker(client, pool, cfg.MQTT, 2*workers)
	if err := worker.Start(); err != nil {
		return err
	}
	logger.Log().Info("Connecting to MQTT broker",
		zap.String("broker", cfg.MQTT.BrokerURL()),
		zap.String("requests", cfg.MQTT.PublishTopic),
		zap.String("results", cfg.MQTT.SubscribeTopic))
	if err := client.Start(); err != nil {
		logger.Log().Warn("MQTT broker not reachable yet, retrying in background", zap.Error(err))
	}
	defer client.Stop()

	var wg sync.WaitGroup
	if cfg.Registry.Enabled {
		ip, err := adhoc.GetOutboundIP()
		if err != nil {
			logger.Log().Warn("Failed to get outbound IP", zap.Error(err))
			ip = "127.0.0.1"
		}
		hb := adhoc.NewHeartbeat(cfg.Registry.URL, cfg.Registry.Interval, adhoc.RegisterRequest{
			Id:            id,
			Host:          ip,
			RPCPort:       cfg.RPC.Port,
			Backend:       cfg.Engine.Backend,
			InstanceClass: adhoc.InstanceClass(cfg.Engine.UseGPU),
			Workers:       workers,
		})
		wg.Add(1)
		go hb.Run(ctx, &wg)
	}

	<-ctx.Done()
	logger.Log().Info("Shutting down")
	wg.Wait()
	return nil
}
