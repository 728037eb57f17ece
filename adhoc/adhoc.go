// Package adhoc announces inference workers to the publisher and keeps the
// publisher's view of who is alive.
package adhoc

import (
	"MeterDetServer/logger"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CpuInstance  = 0x2002
	CudaInstance = 0x2003

	TimeOutSeconds = 5
	RegisterPath   = "/api/workers/register"
)

var ErrMissingID = errors.New("adhoc: register request without id")

type RegisterRequest struct {
	Id            string `json:"id"`
	Host          string `json:"host"`
	RPCPort       int    `json:"rpcPort"`
	Backend       string `json:"backend"`
	InstanceClass int    `json:"instanceClass"`
	Workers       int    `json:"workers"`
	TimeStamp     int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

func InstanceClass(useGPU bool) int {
	if useGPU {
		return CudaInstance
	}
	return CpuInstance
}

// GetOutboundIP returns the local address used to reach the outside. No
// packet is sent; dialing UDP only resolves the route.
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// Heartbeat periodically registers one worker with the registry.
type Heartbeat struct {
	client   *resty.Client
	url      string
	interval time.Duration
	info     RegisterRequest
}

func NewHeartbeat(registryURL string, interval time.Duration, info RegisterRequest) *Heartbeat {
	if interval <= 0 {
		interval = TimeOutSeconds * time.Second
	}
	if info.Id == "" {
		info.Id = uuid.NewString()
	}
	return &Heartbeat{
		client:   resty.New().SetTimeout(TimeOutSeconds * time.Second),
		url:      strings.TrimRight(registryURL, "/") + RegisterPath,
		interval: interval,
		info:     info,
	}
}

func (h *Heartbeat) ID() string {
	return h.info.Id
}

// Beat sends a single registration.
func (h *Heartbeat) Beat(ctx context.Context) error {
	req := h.info
	req.TimeStamp = time.Now().Unix()
	var respBody RegisterResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&respBody).
		Post(h.url)
	if err != nil {
		return fmt.Errorf("adhoc: register: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("adhoc: registry returned %s: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return fmt.Errorf("adhoc: registry rejected %s", req.Id)
	}
	return nil
}

// Run beats immediately and then every interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	safeBeat := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Log().Error(fmt.Sprintf("Heartbeat panic recovered: %v", r))
			}
		}()
		if err := h.Beat(ctx); err != nil && ctx.Err() == nil {
			logger.Log().Warn("Heartbeat failed", zap.String("url", h.url), zap.Error(err))
		}
	}
	safeBeat()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("Heartbeat context cancelled, exiting goroutine.")
			return
		case <-ticker.C:
			safeBeat()
		}
	}
}
