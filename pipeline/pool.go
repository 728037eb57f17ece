// Package pipeline runs uploaded images through a pool of detectors and
// turns the boxes into an annotated image and a meter reading.
package pipeline

import (
	"MeterDetServer/config"
	"MeterDetServer/engine"
	"MeterDetServer/imaging"
	iface "MeterDetServer/interface"
	"MeterDetServer/logger"
	"MeterDetServer/meter"
	"MeterDetServer/monitor"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var ErrPoolClosed = errors.New("pipeline: pool closed")

// Factory builds one loaded detector per worker.
type Factory func() (engine.Backend, error)

type JobPackage struct {
	ctx    context.Context
	image  []byte
	Result chan jobResult
}

type jobResult struct {
	Outcome *iface.Outcome
	Err     error
}

// Pool owns one Backend per worker; backends are never shared between
// goroutines.
type Pool struct {
	jobs      chan JobPackage
	workers   []engine.Backend
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewPool(workersNum int, factory Factory) (*Pool, error) {
	if workersNum <= 0 {
		workersNum = 1
	}
	p := &Pool{jobs: make(chan JobPackage, workersNum)}
	for i := 0; i < workersNum; i++ {
		b, err := factory()
		if err != nil {
			p.destroyAll()
			return nil, fmt.Errorf("create worker %d: %w", i, err)
		}
		p.workers = append(p.workers, b)
	}
	for i := range p.workers {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	return p, nil
}

// NewFromConfig loads cfg.WorkersNum detectors of the configured backend.
func NewFromConfig(cfg config.EngineConfig, workersNum int) (*Pool, error) {
	names := iface.NamesConf{IsFile: false, Data: cfg.Names}
	if cfg.NamesFile != "" {
		names = iface.NamesConf{IsFile: true, Data: cfg.NamesFile}
	}
	opts := engine.Options{
		InputSize:   cfg.InputSize,
		OnnxLibPath: cfg.OnnxLibPath,
		InputName:   cfg.InputName,
		OutputName:  cfg.OutputName,
	}
	return NewPool(workersNum, func() (engine.Backend, error) {
		b, err := engine.NewBackend(cfg.Backend, opts)
		if err != nil {
			return nil, err
		}
		if err := b.LoadModel(cfg.ModelPath, names, cfg.Conf, cfg.Iou, cfg.UseGPU); err != nil {
			b.Destroy()
			return nil, err
		}
		logger.Log().Info("Loaded detector",
			zap.String("backend", cfg.Backend),
			zap.String("model", cfg.ModelPath),
			zap.Float32("conf", cfg.Conf),
			zap.Float32("iou", cfg.Iou),
			zap.Bool("useGPU", cfg.UseGPU))
		if cfg.UseGPU {
			WarmUp(b)
		}
		return b, nil
	})
}

// WarmUp runs a few detections on a small black frame so the first real
// request does not pay for GPU initialisation.
func WarmUp(b engine.Backend) {
	warmMat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 32, 32, gocv.MatTypeCV8UC3)
	defer warmMat.Close()
	for i := 0; i < 3; i++ {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Log().Warn("panic during warmup detect", zap.Any("panic", r))
				}
			}()
			_, _ = b.Detect(warmMat)
		}()
	}
}

func (p *Pool) Size() int {
	return len(p.workers)
}

// Submit queues raw image bytes and waits for the outcome or ctx.
func (p *Pool) Submit(ctx context.Context, raw []byte) (*iface.Outcome, error) {
	job := JobPackage{ctx: ctx, image: raw, Result: make(chan jobResult, 1)}
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, ctx.Err()
	}
	select {
	case res := <-job.Result:
		return res.Outcome, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) runWorker(workerID int) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("Worker panic, restarting in 1s", zap.Int("worker", workerID), zap.Any("panic", r))
			p.wg.Add(1)
			go func() {
				time.Sleep(1 * time.Second)
				p.runWorker(workerID)
			}()
		}
		p.wg.Done()
	}()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	logger.Log().Debug("Worker started", zap.Int("worker", workerID))
	backend := p.workers[workerID]
	for job := range p.jobs {
		p.handle(backend, job)
	}
}

func (p *Pool) handle(backend engine.Backend, job JobPackage) {
	if err := job.ctx.Err(); err != nil {
		job.Result <- jobResult{Err: err}
		return
	}
	defer func() {
		if r := recover(); r != nil {
			job.Result <- jobResult{Err: fmt.Errorf("detector panic: %v", r)}
			monitor.ObserveDetection(0, 0, errors.New("panic"))
			panic(r)
		}
	}()
	out, err := Process(backend, job.image)
	if err != nil {
		monitor.ObserveDetection(0, 0, err)
		job.Result <- jobResult{Err: err}
		return
	}
	monitor.ObserveDetection(out.Elapsed, len(out.Digits), nil)
	job.Result <- jobResult{Outcome: out}
}

// Process decodes raw, detects digits, and returns the ordered reading with
// an annotated JPEG.
func Process(backend engine.Backend, raw []byte) (*iface.Outcome, error) {
	start := time.Now()
	mat, err := imaging.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid image: %w", err)
	}
	defer mat.Close()

	results, err := backend.Detect(mat)
	if err != nil {
		return nil, fmt.Errorf("inference error: %w", err)
	}
	reading := meter.Read(results)
	imaging.Annotate(&mat, results)
	annotated, err := imaging.EncodeJPEG(mat)
	if err != nil {
		return nil, err
	}
	return &iface.Outcome{
		Detections: meter.Order(results),
		Digits:     reading.Digits,
		Reading:    reading.Text,
		Annotated:  annotated,
		Elapsed:    time.Since(start),
	}, nil
}

// Close stops accepting jobs, waits for workers and destroys detectors.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
		p.wg.Wait()
		p.destroyAll()
	})
}

func (p *Pool) destroyAll() {
	for _, b := range p.workers {
		b.Destroy()
	}
}
