package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"foreman/pkg/logx"
)

// Handler processes one claimed message. A nil error acks it. An error wrapped
// with Permanent dead-letters it. Any other error nacks it for redelivery.
type Handler func(ctx context.Context, msg Message) error

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth redelivering.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// PoolConfig configures a WorkerPool.
type PoolConfig struct {
	Name         string
	Workers      int
	PollInterval time.Duration
	Visibility   time.Duration
}

// PoolStats counts handled messages.
type PoolStats struct {
	Acked        int64 `json:"acked"`
	Nacked       int64 `json:"nacked"`
	DeadLettered int64 `json:"dead_lettered"`
}

// WorkerPool runs Workers goroutines that claim from a queue and call the handler.
type WorkerPool struct {
	queue   Queue
	handler Handler
	cfg     PoolConfig
	logger  *logx.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	acked, nacked, dead atomic.Int64
}

// NewWorkerPool creates a pool. Zero config values get defaults.
func NewWorkerPool(queue Queue, handler Handler, cfg PoolConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "worker"
	}
	return &WorkerPool{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		logger:  logx.NewLogger("dispatch"),
	}
}

// Start launches the workers and the lease reaper.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("worker pool %s is already running", p.cfg.Name)
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		consumer := fmt.Sprintf("%s-%d", p.cfg.Name, i)
		p.wg.Add(1)
		go p.work(ctx, consumer)
	}
	p.wg.Add(1)
	go p.reap(ctx)

	p.logger.Info("started %d workers (%s)", p.cfg.Workers, p.cfg.Name)
	return nil
}

// Stop cancels the workers and waits for in-flight handlers until ctx ends.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool %s stopped", p.cfg.Name)
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool %s stop timed out", p.cfg.Name)
		return ctx.Err()
	}
}

// Stats returns the handled-message counters.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{Acked: p.acked.Load(), Nacked: p.nacked.Load(), DeadLettered: p.dead.Load()}
}

func (p *WorkerPool) work(ctx context.Context, consumer string) {
	defer p.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		claim, err := p.queue.Claim(ctx, consumer, p.cfg.Visibility)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("%s: claim failed: %v", consumer, err)
			}
		}
		if claim == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		p.handle(ctx, consumer, claim)
	}
}

func (p *WorkerPool) handle(ctx context.Context, consumer string, claim *Claim) {
	err := p.safeHandle(ctx, claim.Message)

	// Settle the claim even if the pool is stopping.
	settleCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if ackErr := p.queue.Ack(settleCtx, claim); ackErr != nil {
			p.logger.Warn("%s: ack %s failed: %v", consumer, claim.JobID, ackErr)
		}
		p.acked.Add(1)
	case IsPermanent(err):
		p.logger.Error("%s: job %s dead-lettered: %v", consumer, claim.JobID, err)
		if dlErr := p.queue.DeadLetter(settleCtx, claim, err.Error()); dlErr != nil {
			p.logger.Warn("%s: dead-letter %s failed: %v", consumer, claim.JobID, dlErr)
		}
		p.dead.Add(1)
	default:
		p.logger.Warn("%s: job %s nacked (delivery %d): %v", consumer, claim.JobID, claim.Deliveries, err)
		if nackErr := p.queue.Nack(settleCtx, claim, err.Error()); nackErr != nil {
			p.logger.Warn("%s: nack %s failed: %v", consumer, claim.JobID, nackErr)
		}
		p.nacked.Add(1)
	}
}

func (p *WorkerPool) safeHandle(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panicked: %v", r))
		}
	}()
	return p.handler(ctx, msg)
}

func (p *WorkerPool) reap(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.queue.RequeueExpired(ctx, now.UTC())
			if err != nil && ctx.Err() == nil {
				p.logger.Warn("requeue expired failed: %v", err)
			}
			if n > 0 {
				p.logger.Info("requeued %d expired claims", n)
			}
		}
	}
}
