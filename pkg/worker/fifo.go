package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scitix/netpulse/pkg/driver"
	"github.com/scitix/netpulse/pkg/log"
	"github.com/scitix/netpulse/pkg/store"
	"github.com/scitix/netpulse/pkg/types"
	"github.com/scitix/netpulse/pkg/webhook"
)

// FIFOConfig holds the fifo pool settings
type FIFOConfig struct {
	Concurrency    int
	DefaultTimeout time.Duration
	ResultTTL      time.Duration

	// PopInterval overrides the queue poll period; zero means the
	// default of five seconds.
	PopInterval time.Duration
}

// FIFOPool is a pool of identical stateless workers on the shared fifo
// queue. Every job opens its own session and closes it when done, so
// jobs against the same device can run concurrently on different pool
// slots.
type FIFOPool struct {
	cfg    FIFOConfig
	store  *store.Store
	exec   *executor
	logger zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewFIFOPool creates the pool
func NewFIFOPool(cfg FIFOConfig, st *store.Store) *FIFOPool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PopInterval <= 0 {
		cfg.PopInterval = defaultPopInterval
	}
	logger := log.WithComponent("fifo-worker")
	return &FIFOPool{
		cfg:    cfg,
		store:  st,
		logger: logger,
		stopCh: make(chan struct{}),
		exec: &executor{
			store:          st,
			notifier:       webhook.NewNotifier(),
			logger:         logger,
			defaultTimeout: cfg.DefaultTimeout,
			resultTTL:      cfg.ResultTTL,
		},
	}
}

// Run starts the pool and blocks until Stop or context cancellation
func (p *FIFOPool) Run(ctx context.Context) error {
	p.logger.Info().Int("concurrency", p.cfg.Concurrency).Msg("FIFO pool started")

	// Stop must interrupt blocking pops across the pool
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.work(runCtx, i)
	}
	p.wg.Wait()
	p.logger.Info().Msg("FIFO pool stopped")
	return nil
}

// Stop makes every pool slot exit. It cancels the pool's context, which
// also interrupts any job still in flight.
func (p *FIFOPool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *FIFOPool) work(ctx context.Context, slot int) {
	defer p.wg.Done()
	logger := p.logger.With().Int("slot", slot).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		job, err := p.store.PopJob(ctx, types.FIFOQueue, p.cfg.PopInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("Queue pop failed")
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		p.serve(ctx, job, logger)
	}
}

// serve runs one job on a fresh session. The precheck runs first so a
// job cancelled while queued never reports started.
func (p *FIFOPool) serve(ctx context.Context, job *types.Job, logger zerolog.Logger) {
	if !p.exec.precheck(ctx, job) {
		return
	}
	if err := p.store.MarkStarted(ctx, job.ID); err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job started")
	}

	drv, err := driver.Get(job.Payload.Driver)
	if err != nil {
		p.exec.markFailed(ctx, job, types.WrapError(types.ErrKindValidation, err), "")
		return
	}

	connectCtx, cancel := context.WithTimeout(ctx, p.exec.execTimeout(job))
	sess, err := drv.Connect(connectCtx, job.Payload.ConnectionArgs)
	cancel()
	if err != nil {
		p.exec.markFailed(ctx, job, types.WrapError(types.ErrKindConnectFailed, err), "")
		return
	}
	defer sess.Close()

	result, opErr := p.exec.dispatch(ctx, job, sess)
	p.exec.complete(ctx, job, result, opErr, sess.Fingerprint())
}
