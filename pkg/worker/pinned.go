package worker

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/scitix/netpulse/pkg/driver"
	"github.com/scitix/netpulse/pkg/log"
	"github.com/scitix/netpulse/pkg/metrics"
	"github.com/scitix/netpulse/pkg/store"
	"github.com/scitix/netpulse/pkg/types"
	"github.com/scitix/netpulse/pkg/webhook"
)

// defaultPopInterval bounds one blocking queue pop so the loop can
// notice stop, suicide and idle expiry between pops
const defaultPopInterval = 5 * time.Second

// PinnedConfig holds everything a pinned worker inherits from its
// spawner
type PinnedConfig struct {
	Host           string
	NodeID         string
	Driver         string
	ConnectionArgs json.RawMessage

	IdleTTL        time.Duration
	DefaultTimeout time.Duration
	ResultTTL      time.Duration

	// PopInterval overrides the queue poll period; zero means the
	// default of five seconds.
	PopInterval time.Duration
}

// Pinned serves exactly one device, reusing one session across jobs.
// It never reconnects after a session loss: the keepalive monitor marks
// suicide, the worker exits, and the next submission for the host
// spawns a fresh worker.
type Pinned struct {
	cfg   PinnedConfig
	queue string
	cell  *SessionCell
	exec  *executor
	store *store.Store

	logger   zerolog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	suicide  atomic.Bool

	monitorWG sync.WaitGroup
	monitorOn atomic.Bool

	lastServed atomic.Int64 // unix nano of the last job completion
}

// NewPinned creates a pinned worker for one host
func NewPinned(cfg PinnedConfig, st *store.Store) (*Pinned, error) {
	drv, err := driver.Get(cfg.Driver)
	if err != nil {
		return nil, err
	}
	cell, err := NewSessionCell(drv, cfg.ConnectionArgs)
	if err != nil {
		return nil, err
	}

	logger := log.WithComponent("pinned-worker").With().Str("host", cfg.Host).Logger()
	w := &Pinned{
		cfg:    cfg,
		queue:  types.PinnedQueueName(cfg.Host),
		cell:   cell,
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
	if w.cfg.PopInterval <= 0 {
		w.cfg.PopInterval = defaultPopInterval
	}
	w.lastServed.Store(time.Now().UnixNano())
	return w, nil
}

// Queue returns the pinned queue this worker consumes
func (w *Pinned) Queue() string {
	return w.queue
}

// Stop asks the worker to exit after the current job
func (w *Pinned) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Run is the worker main loop. It returns when stopped, on suicide, or
// after the idle TTL elapses with no traffic.
func (w *Pinned) Run(ctx context.Context) error {
	// Re-assert the descriptor with this process identity; the spawner
	// wrote one right after starting the process.
	desc := &types.PinnedWorkerDescriptor{
		Host:      w.cfg.Host,
		NodeID:    w.cfg.NodeID,
		PID:       os.Getpid(),
		Queue:     w.queue,
		StartedAt: time.Now(),
	}
	if err := w.store.AddDescriptor(ctx, desc); err != nil {
		return err
	}
	w.logger.Info().Str("queue", w.queue).Msg("Pinned worker started")

	defer w.shutdown()

	// Stop and suicide must interrupt a blocking pop
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	for {
		select {
		case <-runCtx.Done():
			return nil
		default:
		}
		if w.suicide.Load() {
			return nil
		}
		if w.idleExpired() {
			w.logger.Info().Msg("Idle TTL elapsed, exiting")
			return nil
		}

		job, err := w.store.PopJob(runCtx, w.queue, w.cfg.PopInterval)
		if err != nil {
			if runCtx.Err() != nil {
				return nil
			}
			w.logger.Error().Err(err).Msg("Queue pop failed")
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		w.serve(ctx, job)
		w.lastServed.Store(time.Now().UnixNano())
	}
}

func (w *Pinned) idleExpired() bool {
	if w.cfg.IdleTTL <= 0 {
		return false
	}
	last := time.Unix(0, w.lastServed.Load())
	return time.Since(last) > w.cfg.IdleTTL
}

// serve executes one job against the persisted session. The precheck
// runs first so a job cancelled while queued never reports started.
func (w *Pinned) serve(ctx context.Context, job *types.Job) {
	if !w.exec.precheck(ctx, job) {
		return
	}
	if err := w.store.MarkStarted(ctx, job.ID); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job started")
	}

	w.cell.Lock()
	sess, err := w.cell.Acquire(ctx)
	if err != nil {
		w.cell.Unlock()
		w.exec.markFailed(ctx, job, types.WrapError(types.ErrKindConnectFailed, err), "")
		return
	}
	w.startMonitor(ctx)

	result, opErr := w.exec.dispatch(ctx, job, sess)
	fingerprint := sess.Fingerprint()
	sessionDead := opErr != nil && !sess.IsAlive()
	w.cell.Unlock()

	w.exec.complete(ctx, job, result, opErr, fingerprint)

	// A failure that also killed the session escalates: report first,
	// then go down so the binding gets rebuilt on the next submission.
	if sessionDead {
		w.logger.Warn().Str("job_id", job.ID).Msg("Session died during job, exiting")
		w.markSuicide()
	}
}

// startMonitor launches the keepalive monitor once the first session
// exists. A zero interval disables monitoring entirely.
func (w *Pinned) startMonitor(ctx context.Context) {
	if w.cell.KeepaliveInterval() <= 0 {
		return
	}
	if !w.monitorOn.CompareAndSwap(false, true) {
		return
	}
	w.monitorWG.Add(1)
	go w.monitor(ctx)
}

// monitor is the keepalive loop. Each wake re-checks the stop flag,
// then probes and nudges the session under the cell mutex. Any failure
// marks suicide; no reconnect is attempted.
func (w *Pinned) monitor(ctx context.Context) {
	defer w.monitorWG.Done()

	ticker := time.NewTicker(w.cell.KeepaliveInterval())
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Stop may have raced the tick
		select {
		case <-w.stopCh:
			return
		default:
		}

		w.cell.Lock()
		sess := w.cell.Current()
		if sess == nil {
			w.cell.Unlock()
			continue
		}
		if !sess.IsAlive() {
			w.cell.Unlock()
			w.logger.Warn().Msg("Keepalive found session dead")
			metrics.KeepaliveFailures.Inc()
			w.markSuicide()
			return
		}
		if err := sess.Keepalive(ctx); err != nil {
			w.cell.Unlock()
			w.logger.Warn().Err(err).Msg("Keepalive nudge failed")
			metrics.KeepaliveFailures.Inc()
			w.markSuicide()
			return
		}
		w.cell.Unlock()
	}
}

func (w *Pinned) markSuicide() {
	if w.suicide.CompareAndSwap(false, true) {
		metrics.PinnedWorkerSuicides.Inc()
		w.Stop()
	}
}

// shutdown is the exit hook on every path: disconnect, drop the
// descriptor, release the binding if it still points here.
func (w *Pinned) shutdown() {
	// Fresh context: the run context may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w.Stop()
	w.monitorWG.Wait()

	w.cell.Lock()
	w.cell.Close()
	w.cell.Unlock()

	if err := w.store.RemoveDescriptor(ctx, w.cfg.NodeID, w.cfg.Host); err != nil {
		w.logger.Error().Err(err).Msg("Failed to remove descriptor")
	}
	if err := w.store.UnbindHostIf(ctx, w.cfg.Host, w.cfg.NodeID); err != nil {
		w.logger.Error().Err(err).Msg("Failed to release binding")
	}
	w.logger.Info().Msg("Pinned worker stopped")
}
