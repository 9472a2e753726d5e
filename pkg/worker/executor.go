package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/scitix/netpulse/pkg/driver"
	"github.com/scitix/netpulse/pkg/metrics"
	"github.com/scitix/netpulse/pkg/store"
	"github.com/scitix/netpulse/pkg/types"
	"github.com/scitix/netpulse/pkg/webhook"
)

// executor is the job handling shared by pinned and fifo workers:
// precheck, driver dispatch with timeout, result recording, webhook.
type executor struct {
	store          *store.Store
	notifier       *webhook.Notifier
	logger         zerolog.Logger
	defaultTimeout time.Duration
	resultTTL      time.Duration
}

func (e *executor) execTimeout(job *types.Job) time.Duration {
	if job.ExecTimeout > 0 {
		return job.ExecTimeout
	}
	return e.defaultTimeout
}

func (e *executor) resultLife(job *types.Job) time.Duration {
	if job.ResultTTL > 0 {
		return job.ResultTTL
	}
	return e.resultTTL
}

// precheck handles cancellation and queue-life expiry before any
// session work. Returns false when the job must not run.
func (e *executor) precheck(ctx context.Context, job *types.Job) bool {
	cancelled, err := e.store.CancelRequested(ctx, job.ID)
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to read cancel flag")
	}
	if cancelled {
		e.markCancelled(ctx, job, "")
		return false
	}

	if !job.QueueDeadline.IsZero() && time.Now().After(job.QueueDeadline) {
		e.markFailed(ctx, job, types.NewError(types.ErrKindQueueExpired,
			"job spent longer than its queue life waiting to start"), "")
		return false
	}
	return true
}

// dispatch runs the job's operation against the session under the
// job's execution timeout
func (e *executor) dispatch(ctx context.Context, job *types.Job, sess driver.Session) (*driver.Result, error) {
	opCtx, cancel := context.WithTimeout(ctx, e.execTimeout(job))
	defer cancel()

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.JobDuration, job.Payload.Driver)

	if job.Payload.IsConfig() {
		return sess.Config(opCtx, job.Payload.Config)
	}
	return sess.Send(opCtx, job.Payload.Command)
}

// complete records the outcome of a dispatched job. A cancel flag that
// arrived while the driver call was in flight wins over the result.
func (e *executor) complete(ctx context.Context, job *types.Job, result *driver.Result, opErr error, fingerprint string) {
	cancelled, err := e.store.CancelRequested(ctx, job.ID)
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to read cancel flag")
	}
	if cancelled {
		e.markCancelled(ctx, job, fingerprint)
		return
	}

	if opErr != nil {
		e.markFailed(ctx, job, classify(opErr), fingerprint)
		return
	}
	e.markFinished(ctx, job, result.JSON(), fingerprint)
}

// classify maps a driver error onto the caller-visible taxonomy
func classify(err error) *types.ErrorDescriptor {
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewError(types.ErrKindTimeout, "execution timeout exceeded")
	}
	return types.WrapError(types.ErrKindDriverInternal, err)
}

func (e *executor) markFinished(ctx context.Context, job *types.Job, result json.RawMessage, fingerprint string) {
	if err := e.store.MarkFinished(ctx, job.ID, result, e.resultLife(job)); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to store job result")
		return
	}
	job.Status = types.JobStatusFinished
	job.Result = result
	metrics.JobsCompleted.WithLabelValues(string(types.JobStatusFinished)).Inc()
	e.notifier.Notify(ctx, job, fingerprint)
}

func (e *executor) markFailed(ctx context.Context, job *types.Job, desc *types.ErrorDescriptor, fingerprint string) {
	if err := e.store.MarkFailed(ctx, job.ID, desc, e.resultLife(job)); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to store job failure")
		return
	}
	job.Status = types.JobStatusFailed
	job.Error = desc
	metrics.JobsCompleted.WithLabelValues(string(types.JobStatusFailed)).Inc()
	e.notifier.Notify(ctx, job, fingerprint)
}

func (e *executor) markCancelled(ctx context.Context, job *types.Job, fingerprint string) {
	if err := e.store.MarkCancelled(ctx, job.ID, e.resultLife(job)); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to store job cancellation")
		return
	}
	job.Status = types.JobStatusCancelled
	metrics.JobsCompleted.WithLabelValues(string(types.JobStatusCancelled)).Inc()
	e.notifier.Notify(ctx, job, fingerprint)
}
