package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/scitix/netpulse/pkg/log"
	"github.com/scitix/netpulse/pkg/metrics"
	"github.com/scitix/netpulse/pkg/types"
)

const (
	minTimeout     = 500 * time.Millisecond
	maxTimeout     = 120 * time.Second
	defaultTimeout = 5 * time.Second
)

// payload is the body posted on a job's terminal state
type payload struct {
	ID                string                 `json:"id"`
	Status            types.JobStatus        `json:"status"`
	Result            json.RawMessage        `json:"result,omitempty"`
	Error             *types.ErrorDescriptor `json:"error,omitempty"`
	DeviceFingerprint string                 `json:"device_fingerprint,omitempty"`
	Driver            string                 `json:"driver"`
	Command           []string               `json:"command,omitempty"`
	Config            []string               `json:"config,omitempty"`
}

// Notifier delivers terminal-state callbacks. Delivery is best effort:
// no retry, failures are logged and never affect job status. Callers
// that need guarantees poll the job endpoint instead.
type Notifier struct {
	client *http.Client
	logger zerolog.Logger
}

// NewNotifier creates a notifier
func NewNotifier() *Notifier {
	return &Notifier{
		// Per-request timeouts come from the webhook spec
		client: &http.Client{},
		logger: log.WithComponent("webhook"),
	}
}

// Notify fires the webhook configured on the job, if any
func (n *Notifier) Notify(ctx context.Context, job *types.Job, fingerprint string) {
	if job.Payload == nil || job.Payload.Webhook == nil || job.Payload.Webhook.URL == "" {
		return
	}
	spec := job.Payload.Webhook

	body, err := json.Marshal(payload{
		ID:                job.ID,
		Status:            job.Status,
		Result:            job.Result,
		Error:             job.Error,
		DeviceFingerprint: fingerprint,
		Driver:            job.Payload.Driver,
		Command:           job.Payload.Command,
		Config:            job.Payload.Config,
	})
	if err != nil {
		n.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to encode webhook body")
		metrics.WebhooksFired.WithLabelValues("error").Inc()
		return
	}

	method := spec.Method
	if method == "" {
		method = http.MethodPost
	}

	reqCtx, cancel := context.WithTimeout(ctx, clampTimeout(spec.TimeoutSeconds))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, spec.URL, bytes.NewReader(body))
	if err != nil {
		n.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to build webhook request")
		metrics.WebhooksFired.WithLabelValues("error").Inc()
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn().Err(err).Str("job_id", job.ID).Str("url", spec.URL).Msg("Webhook delivery failed")
		metrics.WebhooksFired.WithLabelValues("error").Inc()
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		n.logger.Warn().Int("status", resp.StatusCode).Str("job_id", job.ID).Str("url", spec.URL).
			Msg("Webhook endpoint returned an error")
		metrics.WebhooksFired.WithLabelValues("rejected").Inc()
		return
	}
	metrics.WebhooksFired.WithLabelValues("ok").Inc()
}

func clampTimeout(seconds float64) time.Duration {
	if seconds == 0 {
		return defaultTimeout
	}
	d := time.Duration(seconds * float64(time.Second))
	if d < minTimeout {
		return minTimeout
	}
	if d > maxTimeout {
		return maxTimeout
	}
	return d
}
