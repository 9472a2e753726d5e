package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scitix/netpulse/pkg/config"
	"github.com/scitix/netpulse/pkg/driver"
	"github.com/scitix/netpulse/pkg/events"
	"github.com/scitix/netpulse/pkg/log"
	"github.com/scitix/netpulse/pkg/metrics"
	"github.com/scitix/netpulse/pkg/scheduler"
	"github.com/scitix/netpulse/pkg/store"
	"github.com/scitix/netpulse/pkg/types"
	"github.com/scitix/netpulse/pkg/webhook"
)

// Controller is the dispatcher: it resolves the queue strategy, places
// pinned workers through the scheduler and the node supervisors, and
// owns submission, cancellation and job lookup.
type Controller struct {
	cfg      *config.Config
	store    *store.Store
	sched    scheduler.Scheduler
	broker   *events.Broker
	notifier *webhook.Notifier
	logger   zerolog.Logger
}

// New creates a controller using the configured scheduler
func New(cfg *config.Config, st *store.Store, broker *events.Broker) (*Controller, error) {
	sched, err := scheduler.Get(cfg.Worker.Scheduler)
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:      cfg,
		store:    st,
		sched:    sched,
		broker:   broker,
		notifier: webhook.NewNotifier(),
		logger:   log.WithComponent("controller"),
	}, nil
}

// hostFromArgs extracts the device host shared by every driver's
// connection args; it keys queues, bindings and scheduling.
func hostFromArgs(args json.RawMessage) (string, error) {
	var probe struct {
		Host string `json:"host"`
	}
	if err := json.Unmarshal(args, &probe); err != nil {
		return "", types.NewError(types.ErrKindValidation, "invalid connection args: %v", err)
	}
	if probe.Host == "" {
		return "", types.NewError(types.ErrKindValidation, "connection args missing host")
	}
	return probe.Host, nil
}

// resolveStrategy applies the request's strategy or the driver's
// configured default
func (c *Controller) resolveStrategy(payload *types.JobPayload) (types.QueueStrategy, error) {
	strategy := payload.QueueStrategy
	if strategy == "" {
		strategy = types.QueueStrategy(c.cfg.DefaultStrategy(payload.Driver))
	}
	if !strategy.Valid() {
		return "", types.NewError(types.ErrKindValidation, "unknown queue strategy %q", strategy)
	}
	return strategy, nil
}

// buildJob assembles the job record from the payload and config defaults
func (c *Controller) buildJob(payload *types.JobPayload, host, queue string) *types.Job {
	now := time.Now()

	queueTTL := c.cfg.Job.QueueTTL
	if payload.TTLSeconds > 0 {
		queueTTL = time.Duration(payload.TTLSeconds) * time.Second
	}
	execTimeout := c.cfg.Job.ExecTimeout
	if payload.TimeoutSeconds > 0 {
		execTimeout = time.Duration(payload.TimeoutSeconds) * time.Second
	}

	return &types.Job{
		ID:            uuid.New().String(),
		Queue:         queue,
		Host:          host,
		Status:        types.JobStatusQueued,
		Payload:       payload,
		CreatedAt:     now,
		QueueDeadline: now.Add(queueTTL),
		ExecTimeout:   execTimeout,
		ResultTTL:     c.cfg.Job.ResultTTL,
	}
}

// Submit validates and enqueues one operation request
func (c *Controller) Submit(ctx context.Context, payload *types.JobPayload) (*types.Job, error) {
	if _, err := driver.Get(payload.Driver); err != nil {
		return nil, types.WrapError(types.ErrKindValidation, err)
	}
	if len(payload.Command) == 0 && len(payload.Config) == 0 {
		return nil, types.NewError(types.ErrKindValidation, "request has neither command nor config")
	}
	host, err := hostFromArgs(payload.ConnectionArgs)
	if err != nil {
		return nil, err
	}
	strategy, err := c.resolveStrategy(payload)
	if err != nil {
		return nil, err
	}
	payload.QueueStrategy = strategy

	var queue string
	switch strategy {
	case types.QueueStrategyFIFO:
		queue = types.FIFOQueue
	case types.QueueStrategyPinned:
		queue, err = c.ensurePinnedWorker(ctx, host, payload)
		if err != nil {
			return nil, err
		}
	}

	job := c.buildJob(payload, host, queue)
	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, types.WrapError(types.ErrKindSystem, err)
	}
	if err := c.store.Enqueue(ctx, queue, job.ID); err != nil {
		return nil, types.WrapError(types.ErrKindSystem, err)
	}

	metrics.JobsSubmitted.WithLabelValues(string(strategy)).Inc()
	c.publish(events.EventJobSubmitted, job.ID, host)
	c.logger.Debug().Str("job_id", job.ID).Str("queue", queue).Msg("Job submitted")
	return job, nil
}

// ensurePinnedWorker returns the pinned queue for a host, spawning the
// worker first when none exists. It retries capacity rejections with
// fresh snapshots up to the configured bound.
func (c *Controller) ensurePinnedWorker(ctx context.Context, host string, payload *types.JobPayload) (string, error) {
	queue := types.PinnedQueueName(host)

	// Fast path: a valid binding means the worker already runs
	if nodeID, ok, err := c.validBinding(ctx, host); err != nil {
		return "", err
	} else if ok {
		c.logger.Debug().Str("host", host).Str("node_id", nodeID).Msg("Reusing pinned worker")
		return queue, nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	retries := c.cfg.Worker.SpawnRetries
	if retries < 1 {
		retries = 1
	}
	for attempt := 0; attempt < retries; attempt++ {
		nodes, err := c.store.LiveNodes(ctx, c.cfg.Worker.NodeTTL)
		if err != nil {
			return "", types.WrapError(types.ErrKindSystem, err)
		}
		nodeID, err := c.sched.Select(nodes, host)
		if err != nil {
			return "", types.NewError(types.ErrKindNoCapacity, "no node can host a pinned worker for %s", host)
		}

		// Set-if-absent resolves the spawn race between controllers:
		// the loser simply targets the winner's node, where the spawn
		// request degrades to a reuse.
		won, err := c.store.BindHost(ctx, host, nodeID)
		if err != nil {
			return "", types.WrapError(types.ErrKindSystem, err)
		}
		if !won {
			bound, err := c.store.GetBinding(ctx, host)
			if err != nil {
				return "", types.WrapError(types.ErrKindSystem, err)
			}
			if bound == "" {
				// Binding vanished between HSETNX and HGET; retry
				continue
			}
			nodeID = bound
		}

		reply, err := c.store.SendSpawn(ctx, nodeID, &types.SpawnRequest{
			ID:             uuid.New().String(),
			Host:           host,
			Driver:         payload.Driver,
			ConnectionArgs: payload.ConnectionArgs,
		}, c.cfg.Worker.SpawnTimeout)
		if err != nil {
			_ = c.store.UnbindHostIf(ctx, host, nodeID)
			return "", types.WrapError(types.ErrKindSystem, err)
		}
		if reply.OK {
			c.publish(events.EventWorkerSpawned, "", host)
			c.logger.Info().Str("host", host).Str("node_id", nodeID).Msg("Pinned worker placed")
			return queue, nil
		}
		if reply.Error == types.ErrCapacityExhausted {
			_ = c.store.UnbindHostIf(ctx, host, nodeID)
			metrics.SpawnRetries.Inc()
			c.logger.Warn().Str("host", host).Str("node_id", nodeID).Msg("Spawn rejected at capacity, retrying")
			continue
		}
		_ = c.store.UnbindHostIf(ctx, host, nodeID)
		return "", types.NewError(types.ErrKindSystem, "spawn failed on %s: %s", nodeID, reply.Error)
	}
	return "", types.NewError(types.ErrKindNoCapacity,
		"spawn retries exhausted for %s, all nodes at capacity", host)
}

// validBinding reports whether the host's binding points at a live node
// that still holds a descriptor for it. Stale bindings are cleaned up.
func (c *Controller) validBinding(ctx context.Context, host string) (string, bool, error) {
	nodeID, err := c.store.GetBinding(ctx, host)
	if err != nil {
		return "", false, types.WrapError(types.ErrKindSystem, err)
	}
	if nodeID == "" {
		return "", false, nil
	}

	nodes, err := c.store.LiveNodes(ctx, c.cfg.Worker.NodeTTL)
	if err != nil {
		return "", false, types.WrapError(types.ErrKindSystem, err)
	}
	nodeLive := false
	for _, n := range nodes {
		if n.ID == nodeID {
			nodeLive = true
			break
		}
	}
	if nodeLive {
		desc, err := c.store.GetDescriptor(ctx, nodeID, host)
		if err != nil {
			return "", false, types.WrapError(types.ErrKindSystem, err)
		}
		if desc != nil {
			return nodeID, true, nil
		}
	}

	// Node expired or descriptor gone: the binding is stale
	c.logger.Warn().Str("host", host).Str("node_id", nodeID).Msg("Cleaning stale binding")
	if err := c.store.UnbindHostIf(ctx, host, nodeID); err != nil {
		return "", false, types.WrapError(types.ErrKindSystem, err)
	}
	return "", false, nil
}

// BatchResult partitions a bulk submission
type BatchResult struct {
	Succeeded []*types.Job
	Failed    map[string]*types.ErrorDescriptor // host (or index for invalid requests) -> error
}

// SubmitBatch places a list of requests, running the scheduler's batch
// variant once for the hosts that need a fresh pinned worker.
func (c *Controller) SubmitBatch(ctx context.Context, payloads []*types.JobPayload) *BatchResult {
	result := &BatchResult{Failed: make(map[string]*types.ErrorDescriptor)}

	type pinnedReq struct {
		host    string
		payload *types.JobPayload
	}
	var needPlacement []pinnedReq

	for i, payload := range payloads {
		// Bulk jobs get the longer batch timeout unless the request
		// pins its own
		if payload.TimeoutSeconds == 0 && c.cfg.Job.BatchTimeout > 0 {
			payload.TimeoutSeconds = int(c.cfg.Job.BatchTimeout.Seconds())
		}
		host, err := hostFromArgs(payload.ConnectionArgs)
		if err != nil {
			result.Failed[fmt.Sprintf("request[%d]", i)] = types.WrapError(types.ErrKindValidation, err)
			continue
		}
		strategy, err := c.resolveStrategy(payload)
		if err != nil {
			result.Failed[host] = types.WrapError(types.ErrKindValidation, err)
			continue
		}

		if strategy == types.QueueStrategyFIFO {
			job, err := c.Submit(ctx, payload)
			if err != nil {
				result.Failed[host] = types.WrapError(types.ErrKindSystem, err)
				continue
			}
			result.Succeeded = append(result.Succeeded, job)
			continue
		}

		// Hosts with a live worker submit directly; the rest are
		// placed together below.
		if _, ok, err := c.validBinding(ctx, host); err == nil && ok {
			job, err := c.Submit(ctx, payload)
			if err != nil {
				result.Failed[host] = types.WrapError(types.ErrKindSystem, err)
				continue
			}
			result.Succeeded = append(result.Succeeded, job)
			continue
		}
		needPlacement = append(needPlacement, pinnedReq{host: host, payload: payload})
	}

	if len(needPlacement) == 0 {
		return result
	}

	nodes, err := c.store.LiveNodes(ctx, c.cfg.Worker.NodeTTL)
	if err != nil {
		for _, r := range needPlacement {
			result.Failed[r.host] = types.WrapError(types.ErrKindSystem, err)
		}
		return result
	}

	hosts := make([]string, 0, len(needPlacement))
	for _, r := range needPlacement {
		hosts = append(hosts, r.host)
	}
	placed := c.sched.SelectBatch(nodes, hosts)

	for _, r := range needPlacement {
		if _, ok := placed[r.host]; !ok {
			result.Failed[r.host] = types.NewError(types.ErrKindNoCapacity,
				"no node can host a pinned worker for %s", r.host)
			continue
		}
		// Submit runs the full placement path; the batch decision
		// above pre-checked capacity so rejections stay rare.
		job, err := c.Submit(ctx, r.payload)
		if err != nil {
			result.Failed[r.host] = types.WrapError(types.ErrKindSystem, err)
			continue
		}
		result.Succeeded = append(result.Succeeded, job)
	}
	return result
}

// GetJob returns a job by id
func (c *Controller) GetJob(ctx context.Context, id string) (*types.Job, error) {
	return c.store.GetJob(ctx, id)
}

// Cancel cancels a job: queued jobs leave the queue and terminate
// immediately, started jobs get a cooperative cancellation flag.
func (c *Controller) Cancel(ctx context.Context, id string) (*types.Job, error) {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	if job.Status == types.JobStatusQueued {
		removed, err := c.store.RemoveQueued(ctx, job.Queue, job.ID)
		if err != nil {
			return nil, types.WrapError(types.ErrKindSystem, err)
		}
		if removed {
			if err := c.store.MarkCancelled(ctx, job.ID, job.ResultTTL); err != nil {
				return nil, types.WrapError(types.ErrKindSystem, err)
			}
			job.Status = types.JobStatusCancelled
			metrics.JobsCompleted.WithLabelValues(string(types.JobStatusCancelled)).Inc()
			c.publish(events.EventJobCancelled, job.ID, job.Host)
			c.notifier.Notify(ctx, job, "")
			return job, nil
		}
		// Popped between the status read and the LREM; fall through to
		// the cooperative path.
	}

	if err := c.store.RequestCancel(ctx, job.ID, job.ResultTTL); err != nil {
		return nil, types.WrapError(types.ErrKindSystem, err)
	}
	c.publish(events.EventJobCancelled, job.ID, job.Host)
	return job, nil
}

// TestResult reports a synchronous connection probe
type TestResult struct {
	Success     bool                   `json:"success"`
	LatencyMS   int64                  `json:"latency_ms"`
	Error       *types.ErrorDescriptor `json:"error,omitempty"`
	Fingerprint string                 `json:"device_fingerprint,omitempty"`
}

// TestConnection opens a session, captures the device fingerprint and
// closes again
func (c *Controller) TestConnection(ctx context.Context, driverName string, args json.RawMessage) *TestResult {
	drv, err := driver.Get(driverName)
	if err != nil {
		return &TestResult{Error: types.WrapError(types.ErrKindValidation, err)}
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.Job.ExecTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	sess, err := drv.Connect(connectCtx, args)
	latency := timer.Duration().Milliseconds()
	if err != nil {
		return &TestResult{
			LatencyMS: latency,
			Error:     types.WrapError(types.ErrKindConnectFailed, err),
		}
	}
	defer sess.Close()

	return &TestResult{
		Success:     true,
		LatencyMS:   latency,
		Fingerprint: sess.Fingerprint(),
	}
}

// WorkerInventory is the node and pinned worker view for operators
type WorkerInventory struct {
	Nodes   []*types.Node                              `json:"nodes"`
	Workers map[string][]*types.PinnedWorkerDescriptor `json:"workers"`
}

// Inventory lists every registered node with its pinned workers
func (c *Controller) Inventory(ctx context.Context) (*WorkerInventory, error) {
	nodes, err := c.store.ListNodes(ctx)
	if err != nil {
		return nil, types.WrapError(types.ErrKindSystem, err)
	}
	inv := &WorkerInventory{
		Nodes:   nodes,
		Workers: make(map[string][]*types.PinnedWorkerDescriptor, len(nodes)),
	}
	for _, n := range nodes {
		ds, err := c.store.ListDescriptors(ctx, n.ID)
		if err != nil {
			return nil, types.WrapError(types.ErrKindSystem, err)
		}
		inv.Workers[n.ID] = ds
	}
	return inv, nil
}

// KillWorker forcibly terminates the pinned worker bound to a host
func (c *Controller) KillWorker(ctx context.Context, host string) error {
	nodeID, err := c.store.GetBinding(ctx, host)
	if err != nil {
		return types.WrapError(types.ErrKindSystem, err)
	}
	if nodeID == "" {
		return types.NewError(types.ErrKindValidation, "no pinned worker for host %s", host)
	}

	reply, err := c.store.SendSpawn(ctx, nodeID, &types.SpawnRequest{
		ID:     uuid.New().String(),
		Action: types.SpawnActionKill,
		Host:   host,
	}, c.cfg.Worker.SpawnTimeout)
	if err != nil {
		return types.WrapError(types.ErrKindSystem, err)
	}
	if !reply.OK {
		return types.NewError(types.ErrKindSystem, "kill failed on %s: %s", nodeID, reply.Error)
	}
	return nil
}

func (c *Controller) publish(eventType events.EventType, jobID, host string) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(&events.Event{
		Type: eventType,
		Metadata: map[string]string{
			"job_id": jobID,
			"host":   host,
		},
	})
}
