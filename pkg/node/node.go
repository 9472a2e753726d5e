package node

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/scitix/netpulse/pkg/log"
	"github.com/scitix/netpulse/pkg/metrics"
	"github.com/scitix/netpulse/pkg/store"
	"github.com/scitix/netpulse/pkg/types"
)

const defaultPopInterval = 5 * time.Second

// killGrace is how long a child gets between SIGTERM and SIGKILL
const killGrace = 10 * time.Second

// Config holds the node supervisor settings
type Config struct {
	NodeID         string
	Capacity       int
	HeartbeatEvery time.Duration
	PopInterval    time.Duration

	// SpawnCommand is the argv prefix used to start a pinned worker;
	// host, driver and node flags are appended. Empty means this
	// binary's pinned-worker subcommand.
	SpawnCommand []string

	// Forwarded to spawned workers via their environment
	IdleTTL        time.Duration
	DefaultTimeout time.Duration
	ResultTTL      time.Duration
}

// Node is the per-machine supervisor: it publishes capacity, spawns
// pinned workers on request from controllers and reaps them when they
// exit.
type Node struct {
	cfg    Config
	store  *store.Store
	logger zerolog.Logger

	mu       sync.Mutex
	children map[string]*exec.Cmd // host -> running pinned worker

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a node supervisor
func New(cfg Config, st *store.Store) *Node {
	if cfg.PopInterval <= 0 {
		cfg.PopInterval = defaultPopInterval
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 10 * time.Second
	}
	return &Node{
		cfg:      cfg,
		store:    st,
		logger:   log.WithComponent("node").With().Str("node_id", cfg.NodeID).Logger(),
		children: make(map[string]*exec.Cmd),
		stopCh:   make(chan struct{}),
	}
}

// Stop asks the supervisor to shut down
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
}

// Run registers the node and serves spawn requests until stopped
func (n *Node) Run(ctx context.Context) error {
	if err := n.store.RegisterNode(ctx, &types.Node{ID: n.cfg.NodeID, Capacity: n.cfg.Capacity}); err != nil {
		return err
	}
	n.logger.Info().Int("capacity", n.cfg.Capacity).Msg("Node registered")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-n.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	n.wg.Add(1)
	go n.heartbeatLoop(runCtx)

	for {
		select {
		case <-runCtx.Done():
			n.shutdown()
			return nil
		default:
		}

		req, err := n.store.NextSpawnRequest(runCtx, n.cfg.NodeID, n.cfg.PopInterval)
		if err != nil {
			if runCtx.Err() != nil {
				n.shutdown()
				return nil
			}
			n.logger.Error().Err(err).Msg("Failed to pop spawn request")
			time.Sleep(time.Second)
			continue
		}
		if req == nil {
			continue
		}
		n.handleSpawn(runCtx, req)
	}
}

// heartbeatLoop refreshes the node entry faster than the node TTL
func (n *Node) heartbeatLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.HeartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := n.store.HeartbeatNode(ctx, n.cfg.NodeID); err != nil {
				n.logger.Error().Err(err).Msg("Heartbeat failed")
			}
			n.mu.Lock()
			count := len(n.children)
			n.mu.Unlock()
			metrics.PinnedWorkersTotal.WithLabelValues(n.cfg.NodeID).Set(float64(count))
		case <-ctx.Done():
			return
		}
	}
}

// handleSpawn answers one spawn request. The capacity check and the
// count increment are a single atomic step, so two controllers racing
// on stale snapshots cannot push the node over its cap.
func (n *Node) handleSpawn(ctx context.Context, req *types.SpawnRequest) {
	queue := types.PinnedQueueName(req.Host)

	if req.Action == types.SpawnActionKill {
		n.handleKill(ctx, req)
		return
	}

	// An existing worker for the host is simply reused
	n.mu.Lock()
	_, running := n.children[req.Host]
	n.mu.Unlock()
	if running {
		n.reply(ctx, req, &types.SpawnReply{RequestID: req.ID, OK: true, Queue: queue})
		return
	}

	ok, err := n.store.ReserveSlot(ctx, n.cfg.NodeID, n.cfg.Capacity)
	if err != nil {
		n.reply(ctx, req, &types.SpawnReply{RequestID: req.ID, Error: err.Error()})
		return
	}
	if !ok {
		n.logger.Warn().Str("host", req.Host).Msg("Spawn rejected, at capacity")
		n.reply(ctx, req, &types.SpawnReply{RequestID: req.ID, Error: types.ErrCapacityExhausted})
		return
	}

	cmd, err := n.startWorker(req)
	if err != nil {
		_ = n.store.ReleaseSlot(ctx, n.cfg.NodeID)
		n.logger.Error().Err(err).Str("host", req.Host).Msg("Failed to start pinned worker")
		n.reply(ctx, req, &types.SpawnReply{RequestID: req.ID, Error: err.Error()})
		return
	}

	desc := &types.PinnedWorkerDescriptor{
		Host:      req.Host,
		NodeID:    n.cfg.NodeID,
		PID:       cmd.Process.Pid,
		Queue:     queue,
		StartedAt: time.Now(),
	}
	if err := n.store.AddDescriptor(ctx, desc); err != nil {
		n.logger.Error().Err(err).Str("host", req.Host).Msg("Failed to record descriptor")
	}

	n.mu.Lock()
	n.children[req.Host] = cmd
	n.mu.Unlock()

	n.wg.Add(1)
	go n.reap(req.Host, cmd)

	n.logger.Info().Str("host", req.Host).Int("pid", cmd.Process.Pid).Msg("Pinned worker spawned")
	n.reply(ctx, req, &types.SpawnReply{RequestID: req.ID, OK: true, Queue: queue})
}

// handleKill terminates the pinned worker for a host on operator
// request. The reaper does the inventory cleanup when the process dies.
func (n *Node) handleKill(ctx context.Context, req *types.SpawnRequest) {
	n.mu.Lock()
	cmd, running := n.children[req.Host]
	n.mu.Unlock()

	if running {
		n.logger.Info().Str("host", req.Host).Msg("Terminating pinned worker on request")
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	n.reply(ctx, req, &types.SpawnReply{RequestID: req.ID, OK: true})
}

func (n *Node) reply(ctx context.Context, req *types.SpawnRequest, reply *types.SpawnReply) {
	if err := n.store.ReplySpawn(ctx, req.ReplyTo, reply); err != nil {
		n.logger.Error().Err(err).Str("host", req.Host).Msg("Failed to answer spawn request")
	}
}

// startWorker forks the pinned worker process. Connection args travel
// in the environment so credentials stay off the process list.
func (n *Node) startWorker(req *types.SpawnRequest) (*exec.Cmd, error) {
	argv := n.cfg.SpawnCommand
	if len(argv) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate own binary: %w", err)
		}
		argv = []string{self, "pinned-worker"}
	}

	args := append(append([]string{}, argv[1:]...),
		"--host", req.Host,
		"--driver", req.Driver,
		"--node-id", n.cfg.NodeID,
	)
	cmd := exec.Command(argv[0], args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"NETPULSE_PINNED_CONNECTION_ARGS="+string(req.ConnectionArgs),
		fmt.Sprintf("NETPULSE_WORKER_IDLE_TTL=%s", n.cfg.IdleTTL),
		fmt.Sprintf("NETPULSE_JOB_TIMEOUT=%s", n.cfg.DefaultTimeout),
		fmt.Sprintf("NETPULSE_JOB_RESULT_TTL=%s", n.cfg.ResultTTL),
	)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start pinned worker: %w", err)
	}
	return cmd, nil
}

// reap waits for a child to exit and cleans its state: descriptor,
// capacity slot and, if still pointing here, the host binding.
func (n *Node) reap(host string, cmd *exec.Cmd) {
	defer n.wg.Done()

	err := cmd.Wait()

	n.mu.Lock()
	delete(n.children, host)
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if rerr := n.store.RemoveDescriptor(ctx, n.cfg.NodeID, host); rerr != nil {
		n.logger.Error().Err(rerr).Str("host", host).Msg("Failed to remove descriptor on reap")
	}
	if rerr := n.store.ReleaseSlot(ctx, n.cfg.NodeID); rerr != nil {
		n.logger.Error().Err(rerr).Str("host", host).Msg("Failed to release slot on reap")
	}
	if rerr := n.store.UnbindHostIf(ctx, host, n.cfg.NodeID); rerr != nil {
		n.logger.Error().Err(rerr).Str("host", host).Msg("Failed to release binding on reap")
	}

	if err != nil {
		n.logger.Warn().Err(err).Str("host", host).Msg("Pinned worker exited abnormally")
	} else {
		n.logger.Info().Str("host", host).Msg("Pinned worker reaped")
	}
}

// shutdown terminates children and clears this node from the inventory
func (n *Node) shutdown() {
	n.mu.Lock()
	children := make(map[string]*exec.Cmd, len(n.children))
	for host, cmd := range n.children {
		children[host] = cmd
	}
	n.mu.Unlock()

	for host, cmd := range children {
		n.logger.Info().Str("host", host).Msg("Terminating pinned worker")
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	if len(children) > 0 {
		deadline := time.After(killGrace)
		done := make(chan struct{})
		go func() {
			for {
				n.mu.Lock()
				left := len(n.children)
				n.mu.Unlock()
				if left == 0 {
					close(done)
					return
				}
				time.Sleep(100 * time.Millisecond)
			}
		}()
		select {
		case <-done:
		case <-deadline:
			for host, cmd := range children {
				n.logger.Warn().Str("host", host).Msg("Killing unresponsive pinned worker")
				_ = cmd.Process.Kill()
			}
		}
	}

	n.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.store.RemoveNode(ctx, n.cfg.NodeID); err != nil {
		n.logger.Error().Err(err).Msg("Failed to remove node from inventory")
	}
	n.logger.Info().Msg("Node stopped")
}
