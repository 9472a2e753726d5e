package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scitix/netpulse/pkg/log"
	"github.com/scitix/netpulse/pkg/store"
)

// Reconciler sweeps state left behind by dead nodes. Submission-time
// checks already clean individual stale bindings; the reconciler is the
// slower background pass that removes expired node entries wholesale so
// scheduler snapshots and operator views stay honest.
type Reconciler struct {
	store   *store.Store
	nodeTTL time.Duration
	every   time.Duration
	logger  zerolog.Logger
	mu      sync.Mutex
	stopCh  chan struct{}
}

// NewReconciler creates a reconciler. Nodes are considered dead after
// missing three TTL windows.
func NewReconciler(st *store.Store, nodeTTL time.Duration) *Reconciler {
	return &Reconciler{
		store:   st,
		nodeTTL: nodeTTL,
		every:   nodeTTL,
		logger:  log.WithComponent("reconciler"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()

	r.logger.Info().Msg("Reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(); err != nil {
				// Log error but continue
				r.logger.Error().Err(err).Msg("Reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("Reconciler stopped")
			return
		}
	}
}

// reconcile performs one cycle: expired nodes lose their inventory,
// their bindings and their registry entry.
func (r *Reconciler) reconcile() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	nodes, err := r.store.ListNodes(ctx)
	if err != nil {
		return err
	}

	deadAfter := 3 * r.nodeTTL
	now := time.Now()
	for _, node := range nodes {
		if now.Sub(node.LastHeartbeat) < deadAfter {
			continue
		}

		r.logger.Warn().
			Str("node_id", node.ID).
			Time("last_heartbeat", node.LastHeartbeat).
			Msg("Removing expired node")

		descriptors, err := r.store.ListDescriptors(ctx, node.ID)
		if err != nil {
			r.logger.Error().Err(err).Str("node_id", node.ID).Msg("Failed to list descriptors of expired node")
			continue
		}
		for _, d := range descriptors {
			if err := r.store.UnbindHostIf(ctx, d.Host, node.ID); err != nil {
				r.logger.Error().Err(err).Str("host", d.Host).Msg("Failed to release binding of expired node")
			}
		}
		if err := r.store.RemoveNode(ctx, node.ID); err != nil {
			r.logger.Error().Err(err).Str("node_id", node.ID).Msg("Failed to remove expired node")
		}
	}

	return nil
}
