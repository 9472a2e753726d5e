package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scitix/netpulse/pkg/config"
	"github.com/scitix/netpulse/pkg/driver"
	"github.com/scitix/netpulse/pkg/log"
	"github.com/scitix/netpulse/pkg/node"
	"github.com/scitix/netpulse/pkg/store"
	"github.com/scitix/netpulse/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard, JSONOutput: true})
	driver.Register(&fakeDriver{})
	os.Exit(m.Run())
}

// fakeDriver connects to nothing and always succeeds unless the args
// say otherwise
type fakeDriver struct{}

func (d *fakeDriver) Name() string { return "fake" }
func (d *fakeDriver) Reusable() bool { return true }

func (d *fakeDriver) KeepaliveInterval(json.RawMessage) time.Duration { return 0 }

func (d *fakeDriver) ArgsSignature(args json.RawMessage) (string, error) {
	return string(args), nil
}

func (d *fakeDriver) Connect(ctx context.Context, args json.RawMessage) (driver.Session, error) {
	var a struct {
		Host        string `json:"host"`
		FailConnect bool   `json:"fail_connect"`
	}
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	if a.FailConnect {
		return nil, types.NewError(types.ErrKindConnectFailed, "fake connect refused")
	}
	return &fakeSession{}, nil
}

type fakeSession struct{}

func (s *fakeSession) Send(ctx context.Context, commands []string) (*driver.Result, error) {
	out := make(map[string]string, len(commands))
	for _, c := range commands {
		out[c] = "ok"
	}
	return &driver.Result{Output: out}, nil
}

func (s *fakeSession) Config(ctx context.Context, lines []string) (*driver.Result, error) {
	out := make(map[string]string, len(lines))
	for _, l := range lines {
		out[l] = "applied"
	}
	return &driver.Result{Output: out}, nil
}

func (s *fakeSession) IsAlive() bool { return true }
func (s *fakeSession) Keepalive(context.Context) error { return nil }
func (s *fakeSession) Fingerprint() string { return "fake-device-1.0" }
func (s *fakeSession) Close() error { return nil }

// ---- fixtures ----

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return store.NewWithClient(rdb, "netpulse")
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Worker.NodeTTL = 2 * time.Second
	cfg.Worker.SpawnTimeout = 3 * time.Second
	cfg.Worker.SpawnRetries = 2
	cfg.DriverStrategies["fake"] = "pinned"
	return cfg
}

func startNode(t *testing.T, st *store.Store, nodeID string, capacity int) {
	t.Helper()
	n := node.New(node.Config{
		NodeID:         nodeID,
		Capacity:       capacity,
		HeartbeatEvery: 20 * time.Millisecond,
		PopInterval:    50 * time.Millisecond,
		// sh ignores the --host/--driver/--node-id flags the node appends
		SpawnCommand: []string{"sh", "-c", "sleep 60", "stub"},
	}, st)

	done := make(chan error, 1)
	go func() { done <- n.Run(context.Background()) }()
	t.Cleanup(func() {
		n.Stop()
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			t.Fatal("node did not stop")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		nodes, err := st.LiveNodes(context.Background(), time.Second)
		require.NoError(t, err)
		for _, candidate := range nodes {
			if candidate.ID == nodeID {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("node %s never registered", nodeID)
}

func newController(t *testing.T, st *store.Store, cfg *config.Config) *Controller {
	t.Helper()
	c, err := New(cfg, st, nil)
	require.NoError(t, err)
	return c
}

func payloadFor(host string, strategy types.QueueStrategy) *types.JobPayload {
	return &types.JobPayload{
		Driver:         "fake",
		ConnectionArgs: json.RawMessage(fmt.Sprintf(`{"host":%q}`, host)),
		Command:        types.StringList{"show version"},
		QueueStrategy:  strategy,
	}
}

// ---- submission ----

func TestSubmitFIFO(t *testing.T) {
	st := newTestStore(t)
	c := newController(t, st, testConfig())

	job, err := c.Submit(context.Background(), payloadFor("10.0.0.1", types.QueueStrategyFIFO))
	require.NoError(t, err)
	assert.Equal(t, types.FIFOQueue, job.Queue)
	assert.Equal(t, types.JobStatusQueued, job.Status)

	depth, err := st.QueueDepth(context.Background(), types.FIFOQueue)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestSubmitValidation(t *testing.T) {
	st := newTestStore(t)
	c := newController(t, st, testConfig())
	ctx := context.Background()

	_, err := c.Submit(ctx, &types.JobPayload{
		Driver:         "no-such-driver",
		ConnectionArgs: json.RawMessage(`{"host":"h"}`),
		Command:        types.StringList{"x"},
	})
	require.Error(t, err)

	_, err = c.Submit(ctx, &types.JobPayload{
		Driver:         "fake",
		ConnectionArgs: json.RawMessage(`{"host":"h"}`),
	})
	require.Error(t, err)

	_, err = c.Submit(ctx, &types.JobPayload{
		Driver:         "fake",
		ConnectionArgs: json.RawMessage(`{"port":22}`),
		Command:        types.StringList{"x"},
	})
	require.Error(t, err)

	_, err = c.Submit(ctx, &types.JobPayload{
		Driver:         "fake",
		ConnectionArgs: json.RawMessage(`{"host":"h"}`),
		Command:        types.StringList{"x"},
		QueueStrategy:  "priority",
	})
	require.Error(t, err)
}

func TestSubmitPinnedSpawnsWorker(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	startNode(t, st, "node-a", 2)
	c := newController(t, st, cfg)
	ctx := context.Background()

	job, err := c.Submit(ctx, payloadFor("10.0.0.1", types.QueueStrategyPinned))
	require.NoError(t, err)
	assert.Equal(t, "pinned_10.0.0.1", job.Queue)

	nodeID, err := st.GetBinding(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", nodeID)

	desc, err := st.GetDescriptor(ctx, "node-a", "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, "pinned_10.0.0.1", desc.Queue)

	depth, err := st.QueueDepth(ctx, "pinned_10.0.0.1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestSubmitPinnedDefaultStrategy(t *testing.T) {
	st := newTestStore(t)
	startNode(t, st, "node-a", 2)
	c := newController(t, st, testConfig())

	// fake maps to pinned in the test config; no explicit strategy.
	job, err := c.Submit(context.Background(), payloadFor("10.0.0.2", ""))
	require.NoError(t, err)
	assert.Equal(t, "pinned_10.0.0.2", job.Queue)
	assert.Equal(t, types.QueueStrategyPinned, job.Payload.QueueStrategy)
}

func TestSubmitPinnedReusesWorker(t *testing.T) {
	st := newTestStore(t)
	startNode(t, st, "node-a", 2)
	c := newController(t, st, testConfig())
	ctx := context.Background()

	_, err := c.Submit(ctx, payloadFor("10.0.0.1", types.QueueStrategyPinned))
	require.NoError(t, err)
	_, err = c.Submit(ctx, payloadFor("10.0.0.1", types.QueueStrategyPinned))
	require.NoError(t, err)

	// One worker, two queued jobs.
	count, err := st.CountDescriptors(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	depth, err := st.QueueDepth(ctx, "pinned_10.0.0.1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)
}

func TestSubmitNoCapacity(t *testing.T) {
	st := newTestStore(t)
	startNode(t, st, "node-a", 1)
	c := newController(t, st, testConfig())
	ctx := context.Background()

	_, err := c.Submit(ctx, payloadFor("10.0.0.1", types.QueueStrategyPinned))
	require.NoError(t, err)

	_, err = c.Submit(ctx, payloadFor("10.0.0.2", types.QueueStrategyPinned))
	require.Error(t, err)
	var desc *types.ErrorDescriptor
	require.ErrorAs(t, err, &desc)
	assert.Equal(t, types.ErrKindNoCapacity, desc.Kind)

	// The failed placement must not leave a binding behind.
	nodeID, err := st.GetBinding(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.Empty(t, nodeID)
}

func TestSubmitPinnedCleansStaleBinding(t *testing.T) {
	st := newTestStore(t)
	startNode(t, st, "node-a", 2)
	c := newController(t, st, testConfig())
	ctx := context.Background()

	// Binding points at a node that no longer exists.
	_, err := st.BindHost(ctx, "10.0.0.1", "node-gone")
	require.NoError(t, err)

	job, err := c.Submit(ctx, payloadFor("10.0.0.1", types.QueueStrategyPinned))
	require.NoError(t, err)
	assert.Equal(t, "pinned_10.0.0.1", job.Queue)

	nodeID, err := st.GetBinding(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", nodeID)
}

// ---- batch ----

func TestSubmitBatch(t *testing.T) {
	st := newTestStore(t)
	startNode(t, st, "node-a", 2)
	c := newController(t, st, testConfig())

	payloads := []*types.JobPayload{
		payloadFor("10.0.0.1", types.QueueStrategyPinned),
		payloadFor("10.0.0.2", types.QueueStrategyPinned),
		payloadFor("10.0.0.3", types.QueueStrategyPinned), // over capacity
		payloadFor("10.0.0.4", types.QueueStrategyFIFO),
		{Driver: "fake", ConnectionArgs: json.RawMessage(`{}`), Command: types.StringList{"x"}},
	}

	result := c.SubmitBatch(context.Background(), payloads)
	assert.Len(t, result.Succeeded, 3)
	require.Len(t, result.Failed, 2)

	require.Contains(t, result.Failed, "10.0.0.3")
	assert.Equal(t, types.ErrKindNoCapacity, result.Failed["10.0.0.3"].Kind)
}

// ---- cancellation ----

func TestCancelQueuedJob(t *testing.T) {
	st := newTestStore(t)
	c := newController(t, st, testConfig())
	ctx := context.Background()

	job, err := c.Submit(ctx, payloadFor("10.0.0.1", types.QueueStrategyFIFO))
	require.NoError(t, err)

	cancelled, err := c.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, cancelled.Status)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, got.Status)
	assert.True(t, got.StartedAt.IsZero(), "cancelled job must never have started")

	depth, err := st.QueueDepth(ctx, types.FIFOQueue)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestCancelStartedJobIsCooperative(t *testing.T) {
	st := newTestStore(t)
	c := newController(t, st, testConfig())
	ctx := context.Background()

	job, err := c.Submit(ctx, payloadFor("10.0.0.1", types.QueueStrategyFIFO))
	require.NoError(t, err)
	require.NoError(t, st.MarkStarted(ctx, job.ID))

	got, err := c.Cancel(ctx, job.ID)
	require.NoError(t, err)
	// Still running; only the flag is set.
	assert.Equal(t, types.JobStatusStarted, got.Status)

	flagged, err := st.CancelRequested(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, flagged)
}

func TestCancelTerminalJobIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	c := newController(t, st, testConfig())
	ctx := context.Background()

	job, err := c.Submit(ctx, payloadFor("10.0.0.1", types.QueueStrategyFIFO))
	require.NoError(t, err)
	require.NoError(t, st.MarkFinished(ctx, job.ID, json.RawMessage(`{}`), time.Minute))

	got, err := c.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFinished, got.Status)
}

// ---- test connection / inventory / kill ----

func TestTestConnection(t *testing.T) {
	st := newTestStore(t)
	c := newController(t, st, testConfig())
	ctx := context.Background()

	result := c.TestConnection(ctx, "fake", json.RawMessage(`{"host":"10.0.0.1"}`))
	assert.True(t, result.Success)
	assert.Equal(t, "fake-device-1.0", result.Fingerprint)

	result = c.TestConnection(ctx, "fake", json.RawMessage(`{"host":"10.0.0.1","fail_connect":true}`))
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, types.ErrKindConnectFailed, result.Error.Kind)

	result = c.TestConnection(ctx, "no-such-driver", json.RawMessage(`{}`))
	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
}

func TestInventory(t *testing.T) {
	st := newTestStore(t)
	startNode(t, st, "node-a", 2)
	c := newController(t, st, testConfig())
	ctx := context.Background()

	_, err := c.Submit(ctx, payloadFor("10.0.0.1", types.QueueStrategyPinned))
	require.NoError(t, err)

	inv, err := c.Inventory(ctx)
	require.NoError(t, err)
	require.Len(t, inv.Nodes, 1)
	assert.Equal(t, 1, inv.Nodes[0].Current)
	require.Len(t, inv.Workers["node-a"], 1)
	assert.Equal(t, "10.0.0.1", inv.Workers["node-a"][0].Host)
}

func TestKillWorker(t *testing.T) {
	st := newTestStore(t)
	startNode(t, st, "node-a", 2)
	c := newController(t, st, testConfig())
	ctx := context.Background()

	_, err := c.Submit(ctx, payloadFor("10.0.0.1", types.QueueStrategyPinned))
	require.NoError(t, err)

	// Hosts with no pinned worker are rejected.
	require.Error(t, c.KillWorker(ctx, "10.0.0.9"))

	require.NoError(t, c.KillWorker(ctx, "10.0.0.1"))

	// The reaper clears the descriptor once the process dies.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		desc, err := st.GetDescriptor(ctx, "node-a", "10.0.0.1")
		require.NoError(t, err)
		if desc == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("killed worker never reaped")
}
