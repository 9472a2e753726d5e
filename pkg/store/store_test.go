package store

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scitix/netpulse/pkg/log"
	"github.com/scitix/netpulse/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard, JSONOutput: true})
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewWithClient(rdb, "netpulse")
}

func testJob(id, queue string) *types.Job {
	return &types.Job{
		ID:     id,
		Queue:  queue,
		Host:   "10.0.0.1",
		Status: types.JobStatusQueued,
		Payload: &types.JobPayload{
			Driver:         "ssh",
			ConnectionArgs: json.RawMessage(`{"host":"10.0.0.1"}`),
			Command:        types.StringList{"show version"},
			QueueStrategy:  types.QueueStrategyPinned,
		},
		CreatedAt:     time.Now(),
		QueueDeadline: time.Now().Add(30 * time.Minute),
		ExecTimeout:   5 * time.Minute,
		ResultTTL:     time.Hour,
	}
}

func TestJobRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := testJob("j-1", "pinned_10.0.0.1")
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, "j-1")
	require.NoError(t, err)
	assert.Equal(t, "j-1", got.ID)
	assert.Equal(t, "pinned_10.0.0.1", got.Queue)
	assert.Equal(t, "10.0.0.1", got.Host)
	assert.Equal(t, types.JobStatusQueued, got.Status)
	assert.Equal(t, "ssh", got.Payload.Driver)
	assert.Equal(t, types.StringList{"show version"}, got.Payload.Command)
	assert.Equal(t, 5*time.Minute, got.ExecTimeout)
	assert.False(t, got.QueueDeadline.IsZero())
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := testJob("j-2", "fifo")
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.MarkStarted(ctx, "j-2"))
	got, err := s.GetJob(ctx, "j-2")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusStarted, got.Status)
	assert.False(t, got.StartedAt.IsZero())

	result := json.RawMessage(`{"show version":"IOS 15.2"}`)
	require.NoError(t, s.MarkFinished(ctx, "j-2", result, time.Hour))
	got, err = s.GetJob(ctx, "j-2")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFinished, got.Status)
	assert.JSONEq(t, string(result), string(got.Result))
	assert.False(t, got.EndedAt.IsZero())
}

func TestMarkFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, testJob("j-3", "fifo")))
	desc := types.NewError(types.ErrKindConnectFailed, "dial tcp: connection refused")
	require.NoError(t, s.MarkFailed(ctx, "j-3", desc, time.Hour))

	got, err := s.GetJob(ctx, "j-3")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, types.ErrKindConnectFailed, got.Error.Kind)
}

func TestQueueOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		job := testJob(id, "pinned_10.0.0.1")
		require.NoError(t, s.CreateJob(ctx, job))
		require.NoError(t, s.Enqueue(ctx, "pinned_10.0.0.1", id))
	}

	var order []string
	for i := 0; i < 3; i++ {
		job, err := s.PopJob(ctx, "pinned_10.0.0.1", time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestPopJobDropsMissingRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Enqueued id with no job record, as after queue-life expiry.
	require.NoError(t, s.Enqueue(ctx, "fifo", "ghost"))

	job, err := s.PopJob(ctx, "fifo", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRemoveQueued(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "fifo", "j-9"))

	removed, err := s.RemoveQueued(ctx, "fifo", "j-9")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.RemoveQueued(ctx, "fifo", "j-9")
	require.NoError(t, err)
	assert.False(t, removed)

	depth, err := s.QueueDepth(ctx, "fifo")
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestCancelFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	set, err := s.CancelRequested(ctx, "j-1")
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, s.RequestCancel(ctx, "j-1", time.Minute))
	set, err = s.CancelRequested(ctx, "j-1")
	require.NoError(t, err)
	assert.True(t, set)
}

func TestBindingSetIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	won, err := s.BindHost(ctx, "10.0.0.1", "node-a")
	require.NoError(t, err)
	assert.True(t, won)

	// Second controller loses the spawn race.
	won, err = s.BindHost(ctx, "10.0.0.1", "node-b")
	require.NoError(t, err)
	assert.False(t, won)

	nodeID, err := s.GetBinding(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", nodeID)
}

func TestUnbindHostIf(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.BindHost(ctx, "10.0.0.1", "node-a")
	require.NoError(t, err)

	// A stale worker on node-b must not erase node-a's binding.
	require.NoError(t, s.UnbindHostIf(ctx, "10.0.0.1", "node-b"))
	nodeID, err := s.GetBinding(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", nodeID)

	require.NoError(t, s.UnbindHostIf(ctx, "10.0.0.1", "node-a"))
	nodeID, err = s.GetBinding(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Empty(t, nodeID)
}

func TestNodeInventory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterNode(ctx, &types.Node{ID: "node-a", Capacity: 2}))
	require.NoError(t, s.RegisterNode(ctx, &types.Node{ID: "node-b", Capacity: 4}))

	nodes, err := s.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	live, err := s.LiveNodes(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Len(t, live, 2)

	require.NoError(t, s.RemoveNode(ctx, "node-b"))
	nodes, err = s.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-a", nodes[0].ID)
}

func TestReserveSlotEnforcesCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterNode(ctx, &types.Node{ID: "node-a", Capacity: 2}))

	ok, err := s.ReserveSlot(ctx, "node-a", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ReserveSlot(ctx, "node-a", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	// At cap now.
	ok, err = s.ReserveSlot(ctx, "node-a", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseSlot(ctx, "node-a"))
	ok, err = s.ReserveSlot(ctx, "node-a", 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseSlotClampsAtZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RegisterNode(ctx, &types.Node{ID: "node-a", Capacity: 2}))
	require.NoError(t, s.ReleaseSlot(ctx, "node-a"))

	nodes, err := s.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Zero(t, nodes[0].Current)
}

func TestDescriptorInventory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := &types.PinnedWorkerDescriptor{
		Host:      "10.0.0.1",
		NodeID:    "node-a",
		PID:       4242,
		Queue:     types.PinnedQueueName("10.0.0.1"),
		StartedAt: time.Now(),
	}
	require.NoError(t, s.AddDescriptor(ctx, d))

	got, err := s.GetDescriptor(ctx, "node-a", "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 4242, got.PID)
	assert.Equal(t, "pinned_10.0.0.1", got.Queue)

	count, err := s.CountDescriptors(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, s.RemoveDescriptor(ctx, "node-a", "10.0.0.1"))
	got, err = s.GetDescriptor(ctx, "node-a", "10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSpawnRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	req := &types.SpawnRequest{
		ID:             "req-1",
		Host:           "10.0.0.1",
		Driver:         "ssh",
		ConnectionArgs: json.RawMessage(`{"host":"10.0.0.1"}`),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := s.NextSpawnRequest(ctx, "node-a", 2*time.Second)
		if err != nil || got == nil {
			return
		}
		_ = s.ReplySpawn(ctx, got.ReplyTo, &types.SpawnReply{
			RequestID: got.ID,
			OK:        true,
			Queue:     types.PinnedQueueName(got.Host),
		})
	}()

	reply, err := s.SendSpawn(ctx, "node-a", req, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, reply.OK)
	assert.Equal(t, "pinned_10.0.0.1", reply.Queue)
	<-done
}
