package store

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/scitix/netpulse/pkg/config"
	"github.com/scitix/netpulse/pkg/log"
	"github.com/scitix/netpulse/pkg/types"
)

// ErrJobNotFound is returned when a job id resolves to no record,
// either because it never existed or its TTL expired.
var ErrJobNotFound = errors.New("job not found")

// Store is the Redis-backed shared state of the execution core: queues,
// job records, host->node bindings, node inventory, pinned-worker
// inventory and the spawn request channel.
type Store struct {
	rdb    *redis.Client
	prefix string
	logger zerolog.Logger
}

// reserveSlot atomically increments a node's pinned count iff it is
// below cap. The node worker is the authority on capacity; schedulers
// only see snapshots.
var reserveSlot = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local cap = tonumber(ARGV[2])
if cur < cap then
  redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
  return 1
end
return 0
`)

// releaseSlot decrements a node's pinned count, clamping at zero.
var releaseSlot = redis.NewScript(`
local cur = tonumber(redis.call('HINCRBY', KEYS[1], ARGV[1], -1))
if cur < 0 then
  redis.call('HSET', KEYS[1], ARGV[1], 0)
  cur = 0
end
return cur
`)

// unbindIf deletes a host binding only while it still points at the
// given node, so a worker's shutdown hook cannot erase a fresher binding.
var unbindIf = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
  redis.call('HDEL', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

// New connects to Redis and returns a Store
func New(cfg config.RedisConfig) (*Store, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "netpulse"
	}

	return &Store{
		rdb:    rdb,
		prefix: prefix,
		logger: log.WithComponent("store"),
	}, nil
}

// NewWithClient wraps an existing client; tests use it with miniredis.
func NewWithClient(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "netpulse"
	}
	return &Store{rdb: rdb, prefix: prefix, logger: log.WithComponent("store")}
}

// Ping verifies the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *Store) queueKey(name string) string  { return s.key("queue", name) }
func (s *Store) jobKey(id string) string      { return s.key("job", id) }
func (s *Store) bindingKey() string           { return s.key("host_to_node_map") }
func (s *Store) nodeInfoKey() string          { return s.key("node_info_map") }
func (s *Store) nodeCountKey() string         { return s.key("node_count_map") }
func (s *Store) pinnedKey(node string) string { return s.key("pinned", node) }
func (s *Store) spawnKey(node string) string  { return s.key("spawn", node) }
func (s *Store) cancelKey(id string) string   { return s.key("cancel", id) }

// ---- Queues ----

// Enqueue appends a job id to the named queue
func (s *Store) Enqueue(ctx context.Context, queue, jobID string) error {
	if err := s.rdb.LPush(ctx, s.queueKey(queue), jobID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue onto %s: %w", queue, err)
	}
	return nil
}

// PopJob blocks up to timeout for the next job on the queue and loads
// its record. Returns (nil, nil) on timeout and when the popped id has
// already expired.
func (s *Store) PopJob(ctx context.Context, queue string, timeout time.Duration) (*types.Job, error) {
	res, err := s.rdb.BRPop(ctx, timeout, s.queueKey(queue)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop from queue %s: %w", queue, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP result length: %d", len(res))
	}

	job, err := s.GetJob(ctx, res[1])
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			s.logger.Warn().Str("job_id", res[1]).Msg("Popped job id with no record, dropping")
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// RemoveQueued removes a queued job id from its queue. Returns true if
// the id was still in the queue.
func (s *Store) RemoveQueued(ctx context.Context, queue, jobID string) (bool, error) {
	n, err := s.rdb.LRem(ctx, s.queueKey(queue), 0, jobID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove job from queue %s: %w", queue, err)
	}
	return n > 0, nil
}

// QueueDepth returns the number of jobs waiting on a queue
func (s *Store) QueueDepth(ctx context.Context, queue string) (int64, error) {
	n, err := s.rdb.LLen(ctx, s.queueKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth of %s: %w", queue, err)
	}
	return n, nil
}

// ---- Jobs ----

// CreateJob writes the job record. The record lives for the queue TTL
// plus the execution timeout plus the result TTL; terminal transitions
// re-arm the expiry to the result TTL alone.
func (s *Store) CreateJob(ctx context.Context, job *types.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	fields := map[string]interface{}{
		"id":         job.ID,
		"queue":      job.Queue,
		"host":       job.Host,
		"status":     string(job.Status),
		"payload":    string(payload),
		"created_at": job.CreatedAt.Format(time.RFC3339Nano),
	}
	if !job.QueueDeadline.IsZero() {
		fields["queue_deadline"] = job.QueueDeadline.Format(time.RFC3339Nano)
	}
	if job.ExecTimeout > 0 {
		fields["exec_timeout_ms"] = job.ExecTimeout.Milliseconds()
	}
	if job.ResultTTL > 0 {
		fields["result_ttl_ms"] = job.ResultTTL.Milliseconds()
	}

	key := s.jobKey(job.ID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if life := recordLife(job); life > 0 {
		pipe.PExpire(ctx, key, life)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.ID, err)
	}
	return nil
}

func recordLife(job *types.Job) time.Duration {
	var life time.Duration
	if !job.QueueDeadline.IsZero() {
		life = time.Until(job.QueueDeadline)
	}
	life += job.ExecTimeout + job.ResultTTL
	return life
}

// GetJob loads a job record by id
func (s *Store) GetJob(ctx context.Context, id string) (*types.Job, error) {
	m, err := s.rdb.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if len(m) == 0 {
		return nil, ErrJobNotFound
	}

	job := &types.Job{
		ID:     m["id"],
		Queue:  m["queue"],
		Host:   m["host"],
		Status: types.JobStatus(m["status"]),
	}
	if v := m["payload"]; v != "" {
		var p types.JobPayload
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, fmt.Errorf("failed to decode payload of job %s: %w", id, err)
		}
		job.Payload = &p
	}
	if v := m["result"]; v != "" {
		job.Result = json.RawMessage(v)
	}
	if v := m["error"]; v != "" {
		var desc types.ErrorDescriptor
		if err := json.Unmarshal([]byte(v), &desc); err != nil {
			return nil, fmt.Errorf("failed to decode error of job %s: %w", id, err)
		}
		job.Error = &desc
	}
	job.CreatedAt = parseTime(m["created_at"])
	job.StartedAt = parseTime(m["started_at"])
	job.EndedAt = parseTime(m["ended_at"])
	job.QueueDeadline = parseTime(m["queue_deadline"])
	if v := m["exec_timeout_ms"]; v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			job.ExecTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := m["result_ttl_ms"]; v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			job.ResultTTL = time.Duration(ms) * time.Millisecond
		}
	}
	return job, nil
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// MarkStarted transitions a job to started
func (s *Store) MarkStarted(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, types.JobStatusStarted, map[string]interface{}{
		"started_at": time.Now().Format(time.RFC3339Nano),
	}, 0)
}

// MarkFinished records a successful result and re-arms expiry
func (s *Store) MarkFinished(ctx context.Context, id string, result json.RawMessage, resultTTL time.Duration) error {
	return s.setStatus(ctx, id, types.JobStatusFinished, map[string]interface{}{
		"result":   string(result),
		"ended_at": time.Now().Format(time.RFC3339Nano),
	}, resultTTL)
}

// MarkFailed records a structured failure and re-arms expiry
func (s *Store) MarkFailed(ctx context.Context, id string, desc *types.ErrorDescriptor, resultTTL time.Duration) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to marshal error descriptor: %w", err)
	}
	return s.setStatus(ctx, id, types.JobStatusFailed, map[string]interface{}{
		"error":    string(data),
		"ended_at": time.Now().Format(time.RFC3339Nano),
	}, resultTTL)
}

// MarkCancelled transitions a job to cancelled
func (s *Store) MarkCancelled(ctx context.Context, id string, resultTTL time.Duration) error {
	return s.setStatus(ctx, id, types.JobStatusCancelled, map[string]interface{}{
		"ended_at": time.Now().Format(time.RFC3339Nano),
	}, resultTTL)
}

func (s *Store) setStatus(ctx context.Context, id string, status types.JobStatus, extra map[string]interface{}, ttl time.Duration) error {
	key := s.jobKey(id)
	fields := map[string]interface{}{"status": string(status)}
	for k, v := range extra {
		fields[k] = v
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if ttl > 0 {
		pipe.PExpire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update job %s to %s: %w", id, status, err)
	}
	return nil
}

// ---- Cancellation flags ----

// RequestCancel marks a started job for cooperative cancellation
func (s *Store) RequestCancel(ctx context.Context, id string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := s.rdb.Set(ctx, s.cancelKey(id), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cancel flag for job %s: %w", id, err)
	}
	return nil
}

// CancelRequested reports whether a cancel flag is set for the job
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	_, err := s.rdb.Get(ctx, s.cancelKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, fmt.Errorf("failed to read cancel flag for job %s: %w", id, err)
	}
	return true, nil
}

// ---- Host -> node bindings ----

// GetBinding returns the node currently hosting a device's pinned
// worker, or "" when the host is unbound.
func (s *Store) GetBinding(ctx context.Context, host string) (string, error) {
	v, err := s.rdb.HGet(ctx, s.bindingKey(), host).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("failed to read binding for %s: %w", host, err)
	}
	return v, nil
}

// BindHost writes the binding if absent. Returns false when another
// controller won the spawn race; the caller then reuses the winner.
func (s *Store) BindHost(ctx context.Context, host, nodeID string) (bool, error) {
	ok, err := s.rdb.HSetNX(ctx, s.bindingKey(), host, nodeID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to bind %s to %s: %w", host, nodeID, err)
	}
	return ok, nil
}

// UnbindHost removes the binding unconditionally
func (s *Store) UnbindHost(ctx context.Context, host string) error {
	if err := s.rdb.HDel(ctx, s.bindingKey(), host).Err(); err != nil {
		return fmt.Errorf("failed to unbind %s: %w", host, err)
	}
	return nil
}

// UnbindHostIf removes the binding only while it still points at nodeID
func (s *Store) UnbindHostIf(ctx context.Context, host, nodeID string) error {
	if err := unbindIf.Run(ctx, s.rdb, []string{s.bindingKey()}, host, nodeID).Err(); err != nil {
		return fmt.Errorf("failed to conditionally unbind %s: %w", host, err)
	}
	return nil
}

// ---- Node inventory ----

type nodeInfo struct {
	Capacity      int       `json:"capacity"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// RegisterNode writes the node entry and zeroes its pinned count
func (s *Store) RegisterNode(ctx context.Context, node *types.Node) error {
	data, err := json.Marshal(nodeInfo{Capacity: node.Capacity, LastHeartbeat: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal node info: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.nodeInfoKey(), node.ID, string(data))
	pipe.HSet(ctx, s.nodeCountKey(), node.ID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register node %s: %w", node.ID, err)
	}
	return nil
}

// HeartbeatNode refreshes the node's heartbeat timestamp. The node
// worker is the sole writer of its own entry, so read-modify-write is
// race-free here.
func (s *Store) HeartbeatNode(ctx context.Context, nodeID string) error {
	v, err := s.rdb.HGet(ctx, s.nodeInfoKey(), nodeID).Result()
	if err != nil {
		return fmt.Errorf("failed to read node %s for heartbeat: %w", nodeID, err)
	}
	var info nodeInfo
	if err := json.Unmarshal([]byte(v), &info); err != nil {
		return fmt.Errorf("failed to decode node %s info: %w", nodeID, err)
	}
	info.LastHeartbeat = time.Now()
	data, _ := json.Marshal(info)
	if err := s.rdb.HSet(ctx, s.nodeInfoKey(), nodeID, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to heartbeat node %s: %w", nodeID, err)
	}
	return nil
}

// RemoveNode deletes the node entry, its counter and its inventory
func (s *Store) RemoveNode(ctx context.Context, nodeID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, s.nodeInfoKey(), nodeID)
	pipe.HDel(ctx, s.nodeCountKey(), nodeID)
	pipe.Del(ctx, s.pinnedKey(nodeID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove node %s: %w", nodeID, err)
	}
	return nil
}

// ListNodes returns every registered node with its current pinned count
func (s *Store) ListNodes(ctx context.Context) ([]*types.Node, error) {
	infos, err := s.rdb.HGetAll(ctx, s.nodeInfoKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	counts, err := s.rdb.HGetAll(ctx, s.nodeCountKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list node counts: %w", err)
	}

	nodes := make([]*types.Node, 0, len(infos))
	for id, raw := range infos {
		var info nodeInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			s.logger.Warn().Str("node_id", id).Msg("Skipping node with undecodable info")
			continue
		}
		current := 0
		if c, ok := counts[id]; ok {
			current, _ = strconv.Atoi(c)
		}
		nodes = append(nodes, &types.Node{
			ID:            id,
			Capacity:      info.Capacity,
			Current:       current,
			LastHeartbeat: info.LastHeartbeat,
		})
	}
	return nodes, nil
}

// LiveNodes returns nodes with a heartbeat fresher than ttl
func (s *Store) LiveNodes(ctx context.Context, ttl time.Duration) ([]*types.Node, error) {
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	live := nodes[:0]
	for _, n := range nodes {
		if n.Live(ttl, now) {
			live = append(live, n)
		}
	}
	return live, nil
}

// ReserveSlot atomically claims one pinned slot on a node. Returns
// false when the node is at cap.
func (s *Store) ReserveSlot(ctx context.Context, nodeID string, capacity int) (bool, error) {
	n, err := reserveSlot.Run(ctx, s.rdb, []string{s.nodeCountKey()}, nodeID, capacity).Int()
	if err != nil {
		return false, fmt.Errorf("failed to reserve slot on %s: %w", nodeID, err)
	}
	return n == 1, nil
}

// ReleaseSlot returns one pinned slot to a node
func (s *Store) ReleaseSlot(ctx context.Context, nodeID string) error {
	if err := releaseSlot.Run(ctx, s.rdb, []string{s.nodeCountKey()}, nodeID).Err(); err != nil {
		return fmt.Errorf("failed to release slot on %s: %w", nodeID, err)
	}
	return nil
}

// ---- Pinned worker inventory ----

// AddDescriptor records a pinned worker in its node's inventory
func (s *Store) AddDescriptor(ctx context.Context, d *types.PinnedWorkerDescriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal descriptor: %w", err)
	}
	if err := s.rdb.HSet(ctx, s.pinnedKey(d.NodeID), d.Host, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to add descriptor for %s: %w", d.Host, err)
	}
	return nil
}

// RemoveDescriptor deletes a pinned worker from its node's inventory
func (s *Store) RemoveDescriptor(ctx context.Context, nodeID, host string) error {
	if err := s.rdb.HDel(ctx, s.pinnedKey(nodeID), host).Err(); err != nil {
		return fmt.Errorf("failed to remove descriptor for %s: %w", host, err)
	}
	return nil
}

// GetDescriptor loads the descriptor for a host on a node, nil if absent
func (s *Store) GetDescriptor(ctx context.Context, nodeID, host string) (*types.PinnedWorkerDescriptor, error) {
	v, err := s.rdb.HGet(ctx, s.pinnedKey(nodeID), host).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read descriptor for %s: %w", host, err)
	}
	var d types.PinnedWorkerDescriptor
	if err := json.Unmarshal([]byte(v), &d); err != nil {
		return nil, fmt.Errorf("failed to decode descriptor for %s: %w", host, err)
	}
	return &d, nil
}

// ListDescriptors returns a node's full pinned worker inventory
func (s *Store) ListDescriptors(ctx context.Context, nodeID string) ([]*types.PinnedWorkerDescriptor, error) {
	m, err := s.rdb.HGetAll(ctx, s.pinnedKey(nodeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list descriptors of %s: %w", nodeID, err)
	}
	ds := make([]*types.PinnedWorkerDescriptor, 0, len(m))
	for host, raw := range m {
		var d types.PinnedWorkerDescriptor
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			s.logger.Warn().Str("host", host).Msg("Skipping undecodable descriptor")
			continue
		}
		ds = append(ds, &d)
	}
	return ds, nil
}

// CountDescriptors returns the size of a node's pinned inventory
func (s *Store) CountDescriptors(ctx context.Context, nodeID string) (int, error) {
	n, err := s.rdb.HLen(ctx, s.pinnedKey(nodeID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count descriptors of %s: %w", nodeID, err)
	}
	return int(n), nil
}

// ---- Spawn RPC ----

// SendSpawn pushes a spawn request onto a node's request list and
// blocks for the reply
func (s *Store) SendSpawn(ctx context.Context, nodeID string, req *types.SpawnRequest, timeout time.Duration) (*types.SpawnReply, error) {
	req.ReplyTo = s.key("spawnreply", req.ID)
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal spawn request: %w", err)
	}
	if err := s.rdb.LPush(ctx, s.spawnKey(nodeID), data).Err(); err != nil {
		return nil, fmt.Errorf("failed to send spawn request to %s: %w", nodeID, err)
	}

	res, err := s.rdb.BRPop(ctx, timeout, req.ReplyTo).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("spawn request to %s timed out", nodeID)
		}
		return nil, fmt.Errorf("failed to await spawn reply from %s: %w", nodeID, err)
	}
	var reply types.SpawnReply
	if err := json.Unmarshal([]byte(res[1]), &reply); err != nil {
		return nil, fmt.Errorf("failed to decode spawn reply: %w", err)
	}
	return &reply, nil
}

// NextSpawnRequest blocks up to timeout for the node's next spawn
// request. Returns (nil, nil) on timeout.
func (s *Store) NextSpawnRequest(ctx context.Context, nodeID string, timeout time.Duration) (*types.SpawnRequest, error) {
	res, err := s.rdb.BRPop(ctx, timeout, s.spawnKey(nodeID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop spawn request: %w", err)
	}
	var req types.SpawnRequest
	if err := json.Unmarshal([]byte(res[1]), &req); err != nil {
		return nil, fmt.Errorf("failed to decode spawn request: %w", err)
	}
	return &req, nil
}

// ReplySpawn answers a spawn request. The reply list expires quickly so
// an abandoned caller leaves no garbage.
func (s *Store) ReplySpawn(ctx context.Context, replyTo string, reply *types.SpawnReply) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal spawn reply: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, replyTo, data)
	pipe.Expire(ctx, replyTo, time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to reply to spawn request: %w", err)
	}
	return nil
}
