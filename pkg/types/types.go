package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// QueueStrategy selects how a job is routed to a worker
type QueueStrategy string

const (
	// QueueStrategyFIFO routes the job to the shared pool; a fresh
	// connection is opened and closed for every job.
	QueueStrategyFIFO QueueStrategy = "fifo"

	// QueueStrategyPinned routes the job to the worker bound to the
	// device host, which reuses one long-lived session.
	QueueStrategyPinned QueueStrategy = "pinned"
)

// Valid reports whether the strategy is one of the known values
func (s QueueStrategy) Valid() bool {
	return s == QueueStrategyFIFO || s == QueueStrategyPinned
}

// FIFOQueue is the logical name of the shared fifo queue
const FIFOQueue = "fifo"

// PinnedQueueName derives the logical queue name for a device host.
// The name is deterministic so that controllers and workers agree on it
// without coordination.
func PinnedQueueName(host string) string {
	return "pinned_" + host
}

// JobStatus represents the state of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusStarted   JobStatus = "started"
	JobStatusFinished  JobStatus = "finished"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is a final state
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusFinished, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ErrorKind classifies an error surfaced to callers
type ErrorKind string

const (
	ErrKindValidation     ErrorKind = "validation"
	ErrKindAuth           ErrorKind = "auth"
	ErrKindNoCapacity     ErrorKind = "no_capacity"
	ErrKindConnectFailed  ErrorKind = "connect_failed"
	ErrKindAuthFailed     ErrorKind = "auth_failed"
	ErrKindCommandFailed  ErrorKind = "command_failed"
	ErrKindTimeout        ErrorKind = "timeout"
	ErrKindQueueExpired   ErrorKind = "queue_expired"
	ErrKindCancelled      ErrorKind = "cancelled"
	ErrKindDriverInternal ErrorKind = "driver_internal"
	ErrKindSystem         ErrorKind = "system"
)

// ErrorDescriptor is the structured error stored as a failed job's result
// and returned on submission failures
type ErrorDescriptor struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
}

// Error implements the error interface
func (e *ErrorDescriptor) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds an ErrorDescriptor
func NewError(kind ErrorKind, format string, args ...interface{}) *ErrorDescriptor {
	return &ErrorDescriptor{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies err under kind. An ErrorDescriptor anywhere in
// err's chain wins over the supplied kind.
func WrapError(kind ErrorKind, err error) *ErrorDescriptor {
	if err == nil {
		return nil
	}
	var desc *ErrorDescriptor
	if errors.As(err, &desc) {
		return desc
	}
	return &ErrorDescriptor{Kind: kind, Message: err.Error()}
}

// StringList accepts either a JSON string or a JSON array of strings.
// Device operation requests use it for command and config bodies.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler
func (l *StringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = StringList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = StringList(many)
	return nil
}

// WebhookSpec describes the terminal-state callback for a job
type WebhookSpec struct {
	URL            string            `json:"url"`
	Method         string            `json:"method,omitempty"`
	TimeoutSeconds float64           `json:"timeout,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// JobPayload is the full operation request carried by a job
type JobPayload struct {
	Driver         string          `json:"driver"`
	ConnectionArgs json.RawMessage `json:"connection_args"`
	Command        StringList      `json:"command,omitempty"`
	Config         StringList      `json:"config,omitempty"`
	DriverArgs     json.RawMessage `json:"driver_args,omitempty"`
	QueueStrategy  QueueStrategy   `json:"queue_strategy,omitempty"`
	Webhook        *WebhookSpec    `json:"webhook,omitempty"`

	// Parsing and rendering specs are opaque to the execution core;
	// they pass through to template engines at the boundary.
	Parsing   json.RawMessage `json:"parsing,omitempty"`
	Rendering json.RawMessage `json:"rendering,omitempty"`

	// TTL overrides, in seconds. Zero means use the configured default.
	TTLSeconds     int `json:"ttl,omitempty"`
	TimeoutSeconds int `json:"timeout,omitempty"`
}

// IsConfig reports whether the payload is a configuration push rather
// than a read operation
func (p *JobPayload) IsConfig() bool {
	return len(p.Config) > 0
}

// Job is a unit of work flowing through a queue
type Job struct {
	ID        string          `json:"id"`
	Queue     string          `json:"queue"`
	Host      string          `json:"host"`
	Status    JobStatus       `json:"status"`
	Payload   *JobPayload     `json:"payload"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorDescriptor `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	StartedAt time.Time       `json:"started_at,omitzero"`
	EndedAt   time.Time       `json:"ended_at,omitzero"`

	// QueueDeadline is the instant after which the job must not start.
	QueueDeadline time.Time `json:"queue_deadline,omitzero"`
	// ExecTimeout bounds a single driver call.
	ExecTimeout time.Duration `json:"exec_timeout,omitempty"`
	// ResultTTL bounds how long the record outlives its terminal state.
	ResultTTL time.Duration `json:"result_ttl,omitempty"`
}

// Node is one compute node able to host pinned workers
type Node struct {
	ID            string    `json:"id"`
	Capacity      int       `json:"capacity"`
	Current       int       `json:"current"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Live reports whether the node heartbeat is fresher than ttl
func (n *Node) Live(ttl time.Duration, now time.Time) bool {
	return now.Sub(n.LastHeartbeat) < ttl
}

// PinnedWorkerDescriptor records one live pinned worker in a node's inventory
type PinnedWorkerDescriptor struct {
	Host      string    `json:"host"`
	NodeID    string    `json:"node_id"`
	PID       int       `json:"pid"`
	Queue     string    `json:"queue"`
	StartedAt time.Time `json:"started_at"`
}

// Spawn-channel actions
const (
	SpawnActionSpawn = "spawn"
	SpawnActionKill  = "kill"
)

// SpawnRequest asks a node worker to start (or terminate) the pinned
// worker for a host
type SpawnRequest struct {
	ID             string          `json:"id"`
	Action         string          `json:"action,omitempty"` // empty means spawn
	Host           string          `json:"host"`
	Driver         string          `json:"driver,omitempty"`
	ConnectionArgs json.RawMessage `json:"connection_args,omitempty"`
	ReplyTo        string          `json:"reply_to"`
}

// SpawnReply is the node worker's answer to a SpawnRequest
type SpawnReply struct {
	RequestID string `json:"request_id"`
	OK        bool   `json:"ok"`
	Queue     string `json:"queue,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ErrCapacityExhausted is the wire value a node worker replies with when
// it is at its pinned cap. Controllers retry scheduling on it.
const ErrCapacityExhausted = "capacity_exhausted"
