package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPinnedQueueName(t *testing.T) {
	assert.Equal(t, "pinned_10.0.0.1", PinnedQueueName("10.0.0.1"))
	assert.Equal(t, "pinned_core-sw1.example.net", PinnedQueueName("core-sw1.example.net"))
}

func TestQueueStrategyValid(t *testing.T) {
	assert.True(t, QueueStrategyFIFO.Valid())
	assert.True(t, QueueStrategyPinned.Valid())
	assert.False(t, QueueStrategy("priority").Valid())
	assert.False(t, QueueStrategy("").Valid())
}

func TestJobStatusTerminal(t *testing.T) {
	assert.False(t, JobStatusQueued.Terminal())
	assert.False(t, JobStatusStarted.Terminal())
	assert.True(t, JobStatusFinished.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusCancelled.Terminal())
}

func TestStringListAcceptsBothShapes(t *testing.T) {
	var payload JobPayload
	require.NoError(t, json.Unmarshal([]byte(`{
		"driver": "ssh",
		"connection_args": {"host": "10.0.0.1"},
		"command": "show version"
	}`), &payload))
	assert.Equal(t, StringList{"show version"}, payload.Command)

	require.NoError(t, json.Unmarshal([]byte(`{
		"driver": "ssh",
		"connection_args": {"host": "10.0.0.1"},
		"config": ["interface Gi0/1", "no shutdown"]
	}`), &payload))
	assert.Equal(t, StringList{"interface Gi0/1", "no shutdown"}, payload.Config)
	assert.True(t, payload.IsConfig())

	var bad StringList
	assert.Error(t, json.Unmarshal([]byte(`42`), &bad))
}

func TestWrapErrorKeepsDescriptorKind(t *testing.T) {
	inner := NewError(ErrKindAuthFailed, "device refused credentials")
	wrapped := fmt.Errorf("connect: %w", inner)

	desc := WrapError(ErrKindDriverInternal, wrapped)
	assert.Equal(t, ErrKindAuthFailed, desc.Kind)

	plain := WrapError(ErrKindDriverInternal, errors.New("boom"))
	assert.Equal(t, ErrKindDriverInternal, plain.Kind)
	assert.Nil(t, WrapError(ErrKindSystem, nil))
}

func TestNodeLive(t *testing.T) {
	now := time.Now()
	n := &Node{ID: "node-a", LastHeartbeat: now.Add(-10 * time.Second)}
	assert.True(t, n.Live(30*time.Second, now))
	assert.False(t, n.Live(5*time.Second, now))
}
