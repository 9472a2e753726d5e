package driver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryHasBuiltins(t *testing.T) {
	names := List()
	assert.Contains(t, names, "ssh")
	assert.Contains(t, names, "httpapi")
	assert.Contains(t, names, "sftp")
}

func TestGetUnknownDriver(t *testing.T) {
	_, err := Get("telnet")
	assert.Error(t, err)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	d, err := Get("ssh")
	require.NoError(t, err)
	assert.Panics(t, func() { Register(d) })
}

func TestArgsSignatureIgnoresKeyOrder(t *testing.T) {
	a := json.RawMessage(`{"host":"10.0.0.1","port":22,"username":"u"}`)
	b := json.RawMessage(`{"username":"u","host":"10.0.0.1","port":22}`)
	c := json.RawMessage(`{"username":"u","host":"10.0.0.2","port":22}`)

	sigA, err := signature(a)
	require.NoError(t, err)
	sigB, err := signature(b)
	require.NoError(t, err)
	sigC, err := signature(c)
	require.NoError(t, err)

	assert.Equal(t, sigA, sigB)
	assert.NotEqual(t, sigA, sigC)
}

func TestSSHKeepaliveInterval(t *testing.T) {
	d, err := Get("ssh")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second,
		d.KeepaliveInterval(json.RawMessage(`{"host":"h","keepalive":30}`)))
	assert.Zero(t, d.KeepaliveInterval(json.RawMessage(`{"host":"h"}`)))
	assert.Zero(t, d.KeepaliveInterval(json.RawMessage(`not json`)))
}

func TestSSHConnectRejectsBadArgs(t *testing.T) {
	d, err := Get("ssh")
	require.NoError(t, err)

	_, err = d.Connect(context.Background(), json.RawMessage(`{"port":22}`))
	assert.Error(t, err)
}

func TestProfileFor(t *testing.T) {
	p := profileFor("cisco_ios")
	assert.Equal(t, "configure terminal", p.configEnter)
	assert.True(t, p.prompt.MatchString("Router#"))
	assert.True(t, p.prompt.MatchString("Router>"))

	generic := profileFor("some_future_platform")
	assert.True(t, generic.prompt.MatchString("box$ "))
	assert.Empty(t, generic.configEnter)
}

func TestCleanOutput(t *testing.T) {
	raw := "show version\r\nCisco IOS Software, Version 15.2\r\nuptime is 1 week\r\nRouter#"
	out := cleanOutput(raw, "show version")
	assert.Equal(t, "Cisco IOS Software, Version 15.2\nuptime is 1 week", out)
}

func TestDeviceRejected(t *testing.T) {
	assert.True(t, deviceRejected("% Invalid input detected at '^' marker."))
	assert.True(t, deviceRejected("%Incomplete command"))
	assert.True(t, deviceRejected("syntax error, expecting <command>"))
	assert.False(t, deviceRejected("Cisco IOS Software, Version 15.2"))
}

func TestResultJSON(t *testing.T) {
	r := &Result{Output: map[string]string{"show version": "IOS 15.2"}}
	var decoded map[string]map[string]string
	require.NoError(t, json.Unmarshal(r.JSON(), &decoded))
	assert.Equal(t, "IOS 15.2", decoded["output"]["show version"])
}
