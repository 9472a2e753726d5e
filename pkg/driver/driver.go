package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Result is the value a driver returns for one operation. Output maps
// each command or config line to what the device answered.
type Result struct {
	Output map[string]string `json:"output"`
	Raw    string            `json:"raw,omitempty"`
}

// JSON renders the result for storage as a job result
func (r *Result) JSON() json.RawMessage {
	data, err := json.Marshal(r)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// Session is a live connection to one device. At most one operation may
// be outstanding; the owning worker serializes Send, Config and
// Keepalive behind a single mutex.
type Session interface {
	// Send executes read commands and returns their output
	Send(ctx context.Context, commands []string) (*Result, error)

	// Config pushes configuration statements and returns acknowledgements
	Config(ctx context.Context, lines []string) (*Result, error)

	// IsAlive is a cheap liveness probe
	IsAlive() bool

	// Keepalive exercises the transport and nudges the device so idle
	// timeouts on intermediaries and the device itself do not fire
	Keepalive(ctx context.Context) error

	// Fingerprint identifies the remote endpoint (banner, version)
	Fingerprint() string

	// Close releases the connection, best effort
	Close() error
}

// Driver is a named plugin that knows how to talk to one family of
// devices
type Driver interface {
	// Name is the registry key
	Name() string

	// Connect opens a fresh session from driver-specific args
	Connect(ctx context.Context, args json.RawMessage) (Session, error)

	// Reusable reports whether sessions may be persisted across jobs
	Reusable() bool

	// KeepaliveInterval extracts the keepalive period from args.
	// Zero disables the keepalive monitor.
	KeepaliveInterval(args json.RawMessage) time.Duration

	// ArgsSignature derives a stable identity for the effective
	// connection args; the persisted-session slot is keyed by it.
	ArgsSignature(args json.RawMessage) (string, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Driver)
)

// Register adds a driver to the registry. Drivers register themselves
// from init; registering a duplicate name panics, as that is a
// programming error caught at startup.
func Register(d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[d.Name()]; exists {
		panic(fmt.Sprintf("driver %q registered twice", d.Name()))
	}
	registry[d.Name()] = d
}

// Get returns the named driver
func Get(name string) (Driver, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	d, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown driver %q", name)
	}
	return d, nil
}

// List returns the registered driver names, sorted
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// signature canonicalizes raw JSON args into a deterministic string.
// Map key order in the incoming document must not change the identity.
func signature(args json.RawMessage) (string, error) {
	var decoded map[string]interface{}
	if err := json.Unmarshal(args, &decoded); err != nil {
		return "", fmt.Errorf("invalid connection args: %w", err)
	}
	keys := make([]string, 0, len(decoded))
	for k := range decoded {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sig := ""
	for _, k := range keys {
		v, _ := json.Marshal(decoded[k])
		sig += k + "=" + string(v) + ";"
	}
	return sig, nil
}
