package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scitix/netpulse/pkg/api"
	"github.com/scitix/netpulse/pkg/config"
	"github.com/scitix/netpulse/pkg/controller"
	"github.com/scitix/netpulse/pkg/driver"
	"github.com/scitix/netpulse/pkg/log"
	"github.com/scitix/netpulse/pkg/store"
	"github.com/scitix/netpulse/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard, JSONOutput: true})
	driver.Register(&fakeDriver{})
	os.Exit(m.Run())
}

type fakeDriver struct{}

func (d *fakeDriver) Name() string { return "fake" }
func (d *fakeDriver) Reusable() bool { return false }
func (d *fakeDriver) KeepaliveInterval(json.RawMessage) time.Duration { return 0 }
func (d *fakeDriver) ArgsSignature(args json.RawMessage) (string, error) { return string(args), nil }

func (d *fakeDriver) Connect(ctx context.Context, args json.RawMessage) (driver.Session, error) {
	return &fakeSession{}, nil
}

type fakeSession struct{}

func (s *fakeSession) Send(ctx context.Context, commands []string) (*driver.Result, error) {
	return &driver.Result{Output: map[string]string{}}, nil
}

func (s *fakeSession) Config(ctx context.Context, lines []string) (*driver.Result, error) {
	return &driver.Result{Output: map[string]string{}}, nil
}

func (s *fakeSession) IsAlive() bool { return true }
func (s *fakeSession) Keepalive(context.Context) error { return nil }
func (s *fakeSession) Fingerprint() string { return "fake-device-1.0" }
func (s *fakeSession) Close() error { return nil }

const testKey = "sekrit"

func newTestClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	st := store.NewWithClient(rdb, "netpulse")

	cfg := config.Default()
	cfg.Server.APIKey = testKey
	cfg.DriverStrategies["fake"] = "fifo"

	ctrl, err := controller.New(cfg, st, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(api.NewServer(cfg, ctrl, st).Handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, testKey)
}

func TestExecPollCancel(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	ref, err := c.Exec(ctx, &types.JobPayload{
		Driver:         "fake",
		ConnectionArgs: json.RawMessage(`{"host":"10.0.0.1"}`),
		Command:        types.StringList{"show version"},
		QueueStrategy:  types.QueueStrategyFIFO,
	})
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, ref.Status)

	view, err := c.GetJob(ctx, ref.JobID)
	require.NoError(t, err)
	assert.Equal(t, ref.JobID, view.ID)

	view, err = c.Cancel(ctx, ref.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, view.Status)
}

func TestAPIErrorSurfacesDescriptor(t *testing.T) {
	c := newTestClient(t)

	_, err := c.Exec(context.Background(), &types.JobPayload{
		Driver:         "fake",
		ConnectionArgs: json.RawMessage(`{"host":"10.0.0.1"}`),
	})
	require.Error(t, err)
	var desc *types.ErrorDescriptor
	require.ErrorAs(t, err, &desc)
	assert.Equal(t, types.ErrKindValidation, desc.Kind)
}

func TestBadAPIKey(t *testing.T) {
	c := newTestClient(t)
	c.apiKey = "wrong"

	_, err := c.Inventory(context.Background())
	require.Error(t, err)
	var desc *types.ErrorDescriptor
	require.ErrorAs(t, err, &desc)
	assert.Equal(t, types.ErrKindAuth, desc.Kind)
}

func TestHealthAndTest(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	result, err := c.Test(ctx, "fake", json.RawMessage(`{"host":"10.0.0.1"}`))
	require.NoError(t, err)
	assert.True(t, result.Success)
}
