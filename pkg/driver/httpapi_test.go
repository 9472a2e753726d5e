package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		command string
		method  string
		path    string
		body    string
	}{
		{"/api/v1/version", http.MethodGet, "/api/v1/version", ""},
		{"GET /api/v1/version", http.MethodGet, "/api/v1/version", ""},
		{"POST /api/v1/reboot {\"delay\":0}", http.MethodPost, "/api/v1/reboot", "{\"delay\":0}"},
		{"delete /api/v1/vlan/10", http.MethodDelete, "/api/v1/vlan/10", ""},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			method, path, body := parseCommand(tt.command)
			assert.Equal(t, tt.method, method)
			assert.Equal(t, tt.path, path)
			assert.Equal(t, tt.body, body)
		})
	}
}

func connectTestAPI(t *testing.T, handler http.Handler) Session {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	d, err := Get("httpapi")
	require.NoError(t, err)

	args, err := json.Marshal(HTTPAPIArgs{
		Host:      u.Hostname(),
		Port:      port,
		Transport: "http",
	})
	require.NoError(t, err)

	sess, err := d.Connect(context.Background(), args)
	require.NoError(t, err)
	return sess
}

func TestHTTPAPISend(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "eos-rest/4.30")
	})
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"version":"4.30.1F"}`)
	})

	sess := connectTestAPI(t, mux)
	defer sess.Close()

	result, err := sess.Send(context.Background(), []string{"/api/version"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":"4.30.1F"}`, result.Output["/api/version"])
	assert.Equal(t, "eos-rest/4.30", sess.Fingerprint())
	assert.True(t, sess.IsAlive())
}

func TestHTTPAPIConfig(t *testing.T) {
	var received map[string][]string
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		fmt.Fprint(w, `{"applied":true}`)
	})

	sess := connectTestAPI(t, mux)
	defer sess.Close()

	lines := []string{"interface Gi0/1", "no shutdown"}
	result, err := sess.Config(context.Background(), lines)
	require.NoError(t, err)
	assert.Equal(t, lines, received["lines"])
	assert.JSONEq(t, `{"applied":true}`, result.Raw)
}

func TestHTTPAPICommandFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/api/bad", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such endpoint", http.StatusBadRequest)
	})
	mux.HandleFunc("/api/secret", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})

	sess := connectTestAPI(t, mux)
	defer sess.Close()

	_, err := sess.Send(context.Background(), []string{"/api/bad"})
	assert.Error(t, err)

	_, err = sess.Send(context.Background(), []string{"/api/secret"})
	assert.Error(t, err)
}

func TestHTTPAPIConnectRefused(t *testing.T) {
	d, err := Get("httpapi")
	require.NoError(t, err)

	// Reserved port with nothing listening.
	args := json.RawMessage(`{"host":"127.0.0.1","port":1,"transport":"http","timeout":1}`)
	_, err = d.Connect(context.Background(), args)
	assert.Error(t, err)
}
