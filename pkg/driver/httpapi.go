package driver

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/scitix/netpulse/pkg/types"
)

// HTTPAPIArgs are the connection args of the httpapi driver
type HTTPAPIArgs struct {
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	Transport      string            `json:"transport"` // http or https
	TimeoutSeconds int               `json:"timeout"`
	Headers        map[string]string `json:"headers"`
	VerifyTLS      *bool             `json:"verify"`

	// ConfigPath receives config lines as a JSON body. Defaults to
	// /config.
	ConfigPath string `json:"config_path"`
}

func (a *HTTPAPIArgs) baseURL() string {
	transport := a.Transport
	if transport == "" {
		transport = "https"
	}
	port := a.Port
	if port == 0 {
		if transport == "http" {
			port = 80
		} else {
			port = 443
		}
	}
	return fmt.Sprintf("%s://%s:%d", transport, a.Host, port)
}

type httpapiDriver struct{}

func init() {
	Register(&httpapiDriver{})
}

func (d *httpapiDriver) Name() string   { return "httpapi" }
func (d *httpapiDriver) Reusable() bool { return false }

func (d *httpapiDriver) KeepaliveInterval(json.RawMessage) time.Duration { return 0 }

func (d *httpapiDriver) ArgsSignature(args json.RawMessage) (string, error) {
	return signature(args)
}

// Connect builds the HTTP client; no connection is held open, each
// operation is its own request cycle.
func (d *httpapiDriver) Connect(ctx context.Context, args json.RawMessage) (Session, error) {
	var a HTTPAPIArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, types.NewError(types.ErrKindValidation, "invalid httpapi connection args: %v", err)
	}
	if a.Host == "" {
		return nil, types.NewError(types.ErrKindValidation, "httpapi connection args missing host")
	}

	timeout := 30 * time.Second
	if a.TimeoutSeconds > 0 {
		timeout = time.Duration(a.TimeoutSeconds) * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if a.VerifyTLS != nil && !*a.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	s := &httpapiSession{
		args:   &a,
		client: &http.Client{Timeout: timeout, Transport: transport},
	}

	// Probe reachability so connect failures surface at connect time,
	// matching the other drivers.
	if err := s.probe(ctx); err != nil {
		return nil, types.WrapError(types.ErrKindConnectFailed, err)
	}
	return s, nil
}

type httpapiSession struct {
	args        *HTTPAPIArgs
	client      *http.Client
	fingerprint string
}

func (s *httpapiSession) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.args.baseURL()+"/", nil)
	if err != nil {
		return err
	}
	s.applyHeaders(req)
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	s.fingerprint = resp.Header.Get("Server")
	return nil
}

func (s *httpapiSession) applyHeaders(req *http.Request) {
	for k, v := range s.args.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Content-Type") == "" && req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
}

// parseCommand splits "METHOD /path body" into its parts. A bare path
// defaults to GET.
func parseCommand(command string) (method, path, body string) {
	fields := strings.SplitN(strings.TrimSpace(command), " ", 3)
	switch {
	case len(fields) == 1:
		return http.MethodGet, fields[0], ""
	case strings.HasPrefix(fields[0], "/"):
		return http.MethodGet, fields[0], strings.Join(fields[1:], " ")
	default:
		method = strings.ToUpper(fields[0])
		path = fields[1]
		if len(fields) == 3 {
			body = fields[2]
		}
		return method, path, body
	}
}

func (s *httpapiSession) do(ctx context.Context, method, path, body string) (string, error) {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.args.baseURL()+path, reader)
	if err != nil {
		return "", err
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return string(data), types.NewError(types.ErrKindAuthFailed, "device API returned %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		return string(data), types.NewError(types.ErrKindCommandFailed, "device API returned %s", resp.Status)
	}
	return string(data), nil
}

// Send issues one request per command
func (s *httpapiSession) Send(ctx context.Context, commands []string) (*Result, error) {
	result := &Result{Output: make(map[string]string, len(commands))}
	for _, cmd := range commands {
		method, path, body := parseCommand(cmd)
		out, err := s.do(ctx, method, path, body)
		result.Output[cmd] = out
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

// Config posts the lines as one JSON document to the config endpoint
func (s *httpapiSession) Config(ctx context.Context, lines []string) (*Result, error) {
	path := s.args.ConfigPath
	if path == "" {
		path = "/config"
	}
	body, err := json.Marshal(map[string][]string{"lines": lines})
	if err != nil {
		return nil, fmt.Errorf("failed to encode config body: %w", err)
	}

	out, err := s.do(ctx, http.MethodPost, path, string(body))
	result := &Result{Output: map[string]string{strings.Join(lines, "\n"): out}, Raw: out}
	if err != nil {
		return result, err
	}
	return result, nil
}

// IsAlive always reports true; there is no held connection to lose
func (s *httpapiSession) IsAlive() bool { return true }

// Keepalive is a no-op for the stateless transport
func (s *httpapiSession) Keepalive(context.Context) error { return nil }

// Fingerprint returns the Server header seen at connect time
func (s *httpapiSession) Fingerprint() string { return s.fingerprint }

// Close is a no-op; requests own their connections
func (s *httpapiSession) Close() error { return nil }
