package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/scitix/netpulse/pkg/types"
)

// SSHArgs are the connection args of the ssh driver
type SSHArgs struct {
	Host             string `json:"host"`
	Port             int    `json:"port"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	DeviceType       string `json:"device_type"`
	KeepaliveSeconds int    `json:"keepalive"`
	TimeoutSeconds   int    `json:"timeout"`
}

func (a *SSHArgs) addr() string {
	port := a.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(a.Host, fmt.Sprintf("%d", port))
}

func (a *SSHArgs) dialTimeout() time.Duration {
	if a.TimeoutSeconds > 0 {
		return time.Duration(a.TimeoutSeconds) * time.Second
	}
	return 15 * time.Second
}

// deviceProfile captures the CLI dialect of a device family
type deviceProfile struct {
	prompt        *regexp.Regexp
	disablePaging string
	configEnter   string
	configExit    string
}

var deviceProfiles = map[string]deviceProfile{
	"cisco_ios": {
		prompt:        regexp.MustCompile(`[>#]\s*$`),
		disablePaging: "terminal length 0",
		configEnter:   "configure terminal",
		configExit:    "end",
	},
	"cisco_nxos": {
		prompt:        regexp.MustCompile(`[>#]\s*$`),
		disablePaging: "terminal length 0",
		configEnter:   "configure terminal",
		configExit:    "end",
	},
	"juniper_junos": {
		prompt:        regexp.MustCompile(`[>#%]\s*$`),
		disablePaging: "set cli screen-length 0",
		configEnter:   "configure",
		configExit:    "commit and-quit",
	},
	"linux": {
		prompt: regexp.MustCompile(`[$#]\s*$`),
	},
}

func profileFor(deviceType string) deviceProfile {
	if p, ok := deviceProfiles[deviceType]; ok {
		return p
	}
	// Generic prompt covering the common CLI terminators
	return deviceProfile{prompt: regexp.MustCompile(`[>#$%]\s*$`)}
}

type sshDriver struct{}

func init() {
	Register(&sshDriver{})
}

func (d *sshDriver) Name() string   { return "ssh" }
func (d *sshDriver) Reusable() bool { return true }

func (d *sshDriver) KeepaliveInterval(args json.RawMessage) time.Duration {
	var a SSHArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return 0
	}
	return time.Duration(a.KeepaliveSeconds) * time.Second
}

func (d *sshDriver) ArgsSignature(args json.RawMessage) (string, error) {
	return signature(args)
}

// Connect opens an interactive shell session to the device
func (d *sshDriver) Connect(ctx context.Context, args json.RawMessage) (Session, error) {
	var a SSHArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, types.NewError(types.ErrKindValidation, "invalid ssh connection args: %v", err)
	}
	if a.Host == "" {
		return nil, types.NewError(types.ErrKindValidation, "ssh connection args missing host")
	}

	cfg := &ssh.ClientConfig{
		User:            a.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(a.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         a.dialTimeout(),
		Config: ssh.Config{
			// Network devices often ship legacy kex/cipher suites
			KeyExchanges: append([]string{}, supportedKexAlgos...),
		},
	}

	client, err := dialContext(ctx, a.addr(), cfg)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, types.WrapError(types.ErrKindAuthFailed, err)
		}
		return nil, types.WrapError(types.ErrKindConnectFailed, err)
	}

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, types.WrapError(types.ErrKindConnectFailed, err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("vt100", 0, 200, modes); err != nil {
		sess.Close()
		client.Close()
		return nil, types.WrapError(types.ErrKindConnectFailed, err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, types.WrapError(types.ErrKindConnectFailed, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, types.WrapError(types.ErrKindConnectFailed, err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		client.Close()
		return nil, types.WrapError(types.ErrKindConnectFailed, err)
	}

	s := &sshSession{
		client:  client,
		sess:    sess,
		stdin:   stdin,
		outCh:   make(chan []byte, 64),
		profile: profileFor(a.DeviceType),
	}
	go s.readLoop(stdout)

	// Swallow the login banner and motd up to the first prompt, then
	// turn off paging so long outputs arrive in one read.
	bannerCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, _ = s.readUntilPrompt(bannerCtx)
	if s.profile.disablePaging != "" {
		if _, err := s.run(ctx, s.profile.disablePaging); err != nil {
			s.Close()
			return nil, types.WrapError(types.ErrKindConnectFailed, err)
		}
	}

	return s, nil
}

// supportedKexAlgos widens the default set with older algorithms still
// common on network gear.
var supportedKexAlgos = []string{
	"curve25519-sha256", "curve25519-sha256@libssh.org",
	"ecdh-sha2-nistp256", "ecdh-sha2-nistp384", "ecdh-sha2-nistp521",
	"diffie-hellman-group14-sha256", "diffie-hellman-group14-sha1",
	"diffie-hellman-group-exchange-sha256",
}

// dialContext is ssh.Dial with context cancellation on the TCP leg
func dialContext(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

type sshSession struct {
	client  *ssh.Client
	sess    *ssh.Session
	stdin   io.WriteCloser
	outCh   chan []byte
	profile deviceProfile
	closed  atomic.Bool
}

// readLoop pumps device output into outCh until the stream ends
func (s *sshSession) readLoop(stdout io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.outCh <- chunk
		}
		if err != nil {
			s.closed.Store(true)
			close(s.outCh)
			return
		}
	}
}

// drain discards any buffered output, e.g. unsolicited syslog lines
// that arrived between operations
func (s *sshSession) drain() {
	for {
		select {
		case _, ok := <-s.outCh:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// readUntilPrompt accumulates output until the device prompt shows up
// at the tail or ctx expires
func (s *sshSession) readUntilPrompt(ctx context.Context) (string, error) {
	var b strings.Builder
	for {
		select {
		case chunk, ok := <-s.outCh:
			if !ok {
				return b.String(), fmt.Errorf("connection closed by device")
			}
			b.Write(chunk)
			if s.profile.prompt.MatchString(lastLine(b.String())) {
				return b.String(), nil
			}
		case <-ctx.Done():
			return b.String(), fmt.Errorf("timed out waiting for device prompt: %w", ctx.Err())
		}
	}
}

func lastLine(out string) string {
	out = strings.TrimRight(out, " ")
	if idx := strings.LastIndexByte(out, '\n'); idx >= 0 {
		return out[idx+1:]
	}
	return out
}

// run writes one command and returns its output with the echo and
// trailing prompt stripped
func (s *sshSession) run(ctx context.Context, command string) (string, error) {
	if s.closed.Load() {
		return "", fmt.Errorf("session is closed")
	}
	s.drain()
	if _, err := s.stdin.Write([]byte(command + "\n")); err != nil {
		s.closed.Store(true)
		return "", fmt.Errorf("failed to write command: %w", err)
	}
	out, err := s.readUntilPrompt(ctx)
	if err != nil {
		return "", err
	}
	return cleanOutput(out, command), nil
}

// cleanOutput strips the command echo and the prompt line
func cleanOutput(out, command string) string {
	lines := strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n")
	cleaned := make([]string, 0, len(lines))
	for i, line := range lines {
		if i == 0 && strings.TrimSpace(line) == strings.TrimSpace(command) {
			continue
		}
		if i == len(lines)-1 {
			// Prompt line
			continue
		}
		cleaned = append(cleaned, strings.TrimRight(line, "\r"))
	}
	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}

// errorPatterns match device-reported command failures
var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)% ?invalid input`),
	regexp.MustCompile(`(?i)% ?incomplete command`),
	regexp.MustCompile(`(?i)% ?ambiguous command`),
	regexp.MustCompile(`(?i)^syntax error`),
	regexp.MustCompile(`(?i)^error:`),
}

func deviceRejected(output string) bool {
	for _, p := range errorPatterns {
		if p.MatchString(output) {
			return true
		}
	}
	return false
}

// Send executes read commands one at a time over the shared shell
func (s *sshSession) Send(ctx context.Context, commands []string) (*Result, error) {
	result := &Result{Output: make(map[string]string, len(commands))}
	for _, cmd := range commands {
		out, err := s.run(ctx, cmd)
		if err != nil {
			return nil, err
		}
		if deviceRejected(out) {
			result.Output[cmd] = out
			return result, types.NewError(types.ErrKindCommandFailed, "device rejected %q", cmd)
		}
		result.Output[cmd] = out
	}
	return result, nil
}

// Config enters configuration mode, pushes every line, then exits
func (s *sshSession) Config(ctx context.Context, lines []string) (*Result, error) {
	result := &Result{Output: make(map[string]string, len(lines))}

	if s.profile.configEnter != "" {
		if _, err := s.run(ctx, s.profile.configEnter); err != nil {
			return nil, err
		}
	}
	for _, line := range lines {
		out, err := s.run(ctx, line)
		if err != nil {
			return nil, err
		}
		if deviceRejected(out) {
			result.Output[line] = out
			// Leave config mode before reporting so the session stays usable
			if s.profile.configExit != "" {
				_, _ = s.run(ctx, s.profile.configExit)
			}
			return result, types.NewError(types.ErrKindCommandFailed, "device rejected config line %q", line)
		}
		result.Output[line] = out
	}
	if s.profile.configExit != "" {
		if _, err := s.run(ctx, s.profile.configExit); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// IsAlive probes the transport with an SSH-level request
func (s *sshSession) IsAlive() bool {
	if s.closed.Load() {
		return false
	}
	_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
	if err != nil {
		s.closed.Store(true)
		return false
	}
	return true
}

// Keepalive exercises the transport and nudges the device CLI so both
// ends and any middleboxes see traffic
func (s *sshSession) Keepalive(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("session is closed")
	}
	s.drain()
	if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		s.closed.Store(true)
		return fmt.Errorf("transport keepalive failed: %w", err)
	}
	// Newline nudge resets the device-side idle timer
	if _, err := s.stdin.Write([]byte("\n")); err != nil {
		s.closed.Store(true)
		return fmt.Errorf("keepalive nudge failed: %w", err)
	}
	nudgeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.readUntilPrompt(nudgeCtx); err != nil {
		s.closed.Store(true)
		return fmt.Errorf("device did not answer keepalive: %w", err)
	}
	return nil
}

// Fingerprint returns the remote SSH banner
func (s *sshSession) Fingerprint() string {
	return string(s.client.ServerVersion())
}

// Close tears the session down, best effort
func (s *sshSession) Close() error {
	s.closed.Store(true)
	if s.sess != nil {
		_ = s.sess.Close()
	}
	return s.client.Close()
}
