package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/scitix/netpulse/pkg/types"
)

// SFTPArgs are the connection args of the sftp driver
type SFTPArgs struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	TimeoutSeconds int    `json:"timeout"`
}

func (a *SFTPArgs) addr() string {
	port := a.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(a.Host, fmt.Sprintf("%d", port))
}

// sftpDriver drives Linux hosts: exec-style reads over SSH and file
// transfer pushes over SFTP. Long transfers would starve a pinned
// queue, so sessions are never reused.
type sftpDriver struct{}

func init() {
	Register(&sftpDriver{})
}

func (d *sftpDriver) Name() string   { return "sftp" }
func (d *sftpDriver) Reusable() bool { return false }

func (d *sftpDriver) KeepaliveInterval(json.RawMessage) time.Duration { return 0 }

func (d *sftpDriver) ArgsSignature(args json.RawMessage) (string, error) {
	return signature(args)
}

// Connect opens the SSH transport and an SFTP subsystem client on it
func (d *sftpDriver) Connect(ctx context.Context, args json.RawMessage) (Session, error) {
	var a SFTPArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, types.NewError(types.ErrKindValidation, "invalid sftp connection args: %v", err)
	}
	if a.Host == "" {
		return nil, types.NewError(types.ErrKindValidation, "sftp connection args missing host")
	}

	timeout := 15 * time.Second
	if a.TimeoutSeconds > 0 {
		timeout = time.Duration(a.TimeoutSeconds) * time.Second
	}

	cfg := &ssh.ClientConfig{
		User:            a.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(a.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	client, err := dialContext(ctx, a.addr(), cfg)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, types.WrapError(types.ErrKindAuthFailed, err)
		}
		return nil, types.WrapError(types.ErrKindConnectFailed, err)
	}

	ftp, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, types.WrapError(types.ErrKindConnectFailed, err)
	}

	return &sftpSession{client: client, ftp: ftp}, nil
}

type sftpSession struct {
	client *ssh.Client
	ftp    *sftp.Client
}

// Send runs each command in its own exec session
func (s *sftpSession) Send(ctx context.Context, commands []string) (*Result, error) {
	result := &Result{Output: make(map[string]string, len(commands))}
	for _, cmd := range commands {
		out, err := s.exec(ctx, cmd)
		result.Output[cmd] = out
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

func (s *sftpSession) exec(ctx context.Context, command string) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", types.WrapError(types.ErrKindConnectFailed, err)
	}
	defer sess.Close()

	type execResult struct {
		out []byte
		err error
	}
	done := make(chan execResult, 1)
	go func() {
		out, err := sess.CombinedOutput(command)
		done <- execResult{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return string(r.out), types.NewError(types.ErrKindCommandFailed, "%q failed: %v", command, r.err)
		}
		return string(r.out), nil
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	}
}

// Config treats each line as a "local:remote" transfer spec and uploads
// the files over SFTP
func (s *sftpSession) Config(ctx context.Context, lines []string) (*Result, error) {
	result := &Result{Output: make(map[string]string, len(lines))}
	for _, line := range lines {
		local, remote, found := strings.Cut(line, ":")
		if !found {
			return result, types.NewError(types.ErrKindValidation, "sftp config line %q is not local:remote", line)
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		n, err := s.upload(local, remote)
		if err != nil {
			result.Output[line] = err.Error()
			return result, types.WrapError(types.ErrKindCommandFailed, err)
		}
		result.Output[line] = fmt.Sprintf("uploaded %d bytes", n)
	}
	return result, nil
}

func (s *sftpSession) upload(local, remote string) (int64, error) {
	src, err := os.Open(local)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", local, err)
	}
	defer src.Close()

	if dir := filepath.Dir(remote); dir != "." && dir != "/" {
		_ = s.ftp.MkdirAll(dir)
	}
	dst, err := s.ftp.Create(remote)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", remote, err)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return n, fmt.Errorf("failed to upload %s: %w", remote, err)
	}
	return n, nil
}

// IsAlive probes the SFTP channel with a cheap working-directory lookup
func (s *sftpSession) IsAlive() bool {
	_, err := s.ftp.Getwd()
	return err == nil
}

// Keepalive reuses the liveness probe; sessions are short-lived anyway
func (s *sftpSession) Keepalive(ctx context.Context) error {
	if !s.IsAlive() {
		return fmt.Errorf("sftp channel is dead")
	}
	return nil
}

// Fingerprint returns the remote SSH banner
func (s *sftpSession) Fingerprint() string {
	return string(s.client.ServerVersion())
}

// Close releases the SFTP channel and the transport
func (s *sftpSession) Close() error {
	_ = s.ftp.Close()
	return s.client.Close()
}
