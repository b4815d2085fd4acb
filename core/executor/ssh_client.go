package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig configures SSH access to cluster login nodes
type SSHConfig struct {
	User                  string
	PrivateKeyFile        string
	PrivateKey            []byte // Takes precedence over PrivateKeyFile
	Passphrase            string
	Password              string
	KnownHostsFile        string
	InsecureIgnoreHostKey bool
	Port                  int
	Timeout               time.Duration
}

// CommandResult is the captured outcome of a remote command
type CommandResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Commander runs shell commands on a remote host. A returned error means the
// command could not be run; a non-zero exit is reported in CommandResult.
type Commander interface {
	Run(ctx context.Context, host, command string, stdin io.Reader) (CommandResult, error)
}

// SSHClient handles SSH connections to remote hosts, reusing one connection per host
type SSHClient struct {
	config *ssh.ClientConfig
	port   int
	log    *zap.Logger

	mu    sync.Mutex
	conns map[string]*ssh.Client
}

// NewSSHClient creates a new SSH client
func NewSSHClient(cfg SSHConfig, log *zap.Logger) (*SSHClient, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}

	var auth []ssh.AuthMethod
	key := cfg.PrivateKey
	if len(key) == 0 && cfg.PrivateKeyFile != "" {
		var err error
		key, err = os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
	}
	if len(key) > 0 {
		var signer ssh.Signer
		var err error
		if cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("ssh requires a private key or password")
	}

	var hostKey ssh.HostKeyCallback
	switch {
	case cfg.KnownHostsFile != "":
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		hostKey = cb
	case cfg.InsecureIgnoreHostKey:
		hostKey = ssh.InsecureIgnoreHostKey()
	default:
		return nil, fmt.Errorf("ssh requires known_hosts or insecure_ignore_host_key")
	}

	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &SSHClient{
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            auth,
			HostKeyCallback: hostKey,
			Timeout:         cfg.Timeout,
		},
		port:  cfg.Port,
		log:   log.Named("ssh"),
		conns: make(map[string]*ssh.Client),
	}, nil
}

// Run executes a command on host, feeding stdin if non-nil
func (sc *SSHClient) Run(ctx context.Context, host, command string, stdin io.Reader) (CommandResult, error) {
	var stdout, stderr bytes.Buffer
	code, err := sc.run(ctx, host, command, stdin, &stdout, &stderr)
	return CommandResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: code}, err
}

// ExecuteCommand executes a command and returns its stdout; a non-zero exit is an error
func (sc *SSHClient) ExecuteCommand(ctx context.Context, host string, command string) (string, error) {
	res, err := sc.Run(ctx, host, command, nil)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &ExitError{Host: host, Command: command, Code: res.ExitCode, Stderr: string(res.Stderr)}
	}
	return string(res.Stdout), nil
}

// ExecuteCommandStream executes a command and streams its combined output
func (sc *SSHClient) ExecuteCommandStream(ctx context.Context, host string, command string, outputWriter io.Writer) error {
	code, err := sc.run(ctx, host, command, nil, outputWriter, outputWriter)
	if err != nil {
		return err
	}
	if code != 0 {
		return &ExitError{Host: host, Command: command, Code: code}
	}
	return nil
}

// TestConnection tests SSH connectivity to a host
func (sc *SSHClient) TestConnection(ctx context.Context, host string) error {
	_, err := sc.ExecuteCommand(ctx, host, "true")
	return err
}

// Close closes every cached connection
func (sc *SSHClient) Close() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	var errs []error
	for host, c := range sc.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(sc.conns, host)
	}
	return errors.Join(errs...)
}

func (sc *SSHClient) run(ctx context.Context, host, command string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	client, err := sc.client(ctx, host)
	if err != nil {
		return -1, err
	}

	session, err := client.NewSession()
	if err != nil {
		// The cached connection is likely dead; the next call redials
		sc.drop(host, client)
		return -1, fmt.Errorf("failed to open session on %s: %w", host, err)
	}
	defer session.Close()

	session.Stdin = stdin
	session.Stdout = stdout
	session.Stderr = stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return -1, ctx.Err()
	case err := <-done:
		if err == nil {
			return 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, fmt.Errorf("command failed on %s: %w", host, err)
	}
}

func (sc *SSHClient) client(ctx context.Context, host string) (*ssh.Client, error) {
	sc.mu.Lock()
	if c, ok := sc.conns[host]; ok {
		sc.mu.Unlock()
		return c, nil
	}
	sc.mu.Unlock()

	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, strconv.Itoa(sc.port))
	}

	dialer := net.Dialer{Timeout: sc.config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sc.config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if existing, ok := sc.conns[host]; ok {
		_ = client.Close()
		return existing, nil
	}
	sc.conns[host] = client
	sc.log.Debug("connected", zap.String("host", addr), zap.String("user", sc.config.User))
	return client, nil
}

func (sc *SSHClient) drop(host string, c *ssh.Client) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.conns[host] == c {
		delete(sc.conns, host)
	}
	_ = c.Close()
}

// ExitError reports a remote command that exited unsuccessfully
type ExitError struct {
	Host    string
	Command string
	Code    int
	Stderr  string
}

// Error implements the error interface
func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command on %s exited with status %d: %s", e.Host, e.Code, e.Stderr)
	}
	return fmt.Sprintf("command on %s exited with status %d", e.Host, e.Code)
}

var _ Commander = (*SSHClient)(nil)
