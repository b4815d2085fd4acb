package executor

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// startServer runs a minimal SSH server that understands a few fixed commands
func startServer(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == "secret" {
				return nil, nil
			}
			return nil, fmt.Errorf("denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, cfg)
		}
	}()
	return ln.Addr().String(), signer.PublicKey()
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go serveSession(ch, requests)
	}
}

func serveSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		_ = ssh.Unmarshal(req.Payload, &payload)
		_ = req.Reply(true, nil)

		code := 0
		switch {
		case payload.Command == "true":
		case strings.HasPrefix(payload.Command, "echo "):
			fmt.Fprintln(ch, strings.TrimPrefix(payload.Command, "echo "))
		case payload.Command == "cat":
			data, _ := io.ReadAll(ch)
			_, _ = ch.Write(data)
		default:
			fmt.Fprintln(ch.Stderr(), "boom")
			code = 3
		}
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
		return
	}
}

func newTestClient(t *testing.T, key ssh.PublicKey, addr string) *SSHClient {
	t.Helper()
	hosts := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(hosts, []byte(knownhosts.Line([]string{addr}, key)+"\n"), 0o600))

	c, err := NewSSHClient(SSHConfig{User: "hpc", Password: "secret", KnownHostsFile: hosts}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSSHClientRun(t *testing.T) {
	addr, key := startServer(t)
	c := newTestClient(t, key, addr)
	ctx := context.Background()

	require.NoError(t, c.TestConnection(ctx, addr))

	out, err := c.ExecuteCommand(ctx, addr, "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	res, err := c.Run(ctx, addr, "cat", strings.NewReader("piped input"))
	require.NoError(t, err)
	assert.Equal(t, "piped input", string(res.Stdout))

	res, err = c.Run(ctx, addr, "explode", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "boom\n", string(res.Stderr))

	_, err = c.ExecuteCommand(ctx, addr, "explode")
	code, ok := IsExit(err)
	require.True(t, ok)
	assert.Equal(t, 3, code)

	var sb strings.Builder
	require.NoError(t, c.ExecuteCommandStream(ctx, addr, "echo streamed", &sb))
	assert.Equal(t, "streamed\n", sb.String())
}

func TestSSHClientRejectsUnknownHostKey(t *testing.T) {
	addr, _ := startServer(t)
	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherSigner, err := ssh.NewSignerFromKey(other)
	require.NoError(t, err)

	c := newTestClient(t, otherSigner.PublicKey(), addr)
	_, err = c.Run(context.Background(), addr, "true", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshake")
}

func TestNewSSHClientConfigErrors(t *testing.T) {
	_, err := NewSSHClient(SSHConfig{Password: "x", InsecureIgnoreHostKey: true}, nil)
	assert.Error(t, err)

	_, err = NewSSHClient(SSHConfig{User: "hpc", InsecureIgnoreHostKey: true}, nil)
	assert.Error(t, err)

	_, err = NewSSHClient(SSHConfig{User: "hpc", Password: "x"}, nil)
	assert.Error(t, err)

	_, err = NewSSHClient(SSHConfig{User: "hpc", PrivateKey: []byte("not a key"), InsecureIgnoreHostKey: true}, nil)
	assert.Error(t, err)
}
