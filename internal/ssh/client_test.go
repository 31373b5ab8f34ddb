package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/ivasilyev/matryoshka/internal/errors"
	"github.com/ivasilyev/matryoshka/internal/target"
)

// startServer runs an in-process SSH server accepting user "alice" with
// password or any of the authorized keys, and answering every exec request
// with "ran: <command>" on stdout and a line on stderr.
func startServer(t *testing.T, password string, authorized ...ssh.PublicKey) target.Node {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "alice" && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			for _, k := range authorized {
				if c.User() == "alice" && bytes.Equal(k.Marshal(), key.Marshal()) {
					return nil, nil
				}
			}
			return nil, fmt.Errorf("key rejected for %q", c.User())
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

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return target.Node{Host: host, Port: port}
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig) {
	defer conn.Close()

	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				_ = ssh.Unmarshal(req.Payload, &payload)
				_ = req.Reply(true, nil)
				fmt.Fprintf(ch, "ran: %s\n", payload.Command)
				fmt.Fprint(ch.Stderr(), "from stderr\n")
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
				return
			}
		}()
	}
}

// isolateKeys hides the agent and points HOME at an empty directory, which
// it returns
func isolateKeys(t *testing.T) string {
	t.Setenv("SSH_AUTH_SOCK", "")
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

// installKey writes a fresh unencrypted ed25519 identity to home/.ssh
func installKey(t *testing.T, home string) ssh.PublicKey {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	dir := filepath.Join(home, ".ssh")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "id_ed25519"), pem.EncodeToMemory(block), 0o600))

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return sshPub
}

func TestSSHDialer_PasswordSession(t *testing.T) {
	isolateKeys(t)
	node := startServer(t, "s3cret")
	node.User, node.Password = "alice", "s3cret"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	session, strategy, err := Connect(ctx, NewDialer(5*time.Second), node)
	require.NoError(t, err)
	defer session.Close()

	assert.Equal(t, "password", strategy)

	out, err := session.Run("cd /tmp; nohup nice -n 19 matryoshka unit u.yaml")
	require.NoError(t, err)
	assert.Contains(t, string(out), "ran: cd /tmp; nohup nice -n 19 matryoshka unit u.yaml\n")
	assert.Contains(t, string(out), "from stderr\n")
}

func TestSSHDialer_RunCollectsBothStreams(t *testing.T) {
	isolateKeys(t)
	node := startServer(t, "pw")
	node.User, node.Password = "alice", "pw"

	session, _, err := Connect(context.Background(), NewDialer(5*time.Second), node)
	require.NoError(t, err)
	defer session.Close()

	for i := 0; i < 20; i++ {
		command := fmt.Sprintf("step %d", i)
		out, err := session.Run(command)
		require.NoError(t, err)
		assert.Len(t, out, len("ran: "+command+"\n")+len("from stderr\n"))
		assert.Contains(t, string(out), "ran: "+command+"\n")
		assert.Contains(t, string(out), "from stderr\n")
	}
}

func TestSSHDialer_RejectedPasswordFallsBackToKey(t *testing.T) {
	home := isolateKeys(t)
	key := installKey(t, home)
	node := startServer(t, "right", key)
	node.User, node.Password = "alice", "wrong"

	var rejected []string
	session, strategy, err := ConnectWith(context.Background(), NewDialer(5*time.Second), node, Strategies,
		func(s string, err error) { rejected = append(rejected, s) })
	require.NoError(t, err)
	defer session.Close()

	assert.Equal(t, "user-only", strategy)
	assert.Equal(t, []string{"password"}, rejected)

	out, err := session.Run("hostname")
	require.NoError(t, err)
	assert.Contains(t, string(out), "ran: hostname")
}

func TestSSHDialer_StartDoesNotWait(t *testing.T) {
	isolateKeys(t)
	node := startServer(t, "pw")
	node.User, node.Password = "alice", "pw"

	session, _, err := Connect(context.Background(), NewDialer(5*time.Second), node)
	require.NoError(t, err)

	assert.NoError(t, session.Start("anything"))
	assert.NoError(t, session.Close())
	assert.NoError(t, session.Close(), "second close is a no-op")
}

func TestSSHDialer_WrongPasswordExhaustsStrategies(t *testing.T) {
	isolateKeys(t)
	node := startServer(t, "right")
	node.User, node.Password = "alice", "wrong"

	err := Probe(context.Background(), NewDialer(5*time.Second), node)

	require.Error(t, err)
	assert.Equal(t, errors.AuthenticationErrorType, errors.TypeOf(err))
}

func TestSSHDialer_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	err = Probe(context.Background(), NewDialer(2*time.Second), target.Node{Host: "127.0.0.1", Port: addr.Port})

	require.Error(t, err)
	assert.Equal(t, errors.ConnectionErrorType, errors.TypeOf(err))
}
