package ssh

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/ivasilyev/matryoshka/internal/errors"
	"github.com/ivasilyev/matryoshka/internal/target"
)

// DefaultTimeout bounds TCP connect and SSH handshake
const DefaultTimeout = 30 * time.Second

// Credentials are what one authentication attempt presents to the server
type Credentials struct {
	User     string // Login name sent to the server
	Password string // Offered through password and keyboard-interactive auth; keys are not offered when set
}

// Session is an authenticated connection able to run commands
type Session interface {
	// Run executes command and returns its combined stdout and stderr
	Run(command string) ([]byte, error)

	// Start executes command without waiting for it to finish
	Start(command string) error

	// Close terminates the connection
	Close() error
}

// Dialer opens sessions to nodes
type Dialer interface {
	Dial(ctx context.Context, node target.Node, creds Credentials) (Session, error)
}

// SSHDialer implements Dialer using golang.org/x/crypto/ssh. Every host key
// is accepted. Credentials without a password authenticate with the SSH agent
// when SSH_AUTH_SOCK is set and unencrypted default identities in ~/.ssh.
type SSHDialer struct {
	Timeout time.Duration
}

// NewDialer creates a dialer with the given connect timeout (DefaultTimeout when zero)
func NewDialer(timeout time.Duration) *SSHDialer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SSHDialer{Timeout: timeout}
}

// Dial establishes an SSH connection to the node with creds
func (d *SSHDialer) Dial(ctx context.Context, node target.Node, creds Credentials) (Session, error) {
	auth, closeAgent := authMethods(creds)
	defer closeAgent()

	config := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.Timeout,
	}

	address := node.Address()
	dialer := &net.Dialer{Timeout: d.Timeout}

	netConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.NewConnectionError(fmt.Sprintf("failed to connect to %s", address), err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	} else {
		_ = netConn.SetDeadline(time.Now().Add(d.Timeout))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		return nil, errors.ClassifyError(fmt.Errorf("SSH handshake failed for %s: %w", address, err))
	}

	// the handshake deadline must not cut long-running sessions
	_ = netConn.SetDeadline(time.Time{})

	return &clientSession{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// authMethods returns the methods for creds and a func releasing the agent
// connection. A password attempt offers the password alone, so a rejected
// password falls through to the key-only strategies.
func authMethods(creds Credentials) ([]ssh.AuthMethod, func()) {
	var methods []ssh.AuthMethod
	closer := func() {}

	if creds.Password != "" {
		password := creds.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
		return methods, closer
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			closer = func() { conn.Close() }
		}
	}

	if signers := defaultSigners(); len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	return methods, closer
}

// defaultSigners loads the unencrypted default identities from ~/.ssh
func defaultSigners() []ssh.Signer {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}

	var signers []ssh.Signer
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		keyBytes, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			continue
		}
		signers = append(signers, signer)
	}
	return signers
}

// clientSession implements Session over an *ssh.Client
type clientSession struct {
	client *ssh.Client
}

// Run executes command and returns its combined output
func (s *clientSession) Run(command string) ([]byte, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return nil, errors.NewConnectionError("failed to create session", err)
	}
	defer session.Close()

	return session.CombinedOutput(command)
}

// Start executes command and returns once the server accepted it
func (s *clientSession) Start(command string) error {
	session, err := s.client.NewSession()
	if err != nil {
		return errors.NewConnectionError("failed to create session", err)
	}
	if err := session.Start(command); err != nil {
		session.Close()
		return err
	}
	return nil
}

// Close terminates the SSH connection
func (s *clientSession) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
