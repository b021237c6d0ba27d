package sftpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Dialer establishes the secure channel a Session runs on.
type Dialer interface {
	Dial(ctx context.Context, config Config) (*Channel, error)
}

// Channel is a full-duplex byte stream carrying SFTP packets. Writes are
// serialized so concurrent senders never interleave partial frames; reads
// are left to the single receive loop of the session.
type Channel struct {
	r         io.Reader
	w         io.Writer
	closer    io.Closer
	keepalive func() error

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewChannel builds a Channel from a reader/writer pair. closer, when non-nil,
// is closed together with w.
func NewChannel(r io.Reader, w io.Writer, closer io.Closer) *Channel {
	return &Channel{r: r, w: w, closer: closer}
}

func (c *Channel) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *Channel) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.w.Write(p)
}

// Keepalive pings the underlying connection. Channels without a keepalive
// function always report healthy.
func (c *Channel) Keepalive() error {
	if c.keepalive == nil {
		return nil
	}
	return c.keepalive()
}

// Close releases the channel. Only the first call does any work.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		var err error
		if wc, ok := c.w.(io.Closer); ok {
			err = multierr.Append(err, ignoreClosed(wc.Close()))
		}
		if c.closer != nil {
			err = multierr.Append(err, ignoreClosed(c.closer.Close()))
		}
		c.closeErr = err
	})
	return c.closeErr
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// SSHDialer dials SSH servers and opens the sftp subsystem.
type SSHDialer struct {
	Log logrus.FieldLogger
}

var _ Dialer = (*SSHDialer)(nil)

// Dial connects, authenticates and negotiates the sftp subsystem. The whole
// exchange is bounded by config.Timeout and ctx.
func (d *SSHDialer) Dial(ctx context.Context, config Config) (*Channel, error) {
	config = config.WithDefaults()
	log := d.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	authMethods, release, err := buildAuthMethods(config)
	if err != nil {
		return nil, newError(KindAuthentication, "dial", config.Address(), err)
	}
	defer release()
	if len(authMethods) == 0 {
		return nil, newError(KindAuthentication, "dial", config.Address(), fmt.Errorf("no SSH authentication method configured"))
	}

	hostKeyCallback, err := buildHostKeyCallback(config, log)
	if err != nil {
		return nil, newError(KindAuthentication, "dial", config.Address(), fmt.Errorf("failed to configure host key verification: %w", err))
	}

	sshConfig := &ssh.ClientConfig{
		User:            config.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.Timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()

	addr := config.Address()
	var nd net.Dialer
	conn, err := nd.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, dialError(dialCtx, addr, fmt.Errorf("failed to connect to %s: %w", addr, err))
	}

	deadline, _ := dialCtx.Deadline()
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(dialCtx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	ch, err := openSubsystem(conn, addr, sshConfig)
	stop()
	if err != nil {
		conn.Close()
		return nil, dialError(dialCtx, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ch, nil
}

func openSubsystem(conn net.Conn, addr string, sshConfig *ssh.ClientConfig) (*Channel, error) {
	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(ncc, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to open SSH session: %w", err)
	}

	w, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("failed to open session stdin: %w", err)
	}
	r, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("failed to open session stdout: %w", err)
	}

	if err := session.RequestSubsystem("sftp"); err != nil {
		session.Close()
		client.Close()
		return nil, newError(KindProtocol, "subsystem", addr, err)
	}

	ch := NewChannel(r, w, closers{session, client})
	ch.keepalive = func() error {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		return err
	}
	return ch, nil
}

func dialError(ctx context.Context, addr string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	kind := Classify(err)
	if ctx.Err() != nil && kind != KindAuthentication {
		kind = KindTimeout
	}
	if kind != KindAuthentication && kind != KindTimeout && kind != KindProtocol {
		kind = KindConnection
	}
	return newError(kind, "dial", addr, err)
}

// closers closes every element, collecting errors.
type closers []io.Closer

func (cs closers) Close() error {
	var err error
	for _, c := range cs {
		err = multierr.Append(err, ignoreClosed(c.Close()))
	}
	return err
}

func buildHostKeyCallback(config Config, log logrus.FieldLogger) (ssh.HostKeyCallback, error) {
	if config.InsecureIgnoreHostKey {
		log.WithField("endpoint", config.Address()).Warn("SSH host key verification disabled - this is insecure!")
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if config.KnownHostsFile != "" {
		expandedPath := ExpandPath(config.KnownHostsFile)
		callback, err := knownhosts.New(expandedPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts file %s: %w", expandedPath, err)
		}
		return callback, nil
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		defaultKnownHosts := filepath.Join(homeDir, ".ssh", "known_hosts")
		if _, err := os.Stat(defaultKnownHosts); err == nil {
			callback, err := knownhosts.New(defaultKnownHosts)
			if err == nil {
				return callback, nil
			}
			log.WithError(err).Warnf("could not parse known_hosts file %s", defaultKnownHosts)
		}
	}

	log.WithField("endpoint", config.Address()).Warn("no known_hosts file found - host key verification disabled")
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		return nil
	}, nil
}

// buildAuthMethods returns the SSH auth methods for config and a release
// func to call once the handshake is over.
func buildAuthMethods(config Config) ([]ssh.AuthMethod, func(), error) {
	var authMethods []ssh.AuthMethod
	release := func() {}

	authMethod := config.AuthMethod
	if authMethod == "" {
		authMethod = inferAuthMethod(config)
	}

	switch authMethod {
	case AuthMethodPassword:
		if config.Password == "" {
			return nil, release, fmt.Errorf("password authentication requires password to be set")
		}
		authMethods = append(authMethods,
			ssh.Password(config.Password),
			ssh.KeyboardInteractive(passwordChallenge(config.Password)),
		)

	case AuthMethodCertificate:
		certAuth, err := buildCertificateAuth(config)
		if err != nil {
			return nil, release, fmt.Errorf("certificate authentication failed: %w", err)
		}
		authMethods = append(authMethods, certAuth)

	case AuthMethodPrivateKey:
		keyAuth, err := buildPrivateKeyAuth(config)
		if err != nil {
			return nil, release, err
		}
		authMethods = append(authMethods, keyAuth)

	case AuthMethodAgent:
		socket := config.AgentSocket
		if socket == "" {
			socket = os.Getenv("SSH_AUTH_SOCK")
		}
		if socket == "" {
			return nil, release, fmt.Errorf("agent authentication requires SSH_AUTH_SOCK or agent_socket to be set")
		}
		a := &agentAuth{socket: socket}
		authMethods = append(authMethods, ssh.PublicKeysCallback(a.signers))
		release = a.close

	default:
		return nil, release, fmt.Errorf("unknown authentication method %q", authMethod)
	}

	return authMethods, release, nil
}

// agentAuth signs with the keys held by an ssh-agent. The agent socket is
// dialled on first use and stays open until close.
type agentAuth struct {
	socket string

	mu   sync.Mutex
	conn net.Conn
}

func (a *agentAuth) signers() ([]ssh.Signer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.conn == nil {
		conn, err := net.Dial("unix", a.socket)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ssh-agent at %s: %w", a.socket, err)
		}
		a.conn = conn
	}

	signers, err := agent.NewClient(a.conn).Signers()
	if err != nil {
		return nil, fmt.Errorf("failed to list ssh-agent keys: %w", err)
	}
	return signers, nil
}

func (a *agentAuth) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

// passwordChallenge answers keyboard-interactive prompts with the password,
// which some servers require instead of the plain password method.
func passwordChallenge(password string) ssh.KeyboardInteractiveChallenge {
	return func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = password
		}
		return answers, nil
	}
}

func inferAuthMethod(config Config) AuthMethod {
	if config.Password != "" {
		return AuthMethodPassword
	}
	if config.Certificate != "" || config.CertificatePath != "" {
		return AuthMethodCertificate
	}
	if config.PrivateKey == "" && config.KeyPath == "" && config.AgentSocket != "" {
		return AuthMethodAgent
	}
	return AuthMethodPrivateKey
}

func readKey(config Config) ([]byte, error) {
	if config.PrivateKey != "" {
		return []byte(config.PrivateKey), nil
	}
	if config.KeyPath != "" {
		keyData, err := os.ReadFile(ExpandPath(config.KeyPath))
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key file: %w", err)
		}
		return keyData, nil
	}
	return nil, fmt.Errorf("no SSH private key provided (set private_key or key_path)")
}

func buildPrivateKeyAuth(config Config) (ssh.AuthMethod, error) {
	keyData, err := readKey(config)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH private key: %w", err)
	}

	return ssh.PublicKeys(signer), nil
}

func buildCertificateAuth(config Config) (ssh.AuthMethod, error) {
	keyData, err := readKey(config)
	if err != nil {
		return nil, fmt.Errorf("certificate auth requires private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	var certData []byte
	if config.Certificate != "" {
		certData = []byte(config.Certificate)
	} else if config.CertificatePath != "" {
		certData, err = os.ReadFile(ExpandPath(config.CertificatePath))
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate file: %w", err)
		}
	} else {
		return nil, fmt.Errorf("certificate auth requires certificate")
	}

	pubKey, _, _, _, err := ssh.ParseAuthorizedKey(certData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	cert, ok := pubKey.(*ssh.Certificate)
	if !ok {
		return nil, fmt.Errorf("provided file is not an SSH certificate")
	}

	certSigner, err := ssh.NewCertSigner(cert, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate signer: %w", err)
	}

	return ssh.PublicKeys(certSigner), nil
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
