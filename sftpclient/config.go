package sftpclient

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// AuthMethod represents the SSH authentication method to use.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication.
	AuthMethodPassword AuthMethod = "password"
	// AuthMethodPrivateKey uses SSH private key authentication.
	AuthMethodPrivateKey AuthMethod = "private_key"
	// AuthMethodCertificate uses SSH certificate authentication.
	AuthMethodCertificate AuthMethod = "certificate"
	// AuthMethodAgent uses the keys held by a running ssh-agent.
	AuthMethodAgent AuthMethod = "agent"
)

const (
	// DefaultChunkSize is the number of bytes moved per WRITE or READ request.
	DefaultChunkSize = 32 * 1024

	// MaxChunkSize is the largest chunk that still fits in one SFTP data packet.
	MaxChunkSize = 32 * 1024

	defaultPort              = 22
	defaultTimeout           = 30 * time.Second
	defaultCloseTimeout      = 10 * time.Second
	defaultKeepaliveInterval = 30 * time.Second
)

// Config holds the endpoint, credentials and tuning for one Client.
type Config struct {
	// Host is the SFTP server hostname or IP address.
	Host string

	// Port is the SSH port (default 22).
	Port int

	// User is the SSH username.
	User string

	// AuthMethod specifies which authentication method to use.
	// If not set, it is inferred from the provided credentials.
	AuthMethod AuthMethod

	// Password is the SSH password for password authentication.
	Password string

	// PrivateKey is the SSH private key content (PEM encoded).
	PrivateKey string

	// KeyPath is the path to the SSH private key file.
	KeyPath string

	// Certificate is the SSH certificate content.
	Certificate string

	// CertificatePath is the path to the SSH certificate file.
	CertificatePath string

	// AgentSocket is the ssh-agent socket for agent authentication.
	// If not set, SSH_AUTH_SOCK is used.
	AgentSocket string

	// KnownHostsFile is the path to a known_hosts file for host key verification.
	// If not set, defaults to ~/.ssh/known_hosts if it exists.
	KnownHostsFile string

	// InsecureIgnoreHostKey skips host key verification.
	InsecureIgnoreHostKey bool

	// Timeout bounds dial, SSH handshake and subsystem negotiation (default 30s).
	Timeout time.Duration

	// ChunkSize is the transfer chunk size in bytes (default and max 32 KiB).
	ChunkSize int

	// OperationTimeout is applied to every operation on top of the caller's
	// context. Zero leaves the caller's deadline alone.
	OperationTimeout time.Duration

	// CloseTimeout bounds how long Close waits for a running operation and
	// how long best-effort cleanup requests may take (default 10s).
	CloseTimeout time.Duration

	// KeepaliveInterval is the period of session health checks (default 30s).
	// A negative value disables them.
	KeepaliveInterval time.Duration

	// Reconnect controls the automatic session reconnect after a connection
	// error. The zero value means DefaultRetryConfig.
	Reconnect *RetryConfig
}

// WithDefaults returns a copy of the config with default values applied.
func (c Config) WithDefaults() Config {
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkSize > MaxChunkSize {
		c.ChunkSize = MaxChunkSize
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = defaultCloseTimeout
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = defaultKeepaliveInterval
	}
	if c.Reconnect == nil {
		rc := DefaultRetryConfig()
		c.Reconnect = &rc
	}
	return c
}

// Address returns the host:port pair to dial.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Endpoint returns a credential-free descriptor such as "user@host:22".
func (c Config) Endpoint() string {
	return fmt.Sprintf("%s@%s", c.User, c.Address())
}
