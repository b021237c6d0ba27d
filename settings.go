package xk6sftp

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/darshan-rambhia/xk6-sftp/sftpclient"
)

const envPrefix = "K6_SFTP"

// Settings tunes every client created by a test run. Values come from
// K6_SFTP_* environment variables.
type Settings struct {
	Timeout               time.Duration `envconfig:"TIMEOUT" default:"5s"`
	ChunkSize             int           `envconfig:"CHUNK_SIZE" default:"32768"`
	OperationTimeout      time.Duration `envconfig:"OPERATION_TIMEOUT" default:"0s"`
	CloseTimeout          time.Duration `envconfig:"CLOSE_TIMEOUT" default:"10s"`
	KeepaliveInterval     time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	KnownHosts            string        `envconfig:"KNOWN_HOSTS" default:""`
	InsecureIgnoreHostKey bool          `envconfig:"INSECURE_IGNORE_HOST_KEY" default:"true"`
	MaxReconnects         int           `envconfig:"MAX_RECONNECTS" default:"1"`
}

// LoadSettings reads Settings from the environment.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to load %s settings: %w", envPrefix, err)
	}
	if s.MaxReconnects < 0 {
		return Settings{}, fmt.Errorf("%s_MAX_RECONNECTS must not be negative, got %d", envPrefix, s.MaxReconnects)
	}
	return s, nil
}

// clientConfig builds the core config for one password-authenticated endpoint.
func (s Settings) clientConfig(user, password, host string, port int) sftpclient.Config {
	reconnect := sftpclient.DefaultRetryConfig()
	reconnect.MaxRetries = s.MaxReconnects

	return sftpclient.Config{
		Host:                  host,
		Port:                  port,
		User:                  user,
		AuthMethod:            sftpclient.AuthMethodPassword,
		Password:              password,
		KnownHostsFile:        s.KnownHosts,
		InsecureIgnoreHostKey: s.InsecureIgnoreHostKey && s.KnownHosts == "",
		Timeout:               s.Timeout,
		ChunkSize:             s.ChunkSize,
		OperationTimeout:      s.OperationTimeout,
		CloseTimeout:          s.CloseTimeout,
		KeepaliveInterval:     s.KeepaliveInterval,
		Reconnect:             &reconnect,
	}
}
