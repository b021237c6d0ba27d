// Package xk6sftp registers the k6/x/sftp extension, which lets k6 scripts
// upload, download, delete and stat files on an SFTP server.
package xk6sftp

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"go.k6.io/k6/js/modules"
	"go.k6.io/k6/lib"

	"github.com/darshan-rambhia/xk6-sftp/sftpclient"
)

func init() {
	modules.Register("k6/x/sftp", New())
}

type (
	// RootModule is shared by all VUs. It owns the registry of open clients
	// and the settings read from the environment.
	RootModule struct {
		registry *sftpclient.Registry

		settingsOnce sync.Once
		settings     Settings
		settingsErr  error
	}

	// ModuleInstance is the per-VU view of the module.
	ModuleInstance struct {
		vu      vuContext
		root    *RootModule
		metrics *sftpMetrics
		log     logrus.FieldLogger
	}

	// vuContext is the part of modules.VU the extension depends on.
	vuContext interface {
		Context() context.Context
		State() *lib.State
	}

	// Stats describes the clients still open across all VUs.
	Stats struct {
		Total     int            `js:"total"`
		Connected int            `js:"connected"`
		Endpoints map[string]int `js:"endpoints"`
	}
)

var (
	_ modules.Module   = &RootModule{}
	_ modules.Instance = &ModuleInstance{}
)

// New returns the root module.
func New() *RootModule {
	return &RootModule{registry: sftpclient.NewRegistry()}
}

func (r *RootModule) loadSettings() (Settings, error) {
	r.settingsOnce.Do(func() {
		r.settings, r.settingsErr = LoadSettings()
	})
	return r.settings, r.settingsErr
}

// NewModuleInstance implements modules.Module.
func (r *RootModule) NewModuleInstance(vu modules.VU) modules.Instance {
	mi := &ModuleInstance{vu: vu, root: r, log: logrus.StandardLogger()}
	if env := vu.InitEnv(); env != nil {
		if env.Registry != nil {
			mi.metrics = registerMetrics(env.Registry)
		}
		if env.Logger != nil {
			mi.log = env.Logger
		}
	}
	mi.log = mi.log.WithField("module", "sftp")
	return mi
}

// Exports implements modules.Instance.
func (mi *ModuleInstance) Exports() modules.Exports {
	return modules.Exports{Default: mi}
}

// NewClient connects to host:port with password authentication and returns a
// client owned by the calling VU. Connection, authentication and timeout
// failures are returned as errors, which k6 raises as exceptions.
func (mi *ModuleInstance) NewClient(user, password, host string, port int) (*Client, error) {
	settings, err := mi.root.loadSettings()
	if err != nil {
		return nil, err
	}

	config := settings.clientConfig(user, password, host, port)
	ctx, cancel := context.WithTimeout(vuCtx(mi.vu), config.WithDefaults().Timeout)
	defer cancel()

	c, err := sftpclient.Dial(ctx, config,
		sftpclient.WithLogger(mi.log),
		sftpclient.WithRegistry(mi.root.registry),
	)
	if err != nil {
		mi.log.WithError(err).Errorf("failed to connect to %s", config.Endpoint())
		return nil, err
	}

	return &Client{client: c, vu: mi.vu, metrics: mi.metrics, log: mi.log}, nil
}

// CloseAll closes every client still open, typically from teardown. Failures
// are logged, never thrown.
func (mi *ModuleInstance) CloseAll() {
	if err := mi.root.registry.CloseAll(); err != nil {
		mi.log.WithError(err).Warn("failed to close some sftp clients")
	}
}

// Stats reports the clients still open across all VUs.
func (mi *ModuleInstance) Stats() Stats {
	s := mi.root.registry.Stats()
	return Stats{Total: s.Total, Connected: s.Connected, Endpoints: s.Endpoints}
}

func vuCtx(vu vuContext) context.Context {
	if ctx := vu.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
