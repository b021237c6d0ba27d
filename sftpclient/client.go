package sftpclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a Client.
type State int32

const (
	StateCreated State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StateCallback is called after a Client changes state.
type StateCallback func(from, to State)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Defaults to logrus.StandardLogger().
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithDialer replaces the SSH dialer, e.g. to reach the server through a
// custom transport.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// WithStateCallback registers a callback fired on every state change.
func WithStateCallback(cb StateCallback) Option {
	return func(c *Client) {
		c.callbacks = append(c.callbacks, cb)
	}
}

// WithRegistry makes the client visible to r while it is connected.
func WithRegistry(r *Registry) Option {
	return func(c *Client) {
		c.registry = r
	}
}

// Client is a handle on one SFTP endpoint. It owns exactly one Session at a
// time and is safe for concurrent use: operations are queued and run one at
// a time, each blocking its caller until its Result is ready.
type Client struct {
	cfg       Config
	dialer    Dialer
	log       logrus.FieldLogger
	callbacks []StateCallback
	registry  *Registry

	// sem admits one operation at a time.
	sem chan struct{}

	mu       sync.Mutex
	state    State
	sess     *Session
	sessions uint64

	reconnects atomic.Uint64

	closeOnce   sync.Once
	keepalive   context.CancelFunc // guarded by mu
	keepaliveWg sync.WaitGroup
}

// New returns a Client in the Created state. No I/O happens until Connect.
func New(config Config, opts ...Option) *Client {
	c := &Client{
		cfg: config.WithDefaults(),
		sem: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	c.log = c.log.WithField("endpoint", c.cfg.Endpoint())
	if c.dialer == nil {
		c.dialer = &SSHDialer{Log: c.log}
	}
	return c
}

// Dial creates a Client and connects it.
func Dial(ctx context.Context, config Config, opts ...Option) (*Client, error) {
	c := New(config, opts...)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// NewClient connects to host:port with password authentication. It is the
// plain entry point used by scripts; use Dial for full control.
func NewClient(user, password, host string, port int, opts ...Option) (*Client, error) {
	config := Config{
		Host:     host,
		Port:     port,
		User:     user,
		Password: password,
	}.WithDefaults()
	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()
	return Dial(ctx, config, opts...)
}

// Connect opens the transport and the SFTP session. Calling it on a connected
// client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return ErrClosedClient
	case StateConnected:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	s, err := c.openSession(ctx)
	if err != nil {
		c.log.WithError(err).Error("failed to connect")
		return err
	}

	c.mu.Lock()
	if st := c.state; st != StateCreated {
		// lost a race with Close or another Connect
		c.mu.Unlock()
		s.Close(0)
		if st == StateClosed {
			return ErrClosedClient
		}
		return nil
	}
	c.sess = s
	c.state = StateConnected
	keepaliveCtx := c.armKeepalive()
	c.mu.Unlock()

	if keepaliveCtx != nil {
		go c.keepaliveLoop(keepaliveCtx)
	}
	c.notify(StateCreated, StateConnected)
	if c.registry != nil {
		c.registry.Track(c)
	}
	c.log.Info("sftp client connected")
	return nil
}

func (c *Client) openSession(ctx context.Context) (*Session, error) {
	ch, err := c.dialer.Dial(ctx, c.cfg)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.sessions++
	id := c.sessions
	c.mu.Unlock()

	openCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	return openSession(openCtx, id, ch, c.cfg.ChunkSize, c.log)
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Endpoint returns the credential-free endpoint descriptor.
func (c *Client) Endpoint() string {
	return c.cfg.Endpoint()
}

// Reconnects returns how many times the session was re-established.
func (c *Client) Reconnects() uint64 {
	return c.reconnects.Load()
}

func (c *Client) notify(from, to State) {
	for _, cb := range c.callbacks {
		cb(from, to)
	}
}

// usable rejects calls on a client that is not connected, without I/O.
func (c *Client) usable() error {
	switch c.State() {
	case StateCreated:
		return ErrNotConnected
	case StateClosed:
		return ErrClosedClient
	default:
		return nil
	}
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() {
	<-c.sem
}

// run executes fn as one queued operation and turns its outcome into a Result.
func (c *Client) run(ctx context.Context, op Operation, fn func(ctx context.Context, t *transfer) error) Result {
	if err := c.usable(); err != nil {
		return rejected(op, err)
	}

	if c.cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.OperationTimeout)
		defer cancel()
	}

	if err := c.acquire(ctx); err != nil {
		return rejected(op, newError(KindTimeout, string(op.Kind), op.RemotePath, err))
	}
	defer c.release()

	if err := c.usable(); err != nil {
		return rejected(op, err)
	}

	t := newTransfer(op)
	err := fn(ctx, t)
	r := t.result(err)

	log := c.log.WithFields(logrus.Fields{
		"op":       op.Kind,
		"path":     op.RemotePath,
		"bytes":    r.Bytes,
		"duration": r.Duration,
	})
	switch {
	case r.Success:
		log.Debug("operation succeeded")
	case r.Kind == KindNotFound:
		log.Info(r.Message)
	default:
		log.WithField("kind", r.Kind).Error(r.Message)
	}
	if r.Warning != "" {
		log.Warn(r.Warning)
	}
	return r
}

// session returns the live session, dialling a new one if the previous one
// was dropped.
func (c *Client) session(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, ErrClosedClient
	}
	if s := c.sess; s != nil && !s.Lost() {
		c.mu.Unlock()
		return s, nil
	}
	stale := c.sess
	c.sess = nil
	c.mu.Unlock()

	if stale != nil {
		stale.Close(0)
	}

	s, err := c.openSession(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		s.Close(0)
		return nil, ErrClosedClient
	}
	c.sess = s
	c.mu.Unlock()

	c.reconnects.Add(1)
	c.log.WithField("session", s.id).Info("sftp session re-established")
	return s, nil
}

// dropSession discards s after a connection error so the next call dials.
func (c *Client) dropSession(s *Session, cause error) {
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.mu.Unlock()

	c.log.WithField("session", s.id).WithError(cause).Warn("dropping broken sftp session")
	s.Close(0)
}

// withSession runs fn on the current session. A connection error drops the
// session and, per the reconnect policy, fn runs again on a fresh one.
func (c *Client) withSession(ctx context.Context, op string, fn func(s *Session) error) error {
	return Retry(ctx, *c.cfg.Reconnect, op, c.log, func() error {
		s, err := c.session(ctx)
		if err != nil {
			return err
		}
		err = fn(s)
		if err != nil && IsRetryableError(err) {
			c.dropSession(s, err)
		}
		return err
	})
}

// Do executes op.
func (c *Client) Do(ctx context.Context, op Operation) Result {
	switch op.Kind {
	case OpUpload:
		return c.UploadFile(ctx, op.LocalPath, op.RemotePath)
	case OpDownload:
		return c.DownloadFile(ctx, op.RemotePath, op.LocalPath)
	case OpDelete:
		return c.DeleteFile(ctx, op.RemotePath)
	case OpStat:
		return c.StatFile(ctx, op.RemotePath)
	default:
		return rejected(op, newError(KindProtocol, string(op.Kind), op.RemotePath, errors.New("unsupported operation")))
	}
}

// armKeepalive registers the keepalive loop and returns the context it runs
// under, or nil when keepalives are disabled. c.mu must be held.
func (c *Client) armKeepalive() context.Context {
	if c.cfg.KeepaliveInterval <= 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.keepalive = cancel
	c.keepaliveWg.Add(1)
	return ctx
}

func (c *Client) keepaliveLoop(ctx context.Context) {
	defer c.keepaliveWg.Done()
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkSession()
		}
	}
}

// checkSession pings the session and drops it if the ping fails.
func (c *Client) checkSession() {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return
	}
	if err := s.keepalive(); err != nil {
		c.dropSession(s, err)
	}
}

// Close releases the session and moves the client to Closed. It waits up to
// CloseTimeout for a running operation before cutting it off. Only the first
// call does any work; later calls return nil.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		prev := c.state
		c.state = StateClosed
		stopKeepalive := c.keepalive
		c.keepalive = nil
		c.mu.Unlock()
		c.notify(prev, StateClosed)

		if stopKeepalive != nil {
			stopKeepalive()
			c.keepaliveWg.Wait()
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseTimeout)
		defer cancel()
		acquired := c.acquire(ctx) == nil
		if !acquired {
			c.log.Warn("closing while an operation is still running")
		}

		c.mu.Lock()
		s := c.sess
		c.sess = nil
		c.mu.Unlock()
		if s != nil {
			err = s.Close(c.cfg.CloseTimeout)
		}
		if acquired {
			c.release()
		}

		if c.registry != nil {
			c.registry.Untrack(c)
		}
		if err != nil {
			c.log.WithError(err).Warn("error closing sftp client")
		} else if prev == StateConnected {
			c.log.Info("sftp client closed")
		}
	})
	return err
}
