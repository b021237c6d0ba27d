package sftpclient

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "user"
	testPassword = "pwd"
)

// testServer is an in-process SSH server exposing an in-memory SFTP
// filesystem. All connections share the same filesystem.
type testServer struct {
	t        testing.TB
	listener net.Listener
	config   *ssh.ServerConfig
	hostKey  ssh.PublicKey
	handlers sftp.Handlers

	connections atomic.Int64

	mu         sync.Mutex
	conns      []net.Conn
	authorized map[string]bool
	wg         sync.WaitGroup
}

// newTestServer starts a server. A zero Handlers value serves an empty
// in-memory filesystem.
func newTestServer(t testing.TB, handlers sftp.Handlers) *testServer {
	t.Helper()

	if handlers.FileGet == nil {
		handlers = sftp.InMemHandler()
	}
	handlers.FilePut = plainPut{handlers.FilePut}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostKey, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{
		t:        t,
		listener: listener,
		config:   config,
		hostKey:  hostKey.PublicKey(),
		handlers: handlers,
	}
	config.PublicKeyCallback = s.checkPublicKey
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// authorize lets testUser log in with key.
func (s *testServer) authorize(key ssh.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authorized == nil {
		s.authorized = make(map[string]bool)
	}
	s.authorized[string(key.Marshal())] = true
}

func (s *testServer) checkPublicKey(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	s.mu.Lock()
	ok := s.authorized[string(key.Marshal())]
	s.mu.Unlock()
	if c.User() == testUser && ok {
		return nil, nil
	}
	return nil, fmt.Errorf("public key rejected for %q", c.User())
}

func (s *testServer) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.connections.Add(1)
		s.mu.Lock()
		s.conns = append(s.conns, nc)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(nc)
		}()
	}
}

func (s *testServer) handleConn(nc net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		nc.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			return
		}
		go s.handleRequests(channel, requests)
	}
}

func (s *testServer) handleRequests(channel ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
		if req.WantReply {
			_ = req.Reply(ok, nil)
		}
		if !ok {
			continue
		}
		go func() {
			server := sftp.NewRequestServer(channel, s.handlers)
			if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
				s.t.Logf("sftp server: %v", err)
			}
			server.Close()
			channel.Close()
		}()
	}
}

// Port returns the listening port.
func (s *testServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Connections returns how many TCP connections were accepted.
func (s *testServer) Connections() int {
	return int(s.connections.Load())
}

// DropConnections cuts every open connection from the server side.
func (s *testServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, nc := range s.conns {
		nc.Close()
	}
	s.conns = nil
}

func (s *testServer) Close() {
	s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

// clientConfig returns a client config for the server.
func (s *testServer) clientConfig() Config {
	return Config{
		Host:                  "127.0.0.1",
		Port:                  s.Port(),
		User:                  testUser,
		Password:              testPassword,
		InsecureIgnoreHostKey: true,
		Timeout:               5 * time.Second,
		CloseTimeout:          2 * time.Second,
		KeepaliveInterval:     -1,
	}
}

// newTestLogger returns a logger that records entries instead of printing.
func newTestLogger() (*logrus.Logger, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return log, hook
}

// connectTestClient dials srv and closes the client when the test ends.
func connectTestClient(t testing.TB, srv *testServer, customize func(*Config), opts ...Option) *Client {
	t.Helper()

	config := srv.clientConfig()
	if customize != nil {
		customize(&config)
	}
	log, _ := newTestLogger()
	opts = append([]Option{WithLogger(log)}, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := Dial(ctx, config, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// createTempFile creates a temporary file with the given content.
func createTempFile(t testing.TB, content []byte) string {
	t.Helper()

	tmpFile := filepath.Join(t.TempDir(), "test_file")
	require.NoError(t, os.WriteFile(tmpFile, content, 0o644))
	return tmpFile
}

// testPayload returns n deterministic bytes that never contain the SFTP
// WRITE packet type, so faultyWriter only trips on packet headers.
func testPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte('a' + i%26)
	}
	return p
}

// assertFileContents verifies that a file has the expected content.
func assertFileContents(t *testing.T, path string, expected []byte) {
	t.Helper()

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.Equal(expected, content), "file content mismatch for %s: want %d bytes, got %d", path, len(expected), len(content))
}

// sshFxpWrite is the SFTP WRITE packet type.
const sshFxpWrite = 6

// resetDialer wraps SSHDialer and breaks the first connection it makes: the
// first WRITE packet header sent on it fails with a connection reset and
// the connection is torn down.
type resetDialer struct {
	inner   Dialer
	dials   atomic.Int64
	tripped atomic.Bool
}

func (d *resetDialer) Dial(ctx context.Context, config Config) (*Channel, error) {
	ch, err := d.inner.Dial(ctx, config)
	if err != nil {
		return nil, err
	}
	if d.dials.Add(1) > 1 {
		return ch, nil
	}
	return NewChannel(ch, &faultyWriter{ch: ch, tripped: &d.tripped}, ch), nil
}

type faultyWriter struct {
	ch      *Channel
	tripped *atomic.Bool
}

func (w *faultyWriter) Write(p []byte) (int, error) {
	if len(p) > 4 && p[4] == sshFxpWrite && w.tripped.CompareAndSwap(false, true) {
		w.ch.Close()
		return 0, &net.OpError{Op: "write", Net: "tcp", Err: os.NewSyscallError("write", syscall.ECONNRESET)}
	}
	return w.ch.Write(p)
}

// failingPut fails every write that reaches past limit bytes.
type failingPut struct {
	sftp.FileWriter
	limit int64
}

func (f failingPut) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	w, err := f.FileWriter.Filewrite(r)
	if err != nil {
		return nil, err
	}
	return &limitedWriterAt{w: w, limit: f.limit}, nil
}

type limitedWriterAt struct {
	w     io.WriterAt
	limit int64
}

func (l *limitedWriterAt) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > l.limit {
		return 0, errors.New("no space left on device")
	}
	return l.w.WriteAt(p, off)
}

// plainPut hides every optional interface of the writers it returns. The
// request server reports a dropped connection to a writer implementing
// TransferError, and the in-memory file then fails every later truncate, so
// a re-opened upload would be refused by the server.
type plainPut struct {
	sftp.FileWriter
}

func (p plainPut) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	w, err := p.FileWriter.Filewrite(r)
	if err != nil {
		return nil, err
	}
	return struct{ io.WriterAt }{w}, nil
}

// slowPut delays every write.
type slowPut struct {
	sftp.FileWriter
	delay time.Duration
}

func (s slowPut) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	w, err := s.FileWriter.Filewrite(r)
	if err != nil {
		return nil, err
	}
	return &slowWriterAt{w: w, delay: s.delay}, nil
}

type slowWriterAt struct {
	w     io.WriterAt
	delay time.Duration
}

func (s *slowWriterAt) WriteAt(p []byte, off int64) (int, error) {
	time.Sleep(s.delay)
	return s.w.WriteAt(p, off)
}

// slowGet delays every read.
type slowGet struct {
	sftp.FileReader
	delay time.Duration
}

func (s slowGet) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	rd, err := s.FileReader.Fileread(r)
	if err != nil {
		return nil, err
	}
	return &slowReaderAt{r: rd, delay: s.delay}, nil
}

type slowReaderAt struct {
	r     io.ReaderAt
	delay time.Duration
}

func (s *slowReaderAt) ReadAt(p []byte, off int64) (int, error) {
	time.Sleep(s.delay)
	return s.r.ReadAt(p, off)
}

// denyRemove refuses every remove and rmdir with err. A syscall.Errno goes
// out as its SFTP status; anything else goes out as SSH_FX_FAILURE.
type denyRemove struct {
	sftp.FileCmder
	err error
}

func (d denyRemove) Filecmd(r *sftp.Request) error {
	switch r.Method {
	case "Remove", "Rmdir":
		return d.err
	}
	return d.FileCmder.Filecmd(r)
}
