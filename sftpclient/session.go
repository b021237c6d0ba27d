package sftpclient

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Session is one negotiated SFTP channel over one transport connection.
//
// Packet framing and correlation of responses to requests on the wire are
// handled by the pkg/sftp client connection. On top of that the session
// numbers every round trip issued by the engine and keeps the set of those
// still on the wire, so Close can wait for them and logs can follow them.
type Session struct {
	id        uint64
	ch        *Channel
	client    *sftp.Client
	chunkSize int
	log       logrus.FieldLogger

	mu       sync.Mutex
	nextID   uint32
	inflight map[uint32]string
	wg       sync.WaitGroup
	closed   bool

	lost     atomic.Bool
	closeErr error
	once     sync.Once
}

// openSession negotiates the SFTP protocol version over ch. On failure ch is
// closed.
func openSession(ctx context.Context, id uint64, ch *Channel, chunkSize int, log logrus.FieldLogger) (*Session, error) {
	type opened struct {
		client *sftp.Client
		err    error
	}
	done := make(chan opened, 1)
	go func() {
		c, err := sftp.NewClientPipe(ch, ch, sftp.MaxPacket(chunkSize))
		done <- opened{c, err}
	}()

	var client *sftp.Client
	select {
	case <-ctx.Done():
		ch.Close()
		return nil, newError(KindTimeout, "open session", "", ctx.Err())
	case res := <-done:
		if res.err != nil {
			ch.Close()
			kind := Classify(res.err)
			if kind != KindConnection {
				kind = KindProtocol
			}
			return nil, newError(kind, "open session", "", res.err)
		}
		client = res.client
	}

	s := newSession(id, ch, client, chunkSize, log)
	go func() {
		err := client.Wait()
		s.lost.Store(true)
		s.log.WithError(err).Debug("sftp connection terminated")
	}()
	return s, nil
}

func newSession(id uint64, ch *Channel, client *sftp.Client, chunkSize int, log logrus.FieldLogger) *Session {
	return &Session{
		id:        id,
		ch:        ch,
		client:    client,
		chunkSize: chunkSize,
		log:       log.WithField("session", id),
		inflight:  make(map[uint32]string),
	}
}

// begin assigns the next request id and registers op as in flight.
func (s *Session) begin(op string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errSessionClosed
	}
	s.nextID++
	id := s.nextID
	s.inflight[id] = op
	s.wg.Add(1)
	return id, nil
}

func (s *Session) end(id uint32) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
	s.wg.Done()
}

// InFlight returns the number of requests still awaiting a response.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Lost reports whether the underlying connection has terminated.
func (s *Session) Lost() bool {
	return s.lost.Load()
}

// roundTrip runs one request/response exchange. If ctx expires first the
// request is abandoned: its result is discarded but it stays in flight until
// the wire exchange finishes.
func (s *Session) roundTrip(ctx context.Context, t *transfer, op, path string, fn func() (int, error)) (int, error) {
	id, err := s.begin(op)
	if err != nil {
		return 0, newError(KindConnection, op, path, err)
	}
	if t != nil {
		t.begin()
	}

	type reply struct {
		n   int
		err error
	}
	done := make(chan reply, 1)
	go func() {
		defer s.end(id)
		n, err := fn()
		done <- reply{n, err}
	}()

	select {
	case <-ctx.Done():
		s.log.WithFields(logrus.Fields{"request": id, "op": op, "path": path}).Debug("request abandoned")
		return 0, newError(KindTimeout, op, path, ctx.Err())
	case r := <-done:
		return r.n, wrap(op, path, r.err)
	}
}

func (s *Session) open(ctx context.Context, t *transfer, path string, flags int) (*sftp.File, error) {
	var f *sftp.File
	_, err := s.roundTrip(ctx, t, "open", path, func() (int, error) {
		file, err := s.client.OpenFile(path, flags)
		if err != nil {
			return 0, err
		}
		if ctx.Err() != nil {
			// opened after the caller gave up
			file.Close()
			return 0, ctx.Err()
		}
		f = file
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Session) closeFile(ctx context.Context, t *transfer, f *sftp.File) error {
	_, err := s.roundTrip(ctx, t, "close", f.Name(), func() (int, error) {
		return 0, f.Close()
	})
	return err
}

// abort makes a best-effort CLOSE of a remote handle after a failure.
func (s *Session) abort(f *sftp.File, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.closeFile(ctx, nil, f); err != nil {
		s.log.WithError(err).WithField("path", f.Name()).Debug("abort close failed")
	}
}

func (s *Session) mkdirAll(ctx context.Context, t *transfer, dir string) error {
	_, err := s.roundTrip(ctx, t, "mkdir", dir, func() (int, error) {
		return 0, s.client.MkdirAll(dir)
	})
	return err
}

// remove deletes a file. pkg/sftp follows a refused REMOVE with an RMDIR,
// whose failure on a regular file would hide why the REMOVE was refused; a
// file still present afterwards is reported as a permission failure.
func (s *Session) remove(ctx context.Context, t *transfer, path string) error {
	_, err := s.roundTrip(ctx, t, "remove", path, func() (int, error) {
		err := s.client.Remove(path)
		if err == nil || Classify(err) != KindFile {
			return 0, err
		}
		if info, lerr := s.client.Lstat(path); lerr == nil && info.Mode().IsRegular() {
			return 0, newError(KindPermission, "remove", path, err)
		}
		return 0, err
	})
	return err
}

func (s *Session) stat(ctx context.Context, t *transfer, path string) (os.FileInfo, error) {
	var info os.FileInfo
	_, err := s.roundTrip(ctx, t, "stat", path, func() (int, error) {
		var err error
		info, err = s.client.Stat(path)
		return 0, err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// keepalive checks that the session's connection still answers.
func (s *Session) keepalive() error {
	if s.Lost() {
		return newError(KindConnection, "keepalive", "", errSessionClosed)
	}
	if err := s.ch.Keepalive(); err != nil {
		return newError(KindConnection, "keepalive", "", err)
	}
	return nil
}

// Close stops accepting requests, waits up to timeout for the in-flight set
// to drain, then closes the SFTP client and the channel. Repeated calls
// return the first result.
func (s *Session) Close(timeout time.Duration) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		pending := len(s.inflight)
		s.mu.Unlock()

		if pending > 0 {
			drained := make(chan struct{})
			go func() {
				s.wg.Wait()
				close(drained)
			}()
			select {
			case <-drained:
			case <-time.After(timeout):
				s.log.WithField("inflight", s.InFlight()).Warn("closing session with requests still in flight")
			}
		}

		var err error
		if s.client != nil {
			err = multierr.Append(err, ignoreClosed(s.client.Close()))
		}
		if s.ch != nil {
			err = multierr.Append(err, s.ch.Close())
		}
		if err != nil {
			err = fmt.Errorf("close session %d: %w", s.id, err)
		}
		s.closeErr = err
	})
	return s.closeErr
}
