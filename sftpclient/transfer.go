package sftpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
)

// UploadFile copies localPath to remotePath in fixed-size chunks, creating
// or truncating the remote file. A failure after the remote file was opened
// triggers a best-effort removal of the partial file.
func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string) Result {
	return c.run(ctx, Upload(localPath, remotePath), func(ctx context.Context, t *transfer) error {
		absLocalPath, err := filepath.Abs(localPath)
		if err != nil {
			return localError("open", localPath, err)
		}
		src, err := os.Open(absLocalPath)
		if err != nil {
			return localError("open", absLocalPath, err)
		}
		defer src.Close()

		info, err := src.Stat()
		if err != nil {
			return localError("stat", absLocalPath, err)
		}
		if info.IsDir() {
			return newError(KindFile, "open", absLocalPath, errors.New("is a directory"))
		}

		err = c.withSession(ctx, "upload", func(s *Session) error {
			return c.upload(ctx, s, t, src, absLocalPath, remotePath)
		})
		t.stop()
		if err != nil && t.opened {
			c.rollback(remotePath, t)
		}
		return err
	})
}

func (c *Client) upload(ctx context.Context, s *Session, t *transfer, src io.ReaderAt, localPath, remotePath string) error {
	flags := os.O_WRONLY | os.O_CREATE
	if t.offset == 0 {
		flags |= os.O_TRUNC
		if dir := path.Dir(remotePath); dir != "." && dir != "/" {
			if err := s.mkdirAll(ctx, t, dir); err != nil {
				return fmt.Errorf("failed to create directories for remote file: %w", err)
			}
		}
	} else {
		s.log.WithField("offset", t.offset).Info("resuming upload")
	}

	f, err := s.open(ctx, t, remotePath, flags)
	if err != nil {
		return err
	}
	t.opened = true

	buf := make([]byte, s.chunkSize)
	for {
		n, rerr := src.ReadAt(buf, t.offset)
		if n > 0 {
			chunk, off := buf[:n], t.offset
			written, err := s.roundTrip(ctx, t, "write", remotePath, func() (int, error) {
				return f.WriteAt(chunk, off)
			})
			t.offset += int64(written)
			if err != nil {
				s.abort(f, c.cfg.CloseTimeout)
				return err
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			s.abort(f, c.cfg.CloseTimeout)
			return localError("read", localPath, rerr)
		}
	}

	return s.closeFile(ctx, t, f)
}

// rollback removes a partially written remote file. Its failure becomes the
// result's warning and never replaces the primary error.
func (c *Client) rollback(remotePath string, t *transfer) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseTimeout)
	defer cancel()

	s, err := c.session(ctx)
	if err == nil {
		err = s.remove(ctx, nil, remotePath)
	}
	if err != nil && Classify(err) != KindNotFound {
		t.warning = fmt.Sprintf("rollback of %s failed: %v", remotePath, err)
		return
	}
	c.log.WithField("path", remotePath).Info("removed partially uploaded file")
}

// DownloadFile copies remotePath to localPath in fixed-size chunks, creating
// missing local parent directories. A missing remote file yields a failed
// Result of kind NotFound and leaves the local side untouched.
func (c *Client) DownloadFile(ctx context.Context, remotePath, localPath string) Result {
	return c.run(ctx, Download(remotePath, localPath), func(ctx context.Context, t *transfer) error {
		absLocalPath, err := filepath.Abs(localPath)
		if err != nil {
			return localError("open", localPath, err)
		}
		dst := &localSink{path: absLocalPath}
		defer dst.Close()

		err = c.withSession(ctx, "download", func(s *Session) error {
			return c.download(ctx, s, t, remotePath, dst)
		})
		t.stop()
		return err
	})
}

func (c *Client) download(ctx context.Context, s *Session, t *transfer, remotePath string, dst *localSink) error {
	if t.offset > 0 {
		s.log.WithField("offset", t.offset).Info("resuming download")
	}

	f, err := s.open(ctx, t, remotePath, os.O_RDONLY)
	if err != nil {
		return err
	}

	w, err := dst.open()
	if err != nil {
		s.abort(f, c.cfg.CloseTimeout)
		return err
	}

	buf := make([]byte, s.chunkSize)
	for {
		off := t.offset
		n, rerr := s.roundTrip(ctx, t, "read", remotePath, func() (int, error) {
			return readChunk(f, buf, off)
		})
		if n > 0 {
			if _, err := w.WriteAt(buf[:n], t.offset); err != nil {
				s.abort(f, c.cfg.CloseTimeout)
				return localError("write", dst.path, err)
			}
			t.offset += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			if s.Lost() {
				return newError(KindConnection, "read", remotePath, errSessionClosed)
			}
			break
		}
		if rerr != nil {
			s.abort(f, c.cfg.CloseTimeout)
			return rerr
		}
	}

	return s.closeFile(ctx, t, f)
}

// readChunk issues one READ. EOF is passed through unwrapped so the caller
// can tell the end of the file from a failure.
func readChunk(f *sftp.File, buf []byte, off int64) (int, error) {
	n, err := f.ReadAt(buf, off)
	if errors.Is(err, io.EOF) {
		return n, io.EOF
	}
	return n, err
}

// localSink is the local download target, opened lazily after the remote
// file was found so a missing remote file leaves nothing behind. A resumed
// download keeps writing to the same file.
type localSink struct {
	path string
	f    *os.File
}

func (l *localSink) open() (io.WriterAt, error) {
	if l.f != nil {
		return l.f, nil
	}
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, localError("mkdir", dir, err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, localError("create", l.path, err)
	}
	l.f = f
	return f, nil
}

func (l *localSink) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
