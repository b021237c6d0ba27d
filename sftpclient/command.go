package sftpclient

import (
	"context"
)

// DeleteFile removes remotePath. A file the server reports as missing yields
// a failed Result of kind NotFound.
func (c *Client) DeleteFile(ctx context.Context, remotePath string) Result {
	return c.run(ctx, Delete(remotePath), func(ctx context.Context, t *transfer) error {
		err := c.withSession(ctx, "delete", func(s *Session) error {
			return s.remove(ctx, t, remotePath)
		})
		t.stop()
		return err
	})
}

// StatFile looks up remotePath. On success Bytes holds the remote size.
func (c *Client) StatFile(ctx context.Context, remotePath string) Result {
	return c.run(ctx, Stat(remotePath), func(ctx context.Context, t *transfer) error {
		err := c.withSession(ctx, "stat", func(s *Session) error {
			info, err := s.stat(ctx, t, remotePath)
			if err != nil {
				return err
			}
			if size := info.Size(); size > 0 {
				t.offset = size
			}
			return nil
		})
		t.stop()
		return err
	})
}
