package xk6sftp

import (
	"github.com/sirupsen/logrus"

	"github.com/darshan-rambhia/xk6-sftp/sftpclient"
)

// Client is the script-facing SFTP client. Every method blocks the calling
// VU until the operation finishes and reports failures in the returned
// Result instead of throwing.
type Client struct {
	client  *sftpclient.Client
	vu      vuContext
	metrics *sftpMetrics
	log     logrus.FieldLogger
}

// UploadFile copies localPath to remotePath, creating remote parent
// directories.
func (c *Client) UploadFile(localPath, remotePath string) *Result {
	return c.do(sftpclient.Upload(localPath, remotePath))
}

// DownloadFile copies remotePath to localPath, creating local parent
// directories.
func (c *Client) DownloadFile(remotePath, localPath string) *Result {
	return c.do(sftpclient.Download(remotePath, localPath))
}

// DeleteFile removes remotePath.
func (c *Client) DeleteFile(remotePath string) *Result {
	return c.do(sftpclient.Delete(remotePath))
}

// StatFile reports whether remotePath exists and its size in bytes.
func (c *Client) StatFile(remotePath string) *Result {
	return c.do(sftpclient.Stat(remotePath))
}

// Close releases the connection. It is idempotent and never throws.
func (c *Client) Close() {
	if err := c.client.Close(); err != nil {
		c.log.WithError(err).Warn("error closing sftp client")
	}
}

func (c *Client) do(op sftpclient.Operation) *Result {
	ctx := vuCtx(c.vu)
	r := c.client.Do(ctx, op)
	c.metrics.push(ctx, c.vu.State(), r)
	return newResult(r)
}
