package sftpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrorKind is the closed set of failure classes reported in a Result.
type ErrorKind string

const (
	KindConnection     ErrorKind = "ConnectionError"
	KindAuthentication ErrorKind = "AuthenticationError"
	KindProtocol       ErrorKind = "ProtocolError"
	KindFile           ErrorKind = "FileError"
	KindNotFound       ErrorKind = "NotFound"
	KindPermission     ErrorKind = "PermissionDenied"
	KindAlreadyExists  ErrorKind = "AlreadyExists"
	KindTimeout        ErrorKind = "TimeoutError"
	KindClosedClient   ErrorKind = "ClosedClientError"
	KindNotConnected   ErrorKind = "NotConnectedError"
)

// String returns the string representation of an ErrorKind.
func (k ErrorKind) String() string {
	return string(k)
}

// IsFileError reports whether k is FileError or one of its reasons.
func (k ErrorKind) IsFileError() bool {
	switch k {
	case KindFile, KindNotFound, KindPermission, KindAlreadyExists:
		return true
	default:
		return false
	}
}

// Retryable reports whether an operation failing with k may be retried on a
// fresh session.
func (k ErrorKind) Retryable() bool {
	return k == KindConnection
}

// Error is the typed error carried by every failed Result.
type Error struct {
	Kind ErrorKind
	Op   string
	Path string
	Err  error
}

var (
	// ErrClosedClient is returned by every operation on a closed Client.
	ErrClosedClient = &Error{Kind: KindClosedClient}

	// ErrNotConnected is returned by operations on a Client that was never connected.
	ErrNotConnected = &Error{Kind: KindNotConnected}

	errSessionClosed = errors.New("sftp session closed")
)

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		if e.Path != "" {
			b.WriteString(" ")
			b.WriteString(e.Path)
		}
		b.WriteString(": ")
	}
	switch {
	case e.Err != nil:
		fmt.Fprintf(&b, "%s: %v", e.Kind, e.Err)
	case e.Kind == KindClosedClient:
		b.WriteString("sftp client is closed")
	case e.Kind == KindNotConnected:
		b.WriteString("sftp client is not connected")
	default:
		b.WriteString(string(e.Kind))
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrClosedClient)
// holds regardless of Op or Path.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

func newError(kind ErrorKind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// wrap classifies err and attaches the operation context. Errors that are
// already typed keep their kind.
func wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(Classify(err), op, path, err)
}

// localError wraps an error from the local filesystem. Anything not matching
// a specific reason is a plain FileError, never a connection problem.
func localError(op, path string, err error) error {
	kind := KindFile
	switch {
	case errors.Is(err, os.ErrNotExist):
		kind = KindNotFound
	case errors.Is(err, os.ErrPermission):
		kind = KindPermission
	case errors.Is(err, os.ErrExist):
		kind = KindAlreadyExists
	}
	return newError(kind, op, path, err)
}

// SFTP status codes not exported by pkg/sftp.
const (
	fxFailure           = 4
	fxBadMessage        = 5
	fxNoConnection      = 6
	fxConnectionLost    = 7
	fxOpUnsupported     = 8
	fxFileAlreadyExists = 11
)

// Classify maps an arbitrary error to its ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}

	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return KindAuthentication
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "knownhosts: key") {
		return KindAuthentication
	}

	if errors.Is(err, sftp.ErrSSHFxConnectionLost) || errors.Is(err, sftp.ErrSSHFxNoConnection) {
		return KindConnection
	}

	var status *sftp.StatusError
	if errors.As(err, &status) {
		return classifyStatus(status.Code)
	}

	switch {
	case errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, os.ErrPermission):
		return KindPermission
	case errors.Is(err, os.ErrExist):
		return KindAlreadyExists
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	if isConnectionError(err) {
		return KindConnection
	}

	if strings.Contains(msg, "unexpected packet") || strings.Contains(msg, "short packet") ||
		strings.Contains(msg, "packet too long") || strings.Contains(msg, "server version") {
		return KindProtocol
	}

	for _, m := range connectionMessages {
		if strings.Contains(msg, m) {
			return KindConnection
		}
	}
	if strings.Contains(msg, "i/o timeout") {
		return KindTimeout
	}

	// Unrecognised failures are reported against the file and never retried.
	return KindFile
}

func classifyStatus(code uint32) ErrorKind {
	switch code {
	case uint32(sftp.ErrSSHFxNoSuchFile):
		return KindNotFound
	case uint32(sftp.ErrSSHFxPermissionDenied):
		return KindPermission
	case fxFileAlreadyExists:
		return KindAlreadyExists
	case fxNoConnection, fxConnectionLost:
		return KindConnection
	case fxBadMessage, fxOpUnsupported:
		return KindProtocol
	default:
		return KindFile
	}
}

var connectionMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no route to host",
	"network is unreachable",
	"ssh: disconnect",
	"use of closed network connection",
	"unexpected server disconnect",
}

func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, errSessionClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
