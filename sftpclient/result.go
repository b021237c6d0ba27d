package sftpclient

import (
	"errors"
	"time"
)

// OpKind tags an Operation.
type OpKind string

const (
	OpUpload   OpKind = "upload"
	OpDownload OpKind = "download"
	OpDelete   OpKind = "delete"
	OpStat     OpKind = "stat"
)

// Operation is one unit of work a Client can execute.
type Operation struct {
	Kind       OpKind
	LocalPath  string
	RemotePath string
}

// Upload describes copying localPath to remotePath.
func Upload(localPath, remotePath string) Operation {
	return Operation{Kind: OpUpload, LocalPath: localPath, RemotePath: remotePath}
}

// Download describes copying remotePath to localPath.
func Download(remotePath, localPath string) Operation {
	return Operation{Kind: OpDownload, LocalPath: localPath, RemotePath: remotePath}
}

// Delete describes removing remotePath.
func Delete(remotePath string) Operation {
	return Operation{Kind: OpDelete, RemotePath: remotePath}
}

// Stat describes looking up remotePath's attributes.
func Stat(remotePath string) Operation {
	return Operation{Kind: OpStat, RemotePath: remotePath}
}

// Result is the outcome of one Operation. It is returned by value and never
// changed afterwards.
type Result struct {
	Op      OpKind
	Success bool

	// Bytes is the number of bytes acknowledged by the remote side (upload),
	// received from it (download), or the remote size (stat). Partial counts
	// are kept on failure.
	Bytes uint64

	// Duration is the wall-clock time from the first request to the last
	// acknowledgement. Zero when no request was issued.
	Duration time.Duration

	// Kind and Message are set only on failure.
	Kind    ErrorKind
	Message string

	// Warning carries a secondary problem that did not decide the outcome,
	// such as a failed rollback.
	Warning string

	err error
}

// Err returns the failure as an error, or nil on success.
func (r Result) Err() error {
	return r.err
}

// transfer accumulates the state of one operation until its Result is built.
type transfer struct {
	op      Operation
	start   time.Time
	end     time.Time
	offset  int64
	opened  bool
	warning string
}

func newTransfer(op Operation) *transfer {
	return &transfer{op: op}
}

// begin marks the first wire request.
func (t *transfer) begin() {
	if t.start.IsZero() {
		t.start = time.Now()
	}
}

// stop marks the last acknowledgement.
func (t *transfer) stop() {
	if !t.start.IsZero() && t.end.IsZero() {
		t.end = time.Now()
	}
}

func (t *transfer) duration() time.Duration {
	if t.start.IsZero() {
		return 0
	}
	end := t.end
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(t.start)
}

func (t *transfer) result(err error) Result {
	t.stop()
	r := Result{
		Op:       t.op.Kind,
		Success:  err == nil,
		Bytes:    uint64(t.offset),
		Duration: t.duration(),
		Warning:  t.warning,
	}
	if err != nil {
		var e *Error
		if !errors.As(err, &e) {
			e = newError(Classify(err), string(t.op.Kind), t.op.RemotePath, err)
		}
		r.Kind = e.Kind
		r.Message = err.Error()
		r.err = err
	}
	return r
}

// rejected builds the Result for an operation refused before any I/O.
func rejected(op Operation, err error) Result {
	return newTransfer(op).result(err)
}
