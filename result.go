package xk6sftp

import (
	"github.com/darshan-rambhia/xk6-sftp/sftpclient"
)

// Result is the script-facing view of one operation outcome.
type Result struct {
	Success    bool    `js:"success"`
	Bytes      uint64  `js:"bytes"`
	DurationMs float64 `js:"duration_ms"`
	Error      string  `js:"error"`
	Message    string  `js:"message"`
	Warning    string  `js:"warning"`
}

func newResult(r sftpclient.Result) *Result {
	res := &Result{
		Success:    r.Success,
		Bytes:      r.Bytes,
		DurationMs: float64(r.Duration.Microseconds()) / 1000,
		Warning:    r.Warning,
	}
	if r.Success {
		res.Message = successMessage(r.Op)
	} else {
		res.Error = r.Kind.String()
		res.Message = r.Message
	}
	return res
}

func successMessage(op sftpclient.OpKind) string {
	switch op {
	case sftpclient.OpUpload:
		return "file uploaded successfully"
	case sftpclient.OpDownload:
		return "file downloaded successfully"
	case sftpclient.OpDelete:
		return "file deleted successfully"
	case sftpclient.OpStat:
		return "file exists"
	default:
		return "ok"
	}
}
