package xk6sftp

import (
	"context"
	"time"

	"go.k6.io/k6/lib"
	"go.k6.io/k6/metrics"

	"github.com/darshan-rambhia/xk6-sftp/sftpclient"
)

// sftpMetrics are the custom metrics emitted for every operation, tagged with
// the operation name and, on failure, the error kind.
type sftpMetrics struct {
	Operations *metrics.Metric
	Success    *metrics.Metric
	Bytes      *metrics.Metric
	Duration   *metrics.Metric
}

func registerMetrics(registry *metrics.Registry) *sftpMetrics {
	return &sftpMetrics{
		Operations: registry.MustNewMetric("sftp_operations", metrics.Counter),
		Success:    registry.MustNewMetric("sftp_success", metrics.Rate),
		Bytes:      registry.MustNewMetric("sftp_bytes", metrics.Counter, metrics.Data),
		Duration:   registry.MustNewMetric("sftp_duration", metrics.Trend, metrics.Time),
	}
}

// push emits the samples for r. Outside a VU context (init, no state) it does
// nothing.
func (m *sftpMetrics) push(ctx context.Context, state *lib.State, r sftpclient.Result) {
	if m == nil || state == nil || state.Samples == nil {
		return
	}

	ctm := state.Tags.GetCurrentValues()
	tags := ctm.Tags.With("operation", string(r.Op))
	if !r.Success {
		tags = tags.With("error", r.Kind.String())
	}
	now := time.Now()

	sample := func(metric *metrics.Metric, value float64) metrics.Sample {
		return metrics.Sample{
			TimeSeries: metrics.TimeSeries{Metric: metric, Tags: tags},
			Time:       now,
			Metadata:   ctm.Metadata,
			Value:      value,
		}
	}

	metrics.PushIfNotDone(ctx, state.Samples, metrics.ConnectedSamples{
		Samples: []metrics.Sample{
			sample(m.Operations, 1),
			sample(m.Success, metrics.B(r.Success)),
			sample(m.Bytes, float64(r.Bytes)),
			sample(m.Duration, metrics.D(r.Duration)),
		},
		Tags: tags,
		Time: now,
	})
}
