// Package metrics centralises the StatsD metric names and tag shapes emitted
// by the run and delivery pipelines.
package metrics

import (
	"time"

	obserrors "github.com/rechnio/rechnio-go/internal/observability/errors"
	"github.com/rechnio/rechnio-go/internal/observability/statsd"

	"github.com/rechnio/rechnio-go/internal/domain/model"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// RunMetric captures one job-run outcome for metric emission.
type RunMetric struct {
	Result   string
	Duration time.Duration
	Counters model.RunCounters
	Err      error
}

// EmitRun emits standardised run lifecycle metrics.
func EmitRun(sink statsd.Sink, in RunMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{"result": in.Result}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("run.finished", 1, tags)
	if in.Duration > 0 {
		sink.Timing("run.duration", in.Duration, CloneTags(tags))
	}
	if in.Result == ResultSuccess {
		sink.Count("run.files.valid", int64(in.Counters.FilesValid), nil)
		sink.Count("run.files.invalid", int64(in.Counters.FilesInvalid), nil)
		sink.Count("run.files.failed", int64(in.Counters.FilesFailed), nil)
	}
}

// DeliveryMetric captures one webhook delivery attempt for metric emission.
type DeliveryMetric struct {
	EventType model.EventType
	Status    model.DeliveryStatus
	Duration  time.Duration
	Err       error
}

// EmitDelivery emits standardised delivery attempt metrics.
func EmitDelivery(sink statsd.Sink, in DeliveryMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"event_type": string(in.EventType),
		"status":     string(in.Status),
	}
	if in.Err != nil {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("delivery.attempt", 1, tags)
	if in.Duration > 0 {
		sink.Timing("delivery.duration", in.Duration, CloneTags(tags))
	}
}

// CloneTags creates a shallow copy of a tag map, filtering out nothing.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
