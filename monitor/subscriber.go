package monitor

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tnqbao/gau-workflow-monitor/entity"
	"github.com/tnqbao/gau-workflow-monitor/infra"
)

// Event describes one job status change delivered to subscribers.
type Event struct {
	Job      *entity.Job
	Metadata *entity.Metadata
	// Host is the execution server the job ran on.
	Host string
	// Attachments are file paths or object URLs to include with the notification.
	Attachments []string
}

func (e Event) Status() entity.JobStatus {
	if e.Job == nil {
		return ""
	}
	return e.Job.Status
}

type Subscriber interface {
	Name() string
	OnJobStatusChanged(ctx context.Context, event Event) error
}

type SubscriberError struct {
	Subscriber string
	JobID      string
	Err        error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("subscriber %s failed for workflow %s: %v", e.Subscriber, e.JobID, e.Err)
}

func (e *SubscriberError) Unwrap() error {
	return e.Err
}

// Dispatcher fans an event out to subscribers in registration order. One subscriber's
// error or panic never stops the others.
type Dispatcher struct {
	subscribers []Subscriber
	logger      *infra.LoggerClient
	telemetry   *infra.Telemetry
}

func NewDispatcher(logger *infra.LoggerClient, telemetry *infra.Telemetry, subscribers ...Subscriber) *Dispatcher {
	if logger == nil {
		logger = infra.NewDiscardLogger()
	}
	if telemetry == nil {
		telemetry = infra.NewNoopTelemetry()
	}
	return &Dispatcher{
		subscribers: subscribers,
		logger:      logger,
		telemetry:   telemetry,
	}
}

func (d *Dispatcher) Subscribers() []Subscriber {
	return d.subscribers
}

// Dispatch returns the failures it logged, mostly for callers that want to count them.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) []*SubscriberError {
	var failures []*SubscriberError
	jobID := ""
	if event.Job != nil {
		jobID = event.Job.ID
	}

	d.telemetry.Notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(event.Status()))))

	for _, sub := range d.subscribers {
		if err := d.invoke(ctx, sub, event); err != nil {
			subErr := &SubscriberError{Subscriber: sub.Name(), JobID: jobID, Err: err}
			d.logger.ErrorWithContextf(ctx, err, "[Dispatcher] %v", subErr)
			d.telemetry.SubscriberFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("subscriber", sub.Name())))
			failures = append(failures, subErr)
		}
	}
	return failures
}

func (d *Dispatcher) invoke(ctx context.Context, sub Subscriber, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return sub.OnJobStatusChanged(ctx, event)
}
