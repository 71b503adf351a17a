package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tnqbao/gau-workflow-monitor/entity"
	"github.com/tnqbao/gau-workflow-monitor/infra"
)

type StatusSource interface {
	Status(ctx context.Context, id string) (entity.JobStatus, error)
	Metadata(ctx context.Context, id string, cacheFor time.Duration) (*entity.Metadata, error)
	Host() string
}

type WatcherOptions struct {
	Interval  time.Duration
	RunStates []string
	// NotFoundGrace is how many consecutive not-found answers are tolerated
	// before giving up; fresh submissions can take a moment to become visible.
	NotFoundGrace int
	TempDir       string
	// FinishTimeout bounds the final metadata fetch and dispatch, which run to completion
	// even when the watch is cancelled meanwhile.
	FinishTimeout time.Duration
	ClaimTTL      time.Duration
}

type WatchResult struct {
	JobID      string
	Status     entity.JobStatus
	Dispatched bool
}

// Watcher follows a single job until it leaves the run states, then notifies once.
type Watcher struct {
	remote     StatusSource
	store      JobStore
	dispatcher *Dispatcher
	opts       WatcherOptions
	runStates  entity.StatusSet
	logger     *infra.LoggerClient
	telemetry  *infra.Telemetry
}

// NewWatcher builds a watcher. store may be nil when nothing should be persisted.
func NewWatcher(remote StatusSource, store JobStore, dispatcher *Dispatcher, opts WatcherOptions, logger *infra.LoggerClient, telemetry *infra.Telemetry) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.NotFoundGrace <= 0 {
		opts.NotFoundGrace = 4
	}
	if opts.FinishTimeout <= 0 {
		opts.FinishTimeout = 5 * time.Minute
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultClaimTTL
	}
	if len(opts.RunStates) == 0 {
		for _, s := range entity.DefaultRunStates {
			opts.RunStates = append(opts.RunStates, string(s))
		}
	}
	if logger == nil {
		logger = infra.NewDiscardLogger()
	}
	if telemetry == nil {
		telemetry = infra.NewNoopTelemetry()
	}

	return &Watcher{
		remote:     remote,
		store:      store,
		dispatcher: dispatcher,
		opts:       opts,
		runStates:  entity.NewStatusSet(opts.RunStates...),
		logger:     logger,
		telemetry:  telemetry,
	}
}

func (w *Watcher) Watch(ctx context.Context, id string) (WatchResult, error) {
	result := WatchResult{JobID: id}

	ctx, span := w.telemetry.Tracer.Start(ctx, "monitor.watch",
		trace.WithAttributes(attribute.String("workflow.id", id)))
	defer span.End()

	notFound := 0
	for {
		status, err := w.remote.Status(ctx, id)
		switch {
		case err == nil:
			notFound = 0
			result.Status = status
			if !w.runStates.Contains(status) {
				finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.opts.FinishTimeout)
				finished, err := w.finish(finishCtx, result)
				cancel()
				return finished, err
			}
			w.logger.DebugWithContextf(ctx, "[Watcher] %s is %s", id, status)
		case errors.Is(err, infra.ErrNotFound):
			notFound++
			if notFound > w.opts.NotFoundGrace {
				return result, err
			}
			w.logger.WarningWithContextf(ctx, "[Watcher] %s not found yet (%d/%d)", id, notFound, w.opts.NotFoundGrace)
		default:
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			w.logger.WarningWithContextf(ctx, "[Watcher] Status check for %s failed, retrying: %v", id, err)
		}

		timer := time.NewTimer(w.opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}
}

func (w *Watcher) finish(ctx context.Context, result WatchResult) (WatchResult, error) {
	id := result.JobID

	md, err := w.remote.Metadata(ctx, id, 0)
	if err != nil {
		return result, fmt.Errorf("failed to fetch final metadata of %s: %w", id, err)
	}

	job, err := w.record(ctx, id, result.Status, md)
	if err != nil {
		w.logger.ErrorWithContextf(ctx, err, "[Watcher] Failed to store %s: %v", id, err)
	}
	if job.IsNotifiedFor(result.Status) {
		w.logger.InfoWithContextf(ctx, "[Watcher] %s was already notified as %s", id, result.Status)
		return result, nil
	}
	if w.store != nil && err == nil {
		claimed, err := w.store.ClaimNotification(ctx, id, result.Status, w.opts.ClaimTTL)
		switch {
		case err != nil:
			// store unavailable; dispatch without a claim
			w.logger.ErrorWithContextf(ctx, err, "[Watcher] Failed to claim notification for %s: %v", id, err)
		case !claimed:
			w.logger.InfoWithContextf(ctx, "[Watcher] %s is already being notified as %s", id, result.Status)
			return result, nil
		}
	}

	metadataFile, err := os.CreateTemp(w.opts.TempDir, id+"-*.metadata")
	if err != nil {
		return result, fmt.Errorf("failed to create metadata file: %w", err)
	}
	defer os.Remove(metadataFile.Name())

	_, err = metadataFile.Write(md.Raw)
	if closeErr := metadataFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return result, fmt.Errorf("failed to write metadata file: %w", err)
	}

	attachments := []string{metadataFile.Name()}
	if result.Status == entity.JobStatusFailed {
		for _, call := range md.FailedCalls() {
			if call.Stdout != "" {
				attachments = append(attachments, call.Stdout)
			}
			if call.Stderr != "" {
				attachments = append(attachments, call.Stderr)
			}
		}
	}

	w.dispatcher.Dispatch(ctx, Event{
		Job:         job,
		Metadata:    md,
		Host:        w.remote.Host(),
		Attachments: attachments,
	})
	result.Dispatched = true

	if w.store != nil {
		if _, err := w.store.MarkNotified(ctx, id, result.Status); err != nil {
			w.logger.ErrorWithContextf(ctx, err, "[Watcher] Failed to record notification for %s: %v", id, err)
		}
	}

	w.logger.InfoWithContextf(ctx, "[Watcher] %s finished as %s", id, result.Status)
	return result, nil
}

// record upserts the final state and returns the job as stored.
func (w *Watcher) record(ctx context.Context, id string, status entity.JobStatus, md *entity.Metadata) (*entity.Job, error) {
	job := &entity.Job{ID: id}
	if w.store == nil {
		job.Status = status
		job.ApplyMetadata(md)
		return job, nil
	}

	existing, err := w.store.Get(ctx, id)
	if err != nil {
		job.Status = status
		job.ApplyMetadata(md)
		return job, err
	}
	if existing != nil {
		job = existing
	}
	job.Status = status
	job.ApplyMetadata(md)

	if err := w.store.Upsert(ctx, job); err != nil {
		return job, err
	}
	return job, nil
}
