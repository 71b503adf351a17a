package monitor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tnqbao/gau-workflow-monitor/entity"
	"github.com/tnqbao/gau-workflow-monitor/infra"
	"github.com/tnqbao/gau-workflow-monitor/repository"
)

// RemoteJobs is the part of the execution server client the reconciler needs.
type RemoteJobs interface {
	Query(ctx context.Context, q entity.JobQuery) ([]entity.JobSummary, error)
	Metadata(ctx context.Context, id string, cacheFor time.Duration) (*entity.Metadata, error)
	Host() string
}

type JobStore interface {
	Get(ctx context.Context, id string) (*entity.Job, error)
	Upsert(ctx context.Context, job *entity.Job) error
	ListSince(ctx context.Context, since time.Time, owner string) ([]entity.Job, error)
	Find(ctx context.Context, filter repository.JobFilter) ([]entity.Job, error)
	MarkNotified(ctx context.Context, id string, status entity.JobStatus) (bool, error)
	ClaimNotification(ctx context.Context, id string, status entity.JobStatus, ttl time.Duration) (bool, error)
	CommitBatch(ctx context.Context, jobs []*entity.Job) error
}

// DefaultClaimTTL bounds how long a crashed notifier can hold a job before another pass
// takes the notification over.
const DefaultClaimTTL = 15 * time.Minute

// leaseIntervals is how many tick intervals a lease outlives its last renewal.
const leaseIntervals = 3

type ReconcilerOptions struct {
	// Owner limits reconciliation to one user's jobs; "*" reconciles everyone's.
	Owner          string
	Interval       time.Duration
	Lookback       time.Duration
	RunStates      []string
	TerminalStates []string
	Notify         bool
	CacheFor       time.Duration
	Lease          TickLease
	// TickTimeout bounds one tick. A shutdown signal does not cut a tick short.
	TickTimeout time.Duration
	ClaimTTL    time.Duration
}

type TickResult struct {
	New        int
	Changed    int
	Dispatched int
	Skipped    bool
}

// Reconciler periodically diffs the server's view of recent jobs against the local store,
// commits the differences and notifies subscribers about terminal transitions.
type Reconciler struct {
	remote     RemoteJobs
	store      JobStore
	dispatcher *Dispatcher
	opts       ReconcilerOptions
	runStates  entity.StatusSet
	statuses   []entity.JobStatus
	startedAt  time.Time
	logger     *infra.LoggerClient
	telemetry  *infra.Telemetry
	now        func() time.Time
}

func NewReconciler(remote RemoteJobs, store JobStore, dispatcher *Dispatcher, opts ReconcilerOptions, logger *infra.LoggerClient, telemetry *infra.Telemetry) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 7 * 24 * time.Hour
	}
	if opts.CacheFor <= 0 {
		opts.CacheFor = 15 * time.Second
	}
	if opts.TickTimeout <= 0 {
		opts.TickTimeout = 10 * opts.Interval
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = DefaultClaimTTL
	}
	if opts.Owner == "" {
		opts.Owner = "*"
	}
	if len(opts.RunStates) == 0 {
		for _, s := range entity.DefaultRunStates {
			opts.RunStates = append(opts.RunStates, string(s))
		}
	}
	if len(opts.TerminalStates) == 0 {
		for _, s := range entity.DefaultTerminalStates {
			opts.TerminalStates = append(opts.TerminalStates, string(s))
		}
	}
	if logger == nil {
		logger = infra.NewDiscardLogger()
	}
	if telemetry == nil {
		telemetry = infra.NewNoopTelemetry()
	}

	var statuses []entity.JobStatus
	for _, s := range append(append([]string{}, opts.RunStates...), opts.TerminalStates...) {
		statuses = append(statuses, entity.JobStatus(s))
	}

	return &Reconciler{
		remote:     remote,
		store:      store,
		dispatcher: dispatcher,
		opts:       opts,
		runStates:  entity.NewStatusSet(opts.RunStates...),
		statuses:   statuses,
		startedAt:  time.Now().UTC(),
		logger:     logger,
		telemetry:  telemetry,
		now:        time.Now,
	}
}

// Run ticks immediately and then every interval until ctx is cancelled. A tick in progress
// when ctx is cancelled runs to completion; no new tick starts afterwards.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.InfoWithContextf(ctx, "[Reconciler] Monitoring workflows of %s on %s every %s", r.opts.Owner, r.remote.Host(), r.opts.Interval)

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		r.safeTick(ctx)

		select {
		case <-ctx.Done():
			r.logger.InfoWithContextf(ctx, "[Reconciler] Shutting down...")
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) safeTick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.telemetry.TickFailures.Add(ctx, 1)
			r.logger.ErrorWithContextf(ctx, fmt.Errorf("panic: %v", rec), "[Reconciler] Tick panicked: %v\n%s", rec, debug.Stack())
		}
	}()

	tickCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.TickTimeout)
	defer cancel()

	result, err := r.Tick(tickCtx)
	if err != nil {
		r.telemetry.TickFailures.Add(ctx, 1)
		r.logger.ErrorWithContextf(ctx, err, "[Reconciler] Tick abandoned: %v", err)
		return
	}
	if result.New > 0 || result.Changed > 0 || result.Dispatched > 0 {
		r.logger.InfoWithContextf(ctx, "[Reconciler] Tick done: %d new, %d changed, %d notified", result.New, result.Changed, result.Dispatched)
	}
}

type candidate struct {
	job *entity.Job
	md  *entity.Metadata
}

// Tick runs one reconciliation pass. A returned error means nothing was committed or dispatched.
func (r *Reconciler) Tick(ctx context.Context) (TickResult, error) {
	var result TickResult

	ctx, span := r.telemetry.Tracer.Start(ctx, "monitor.tick",
		trace.WithAttributes(attribute.String("owner", r.opts.Owner)))
	defer span.End()
	r.telemetry.Ticks.Add(ctx, 1, metric.WithAttributes(attribute.String("owner", r.opts.Owner)))

	if r.opts.Lease != nil {
		acquired, err := r.opts.Lease.Acquire(ctx, r.opts.Owner, leaseIntervals*r.opts.Interval)
		if err != nil {
			r.logger.WarningWithContextf(ctx, "[Reconciler] Lease unavailable, ticking anyway: %v", err)
		} else if !acquired {
			r.logger.DebugWithContextf(ctx, "[Reconciler] Another replica holds this tick")
			result.Skipped = true
			return result, nil
		}
	}

	since := r.now().UTC().Add(-r.opts.Lookback)

	local, err := r.store.ListSince(ctx, since, r.opts.Owner)
	if err != nil {
		return result, fmt.Errorf("failed to load local workflows: %w", err)
	}
	remote, err := r.remote.Query(ctx, entity.JobQuery{
		Owner:    r.opts.Owner,
		Since:    &since,
		Statuses: r.statuses,
	})
	if err != nil {
		return result, fmt.Errorf("failed to query remote workflows: %w", err)
	}

	known := make(map[string]*entity.Job, len(local))
	for i := range local {
		known[local[i].ID] = &local[i]
	}

	var (
		batch      []*entity.Job
		candidates []candidate
	)
	for _, summary := range remote {
		existing, ok := known[summary.ID]
		if !ok {
			md, err := r.remote.Metadata(ctx, summary.ID, r.opts.CacheFor)
			if err != nil {
				r.logger.WarningWithContextf(ctx, "[Reconciler] Skipping new workflow %s until its metadata is readable: %v", summary.ID, err)
				continue
			}

			job := entity.JobFromSummary(summary)
			job.ApplyMetadata(md)
			if job.Owner == "" && r.opts.Owner != "*" {
				job.Owner = r.opts.Owner
			}
			batch = append(batch, job)
			result.New++

			if r.isTerminal(job.Status) {
				if r.finishedBeforeStart(job) {
					// already over when monitoring began; record without notifying
					job.Notified = true
					job.NotifiedStatus = job.Status
				} else {
					candidates = append(candidates, candidate{job: job, md: md})
				}
			}
			continue
		}

		if existing.Status == summary.Status {
			continue
		}
		if r.isTerminal(existing.Status) && r.runStates.Contains(summary.Status) {
			r.logger.WarningWithContextf(ctx, "[Reconciler] Ignoring %s for %s: already %s", summary.Status, summary.ID, existing.Status)
			continue
		}

		job := *existing
		job.Status = summary.Status
		if summary.End != nil {
			job.End = summary.End
		}
		if job.Name == "" {
			job.Name = summary.Name
		}
		batch = append(batch, &job)
		result.Changed++

		if r.isTerminal(job.Status) && !job.IsNotifiedFor(job.Status) {
			candidates = append(candidates, candidate{job: &job})
		}
	}

	if err := r.store.CommitBatch(ctx, batch); err != nil {
		return result, fmt.Errorf("failed to commit %d workflows: %w", len(batch), err)
	}

	if !r.opts.Notify {
		return result, nil
	}

	candidates = r.withStragglers(ctx, since, candidates)
	for _, c := range candidates {
		if r.notify(ctx, c) {
			result.Dispatched++
		}
	}
	return result, nil
}

// withStragglers adds stored terminal jobs whose notification never completed.
func (r *Reconciler) withStragglers(ctx context.Context, since time.Time, candidates []candidate) []candidate {
	terminal := make([]entity.JobStatus, 0, len(r.opts.TerminalStates))
	for _, s := range r.opts.TerminalStates {
		terminal = append(terminal, entity.JobStatus(s))
	}

	pending, err := r.store.Find(ctx, repository.JobFilter{
		Owner:      r.opts.Owner,
		Since:      &since,
		Statuses:   terminal,
		Unnotified: true,
	})
	if err != nil {
		r.logger.WarningWithContextf(ctx, "[Reconciler] Could not load pending notifications: %v", err)
		return candidates
	}

	seen := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		seen[c.job.ID] = true
	}
	for i := range pending {
		if !seen[pending[i].ID] {
			candidates = append(candidates, candidate{job: &pending[i]})
		}
	}
	return candidates
}

func (r *Reconciler) notify(ctx context.Context, c candidate) bool {
	md := c.md
	if md == nil {
		var err error
		md, err = r.remote.Metadata(ctx, c.job.ID, r.opts.CacheFor)
		if err != nil {
			r.logger.WarningWithContextf(ctx, "[Reconciler] Deferring notification for %s: %v", c.job.ID, err)
			return false
		}
	}

	claimed, err := r.store.ClaimNotification(ctx, c.job.ID, c.job.Status, r.opts.ClaimTTL)
	if err != nil {
		r.logger.WarningWithContextf(ctx, "[Reconciler] Deferring notification for %s: %v", c.job.ID, err)
		return false
	}
	if !claimed {
		r.logger.DebugWithContextf(ctx, "[Reconciler] %s is being notified elsewhere", c.job.ID)
		return false
	}

	r.dispatcher.Dispatch(ctx, Event{Job: c.job, Metadata: md, Host: r.remote.Host()})

	if _, err := r.store.MarkNotified(ctx, c.job.ID, c.job.Status); err != nil {
		r.logger.ErrorWithContextf(ctx, err, "[Reconciler] Failed to record notification for %s: %v", c.job.ID, err)
	}
	return true
}

func (r *Reconciler) isTerminal(status entity.JobStatus) bool {
	return !r.runStates.Contains(status)
}

func (r *Reconciler) finishedBeforeStart(job *entity.Job) bool {
	return job.End != nil && job.End.Before(r.startedAt)
}
