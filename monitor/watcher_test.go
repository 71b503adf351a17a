package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tnqbao/gau-workflow-monitor/entity"
	"github.com/tnqbao/gau-workflow-monitor/infra"
)

func newTestWatcher(remote StatusSource, store JobStore, log *eventLog, tempDir string) *Watcher {
	return NewWatcher(remote, store, NewDispatcher(nil, nil, &recordingSubscriber{name: "recorder", log: log}), WatcherOptions{
		Interval: time.Millisecond,
		TempDir:  tempDir,
	}, nil, nil)
}

func TestWatchNotifiesOnceWhenJobFinishes(t *testing.T) {
	t.Parallel()

	id := uuid.NewString()
	remote := newFakeRemote()
	remote.statuses[id] = []entity.JobStatus{entity.JobStatusSubmitted, entity.JobStatusRunning, entity.JobStatusRunning, entity.JobStatusSucceeded}
	remote.metadata[id] = buildMetadata(t, map[string]any{
		"id": id, "status": "Succeeded", "workflowName": "wf",
		"labels": map[string]string{"username": "alice"},
	})

	store := openTestStore(t)
	log := &eventLog{}
	tempDir := t.TempDir()

	result, err := newTestWatcher(remote, store, log, tempDir).Watch(context.Background(), id)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if result.Status != entity.JobStatusSucceeded || !result.Dispatched {
		t.Fatalf("result = %+v", result)
	}
	if got := remote.metadataCallCount(id); got != 1 {
		t.Fatalf("metadata fetched %d times, want 1", got)
	}

	events := log.all()
	if len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
	event := events[0]
	if len(event.attachments) != 1 {
		t.Fatalf("attachments = %v", event.attachments)
	}
	metadataFile := event.attachments[0]
	if !strings.HasPrefix(filepath.Base(metadataFile), id) || !strings.HasSuffix(metadataFile, ".metadata") {
		t.Fatalf("metadata file = %s", metadataFile)
	}
	if !strings.Contains(string(event.contents[metadataFile]), `"workflowName":"wf"`) {
		t.Fatalf("metadata file content = %q", event.contents[metadataFile])
	}
	if _, err := os.Stat(metadataFile); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("metadata file left behind: %v", err)
	}

	stored := mustGetJob(t, store, id)
	if stored.Owner != "alice" || !stored.IsNotifiedFor(entity.JobStatusSucceeded) {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestWatchAttachesFailedCallLogs(t *testing.T) {
	t.Parallel()

	id := uuid.NewString()
	remote := newFakeRemote()
	remote.statuses[id] = []entity.JobStatus{entity.JobStatusFailed}
	remote.metadata[id] = buildMetadata(t, map[string]any{
		"id": id, "status": "Failed",
		"calls": map[string]any{
			"wf.align": []map[string]any{
				{"executionStatus": "Failed", "stdout": "/logs/align-stdout", "stderr": "/logs/align-stderr", "shardIndex": -1, "attempt": 1},
				{"executionStatus": "Done", "stdout": "/logs/ok-stdout", "shardIndex": -1, "attempt": 2},
			},
		},
	})

	log := &eventLog{}
	if _, err := newTestWatcher(remote, nil, log, t.TempDir()).Watch(context.Background(), id); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	events := log.all()
	if len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
	got := events[0].attachments[1:]
	want := []string{"/logs/align-stdout", "/logs/align-stderr"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("log attachments = %v, want %v", got, want)
	}
}

func TestWatchToleratesBriefNotFound(t *testing.T) {
	t.Parallel()

	id := uuid.NewString()
	remote := newFakeRemote()
	remote.statusErrs[id] = []error{infra.ErrNotFound, infra.ErrNotFound, errors.New("timeout"), nil}
	remote.statuses[id] = []entity.JobStatus{entity.JobStatusAborted}
	remote.metadata[id] = buildMetadata(t, map[string]any{"id": id, "status": "Aborted"})

	log := &eventLog{}
	result, err := newTestWatcher(remote, nil, log, t.TempDir()).Watch(context.Background(), id)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if result.Status != entity.JobStatusAborted || len(log.all()) != 1 {
		t.Fatalf("result = %+v, events = %d", result, len(log.all()))
	}
}

func TestWatchGivesUpOnUnknownJob(t *testing.T) {
	t.Parallel()

	log := &eventLog{}
	_, err := newTestWatcher(newFakeRemote(), nil, log, t.TempDir()).Watch(context.Background(), uuid.NewString())
	if !errors.Is(err, infra.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(log.all()) != 0 {
		t.Fatal("unknown job dispatched")
	}
}

func TestWatchStopsOnCancel(t *testing.T) {
	t.Parallel()

	id := uuid.NewString()
	remote := newFakeRemote()
	remote.statuses[id] = []entity.JobStatus{entity.JobStatusRunning}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	log := &eventLog{}
	_, err := newTestWatcher(remote, nil, log, t.TempDir()).Watch(ctx, id)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if len(log.all()) != 0 {
		t.Fatal("running job dispatched")
	}
}

func TestWatchSkipsJobsAlreadyNotified(t *testing.T) {
	t.Parallel()

	id := uuid.NewString()
	store := openTestStore(t)
	if err := store.Upsert(context.Background(), &entity.Job{ID: id, Status: entity.JobStatusSucceeded, Start: timePtr(time.Now().UTC())}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.MarkNotified(context.Background(), id, entity.JobStatusSucceeded); err != nil {
		t.Fatal(err)
	}

	remote := newFakeRemote()
	remote.statuses[id] = []entity.JobStatus{entity.JobStatusSucceeded}
	remote.metadata[id] = buildMetadata(t, map[string]any{"id": id, "status": "Succeeded"})

	log := &eventLog{}
	result, err := newTestWatcher(remote, store, log, t.TempDir()).Watch(context.Background(), id)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if result.Dispatched || len(log.all()) != 0 {
		t.Fatalf("already notified job dispatched again: %+v", result)
	}
}

func TestWatchFinishesDispatchAfterCancel(t *testing.T) {
	t.Parallel()

	id := uuid.NewString()
	remote := newFakeRemote()
	remote.statuses[id] = []entity.JobStatus{entity.JobStatusSucceeded}
	remote.metadata[id] = buildMetadata(t, map[string]any{"id": id, "status": "Succeeded"})
	store := openTestStore(t)
	log := &eventLog{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var subscriberCtxErr error
	sub := &recordingSubscriber{name: "recorder", log: log, onEvent: func(subCtx context.Context) {
		cancel()
		subscriberCtxErr = subCtx.Err()
	}}
	watcher := NewWatcher(remote, store, NewDispatcher(nil, nil, sub), WatcherOptions{
		Interval: time.Millisecond,
		TempDir:  t.TempDir(),
	}, nil, nil)

	result, err := watcher.Watch(ctx, id)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if !result.Dispatched || subscriberCtxErr != nil {
		t.Fatalf("result = %+v, subscriber context err = %v", result, subscriberCtxErr)
	}
	if got := mustGetJob(t, store, id); !got.IsNotifiedFor(entity.JobStatusSucceeded) {
		t.Fatalf("notification not recorded after cancel: %+v", got)
	}
}
