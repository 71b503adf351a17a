package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tnqbao/gau-workflow-monitor/entity"
	"github.com/tnqbao/gau-workflow-monitor/infra"
	"github.com/tnqbao/gau-workflow-monitor/repository"
)

func openTestStore(t *testing.T) *repository.JobRepository {
	t.Helper()
	client, err := infra.OpenDatabase("sqlite", filepath.Join(t.TempDir(), "workflow.db"))
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return repository.NewJobRepository(client.DB)
}

func mustGetJob(t *testing.T, store JobStore, id string) *entity.Job {
	t.Helper()
	job, err := store.Get(context.Background(), id)
	if err != nil || job == nil {
		t.Fatalf("Get(%s) = %v, %v", id, job, err)
	}
	return job
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func buildMetadata(t *testing.T, doc map[string]any) *entity.Metadata {
	t.Helper()
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	md, err := entity.ParseMetadata(raw)
	if err != nil {
		t.Fatal(err)
	}
	return md
}

// fakeRemote is a scripted execution server.
type fakeRemote struct {
	mu            sync.Mutex
	summaries     []entity.JobSummary
	metadata      map[string]*entity.Metadata
	statuses      map[string][]entity.JobStatus
	statusErrs    map[string][]error
	metadataCalls map[string]int
	queryErr      error
	queryPanic    bool
	// onQuery runs at the start of every Query, outside the lock.
	onQuery func()
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		metadata:      map[string]*entity.Metadata{},
		statuses:      map[string][]entity.JobStatus{},
		statusErrs:    map[string][]error{},
		metadataCalls: map[string]int{},
	}
}

func (f *fakeRemote) Host() string {
	return "cromwell.local"
}

func (f *fakeRemote) Query(_ context.Context, q entity.JobQuery) ([]entity.JobSummary, error) {
	if f.onQuery != nil {
		f.onQuery()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryPanic {
		panic("query exploded")
	}
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return append([]entity.JobSummary(nil), f.summaries...), nil
}

func (f *fakeRemote) setSummaries(s ...entity.JobSummary) {
	f.mu.Lock()
	f.summaries = s
	f.mu.Unlock()
}

func (f *fakeRemote) Metadata(_ context.Context, id string, _ time.Duration) (*entity.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadataCalls[id]++
	md, ok := f.metadata[id]
	if !ok {
		return nil, infra.ErrNotFound
	}
	return md, nil
}

func (f *fakeRemote) metadataCallCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metadataCalls[id]
}

// Status pops the next scripted status, repeating the last one.
func (f *fakeRemote) Status(ctx context.Context, id string) (entity.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.statusErrs[id]; len(errs) > 0 {
		err := errs[0]
		f.statusErrs[id] = errs[1:]
		if err != nil {
			return "", err
		}
	}
	seq := f.statuses[id]
	if len(seq) == 0 {
		return "", infra.ErrNotFound
	}
	status := seq[0]
	if len(seq) > 1 {
		f.statuses[id] = seq[1:]
	}
	return status, nil
}

type recordedEvent struct {
	subscriber  string
	jobID       string
	status      entity.JobStatus
	attachments []string
	contents    map[string][]byte
}

type eventLog struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (l *eventLog) add(e recordedEvent) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) all() []recordedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recordedEvent(nil), l.events...)
}

// recordingSubscriber records every event and optionally fails, panics or takes its time.
type recordingSubscriber struct {
	name      string
	log       *eventLog
	err       error
	panicWith any
	delay     time.Duration
	// onEvent runs before the event is recorded.
	onEvent func(ctx context.Context)
}

func (s *recordingSubscriber) Name() string {
	return s.name
}

func (s *recordingSubscriber) OnJobStatusChanged(ctx context.Context, event Event) error {
	if s.onEvent != nil {
		s.onEvent(ctx)
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	contents := map[string][]byte{}
	for _, p := range event.Attachments {
		if data, err := (&infra.BlobLogReader{}).ReadLog(context.Background(), p); err == nil {
			contents[p] = data
		}
	}
	s.log.add(recordedEvent{
		subscriber:  s.name,
		jobID:       event.Job.ID,
		status:      event.Job.Status,
		attachments: append([]string(nil), event.Attachments...),
		contents:    contents,
	})
	if s.panicWith != nil {
		panic(s.panicWith)
	}
	return s.err
}

// failingCommitStore wraps a real store but refuses batch commits.
type failingCommitStore struct {
	*repository.JobRepository
}

func (s failingCommitStore) CommitBatch(context.Context, []*entity.Job) error {
	return errors.New("disk full")
}

type fakeLease struct {
	granted bool
	calls   int
}

func (l *fakeLease) Acquire(context.Context, string, time.Duration) (bool, error) {
	l.calls++
	return l.granted, nil
}

// memoryBlobStore is an in-memory BlobStore.
type memoryBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryBlobStore() *memoryBlobStore {
	return &memoryBlobStore{objects: map[string][]byte{}}
}

func (m *memoryBlobStore) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", infra.ErrObjectNotFound, bucket, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryBlobStore) Put(_ context.Context, bucket, key string, body io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[bucket+"/"+key] = data
	m.mu.Unlock()
	return nil
}

func (m *memoryBlobStore) List(context.Context, string, string) ([]infra.BlobObject, error) {
	return nil, nil
}

func (m *memoryBlobStore) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	delete(m.objects, bucket+"/"+key)
	m.mu.Unlock()
	return nil
}
