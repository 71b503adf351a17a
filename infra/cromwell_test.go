package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tnqbao/gau-workflow-monitor/entity"
)

func newTestClient(t *testing.T, handler http.Handler, opts CromwellOptions) *CromwellClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts.BaseURL = srv.URL
	if opts.User == "" {
		opts.User = "alice"
	}
	if opts.LabelInitialBackoff == 0 {
		opts.LabelInitialBackoff = time.Millisecond
	}
	return NewCromwellClient(opts)
}

func metadataJSON(id, status string) string {
	return fmt.Sprintf(`{"id":%q,"status":%q,"workflowName":"wf","labels":{"username":"alice"}}`, id, status)
}

func TestMetadataServesCachedCopyInsideWindow(t *testing.T) {
	t.Parallel()

	id := uuid.NewString()
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/workflows/v1/"+id+"/metadata", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, metadataJSON(id, "Running"))
	})
	client := newTestClient(t, mux, CromwellOptions{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		md, err := client.Metadata(ctx, id, 15*time.Second)
		if err != nil {
			t.Fatalf("Metadata: %v", err)
		}
		if md.Status != entity.JobStatusRunning {
			t.Fatalf("status = %s", md.Status)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("server hit %d times, want 1", got)
	}

	if _, err := client.Metadata(ctx, id, 0); err != nil {
		t.Fatalf("uncached Metadata: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("uncached read should refetch, hits = %d", got)
	}
}

func TestMetadataCollapsesConcurrentRefreshes(t *testing.T) {
	t.Parallel()

	id := uuid.NewString()
	release := make(chan struct{})
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/workflows/v1/"+id+"/metadata", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = io.WriteString(w, metadataJSON(id, "Succeeded"))
	})
	client := newTestClient(t, mux, CromwellOptions{})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Metadata(context.Background(), id, 15*time.Second)
			errs <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Metadata: %v", err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("server hit %d times, want 1", got)
	}
}

func TestMetadataCancelledCallerDoesNotFailJoinedCallers(t *testing.T) {
	t.Parallel()

	id := uuid.NewString()
	started := make(chan struct{})
	release := make(chan struct{})
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/workflows/v1/"+id+"/metadata", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			close(started)
		}
		<-release
		_, _ = io.WriteString(w, metadataJSON(id, "Failed"))
	})
	client := newTestClient(t, mux, CromwellOptions{})

	requestCtx, cancelRequest := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := client.Metadata(requestCtx, id, 15*time.Second)
		first <- err
	}()
	<-started

	second := make(chan *entity.Metadata, 1)
	secondErr := make(chan error, 1)
	go func() {
		md, err := client.Metadata(context.Background(), id, 15*time.Second)
		secondErr <- err
		second <- md
	}()
	time.Sleep(20 * time.Millisecond)

	cancelRequest()
	if err := <-first; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller got %v, want context.Canceled", err)
	}

	close(release)
	if err := <-secondErr; err != nil {
		t.Fatalf("joined caller failed with the first caller's cancellation: %v", err)
	}
	if md := <-second; md.Status != entity.JobStatusFailed {
		t.Fatalf("status = %s", md.Status)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("server hit %d times, want 1", got)
	}
}

func TestMetadataFetchesShareRateLimiter(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/workflows/v1/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		_, _ = io.WriteString(w, metadataJSON(parts[4], "Running"))
	})
	limiter := NewRateLimiter(2, 150*time.Millisecond)
	client := newTestClient(t, mux, CromwellOptions{Limiter: limiter})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := client.Metadata(context.Background(), uuid.NewString(), 0); err != nil {
			t.Fatalf("Metadata %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 140*time.Millisecond {
		t.Fatalf("third fetch finished after %s; it should have waited for the window", elapsed)
	}
}

func TestStatusMapsMissingJobToNotFound(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, `{"status":"fail","message":"Unrecognized workflow ID"}`, http.StatusNotFound)
	}), CromwellOptions{})
	ctx := context.Background()

	if _, err := client.Status(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	if _, err := client.Status(ctx, "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("malformed id err = %v, want ErrNotFound", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("malformed id should not reach the server, hits = %d", got)
	}
}

func TestStatusMapsServerErrorToTransient(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}), CromwellOptions{})

	_, err := client.Status(context.Background(), uuid.NewString())
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
}

func TestLabelRetriesUpToFourAttempts(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusInternalServerError)
	}), CromwellOptions{})

	err := client.Label(context.Background(), uuid.NewString(), entity.Labels{"team": "genomics"})
	if !errors.Is(err, ErrLabelFailed) {
		t.Fatalf("err = %v, want ErrLabelFailed", err)
	}
	if got := hits.Load(); got != 4 {
		t.Fatalf("attempts = %d, want 4", got)
	}
}

func TestLabelStopsOnSuccess(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	var body atomic.Value
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s", r.Method)
		}
		raw, _ := io.ReadAll(r.Body)
		body.Store(string(raw))
		if n < 3 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"id":"x","labels":{}}`)
	}), CromwellOptions{})

	if err := client.Label(context.Background(), uuid.NewString(), entity.Labels{"team": "genomics"}); err != nil {
		t.Fatalf("Label: %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if got := body.Load().(string); got != `{"team":"genomics"}` {
		t.Fatalf("payload = %s", got)
	}
}

func TestLabelSucceedsFirstTime(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}), CromwellOptions{})

	if err := client.Label(context.Background(), uuid.NewString(), entity.Labels{"a": "b"}); err != nil {
		t.Fatalf("Label: %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

type capturedSubmission struct {
	workflow string
	inputs   string
	options  map[string]any
	labels   map[string]string
}

func submissionRecorder(t *testing.T, newID string, out chan<- capturedSubmission) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		read := func(field string) string {
			files := r.MultipartForm.File[field]
			if len(files) == 0 {
				return ""
			}
			f, err := files[0].Open()
			if err != nil {
				t.Errorf("open %s: %v", field, err)
				return ""
			}
			defer f.Close()
			data, _ := io.ReadAll(f)
			return string(data)
		}

		sub := capturedSubmission{workflow: read("workflowSource"), inputs: read("workflowInputs")}
		if raw := read("labels"); raw != "" {
			_ = json.Unmarshal([]byte(raw), &sub.labels)
		}
		if raw := read("workflowOptions"); raw != "" {
			_ = json.Unmarshal([]byte(raw), &sub.options)
		}
		out <- sub

		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"id":%q,"status":"Submitted"}`, newID)
	}
}

func TestSubmitAddsUsernameLabel(t *testing.T) {
	t.Parallel()

	newID := uuid.NewString()
	subs := make(chan capturedSubmission, 2)
	client := newTestClient(t, submissionRecorder(t, newID, subs), CromwellOptions{User: "alice"})
	ctx := context.Background()

	handle, err := client.Submit(ctx, entity.SubmitRequest{
		WorkflowSource: []byte("workflow wf {}"),
		Inputs:         []byte(`{"wf.x":1}`),
		Labels:         entity.Labels{"project": "p1"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if handle.ID != newID || handle.Status != entity.JobStatusSubmitted {
		t.Fatalf("handle = %+v", handle)
	}

	sub := <-subs
	if sub.labels["username"] != "alice" || sub.labels["project"] != "p1" {
		t.Fatalf("labels = %v", sub.labels)
	}
	if sub.workflow != "workflow wf {}" || sub.inputs != `{"wf.x":1}` {
		t.Fatalf("submission = %+v", sub)
	}

	if _, err := client.Submit(ctx, entity.SubmitRequest{
		WorkflowSource: []byte("workflow wf {}"),
		Labels:         entity.Labels{"username": "bob"},
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub := <-subs; sub.labels["username"] != "bob" {
		t.Fatalf("caller's username overridden: %v", sub.labels)
	}
}

func TestSubmitFailureWrapsSentinel(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid workflow", http.StatusBadRequest)
	}), CromwellOptions{})

	_, err := client.Submit(context.Background(), entity.SubmitRequest{WorkflowSource: []byte("x")})
	if !errors.Is(err, ErrSubmitFailed) {
		t.Fatalf("err = %v, want ErrSubmitFailed", err)
	}
}

func TestRestartResubmitsWithSanitizedLabels(t *testing.T) {
	t.Parallel()

	oldID := uuid.NewString()
	newID := uuid.NewString()
	subs := make(chan capturedSubmission, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/workflows/v1/"+oldID+"/metadata", func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]any{
			"id":           oldID,
			"status":       "Failed",
			"workflowName": "wf",
			"labels": map[string]string{
				"username":                "bob",
				"cromwell-workflow-id":    "cromwell-" + oldID,
				"cromwell-restarted-from": "older",
				"project":                 "p1",
			},
			"submittedFiles": map[string]string{
				"workflow": "workflow wf {}",
				"inputs":   `{"wf.x":1}`,
				"options":  `{"final_workflow_outputs_dir":"/out"}`,
			},
		}
		_ = json.NewEncoder(w).Encode(doc)
	})
	mux.HandleFunc("/api/workflows/v1", submissionRecorder(t, newID, subs))
	client := newTestClient(t, mux, CromwellOptions{User: "alice"})

	handle, err := client.Restart(context.Background(), oldID, true)
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if handle.ID != newID {
		t.Fatalf("new id = %s", handle.ID)
	}

	sub := <-subs
	want := map[string]string{
		"username":                "alice",
		"cromwell-restarted-from": oldID,
		"project":                 "p1",
	}
	if len(sub.labels) != len(want) {
		t.Fatalf("labels = %v, want %v", sub.labels, want)
	}
	for k, v := range want {
		if sub.labels[k] != v {
			t.Fatalf("label %s = %q, want %q", k, sub.labels[k], v)
		}
	}
	if sub.options["read_from_cache"] != false || sub.options["final_workflow_outputs_dir"] != "/out" {
		t.Fatalf("options = %v", sub.options)
	}
	if sub.inputs != `{"wf.x":1}` {
		t.Fatalf("inputs = %s", sub.inputs)
	}
}

func TestRestartRequiresSubmittedInputs(t *testing.T) {
	t.Parallel()

	id := uuid.NewString()
	var submits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/workflows/v1/"+id+"/metadata", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, metadataJSON(id, "Aborted"))
	})
	mux.HandleFunc("/api/workflows/v1", func(w http.ResponseWriter, r *http.Request) {
		submits.Add(1)
	})
	client := newTestClient(t, mux, CromwellOptions{})

	_, err := client.Restart(context.Background(), id, false)
	if !errors.Is(err, ErrRestartFailed) {
		t.Fatalf("err = %v, want ErrRestartFailed", err)
	}
	if submits.Load() != 0 {
		t.Fatal("nothing should be submitted")
	}
}

func TestQueryEncodesFilters(t *testing.T) {
	t.Parallel()

	var gotQuery atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/api/workflows/v1/query", func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query())
		_, _ = io.WriteString(w, `{"results":[{"id":"a","status":"Running","name":"wf"}],"totalResultsCount":1}`)
	})
	client := newTestClient(t, mux, CromwellOptions{})

	since := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	results, err := client.Query(context.Background(), entity.JobQuery{
		Owner:    "alice",
		Labels:   entity.Labels{"system-test": "true"},
		Since:    &since,
		Statuses: []entity.JobStatus{entity.JobStatusRunning, entity.JobStatusFailed},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].ID != "a" {
		t.Fatalf("results = %+v", results)
	}

	q := gotQuery.Load().(url.Values)
	if got := strings.Join(q["label"], ","); got != "system-test:true,username:alice" {
		t.Fatalf("labels = %s", got)
	}
	if got := strings.Join(q["status"], ","); got != "Running,Failed" {
		t.Fatalf("statuses = %s", got)
	}
	if q["start"][0] != "2024-03-01T12:00:00Z" {
		t.Fatalf("start = %s", q["start"][0])
	}
}

func TestQueryWildcardOwnerOmitsUsernameLabel(t *testing.T) {
	t.Parallel()

	var gotQuery atomic.Value
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.RawQuery)
		_, _ = io.WriteString(w, `{"results":[],"totalResultsCount":0}`)
	}), CromwellOptions{})

	if _, err := client.Query(context.Background(), entity.JobQuery{Owner: "*"}); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if raw := gotQuery.Load().(string); strings.Contains(raw, "label=") {
		t.Fatalf("query %q should carry no label filter", raw)
	}
}

func TestExplainIncludesFailedCallLogsWithPlaceholder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	stdout := filepath.Join(dir, "stdout")
	if err := os.WriteFile(stdout, []byte("task output"), 0o644); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "stderr-missing")

	id := uuid.NewString()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/workflows/v1/"+id+"/metadata", func(w http.ResponseWriter, r *http.Request) {
		doc := map[string]any{
			"id":           id,
			"status":       "Failed",
			"workflowName": "wf",
			"failures":     []map[string]any{{"message": "Workflow failed", "causedBy": []map[string]any{{"message": "Task wf.a failed"}}}},
			"inputs":       map[string]any{"wf.x": 1},
			"calls": map[string]any{
				"wf.a": []map[string]any{{"executionStatus": "Failed", "stdout": stdout, "stderr": missing, "shardIndex": -1, "attempt": 1}},
				"wf.b": []map[string]any{{"executionStatus": "Done", "shardIndex": -1, "attempt": 1}},
			},
		}
		_ = json.NewEncoder(w).Encode(doc)
	})
	client := newTestClient(t, mux, CromwellOptions{Logs: NewBlobLogReader(nil)})

	explanation, err := client.Explain(context.Background(), id, false)
	if err != nil {
		t.Fatalf("Explain: %v", err)
	}
	if explanation.Status != entity.JobStatusFailed || len(explanation.Failures) != 2 {
		t.Fatalf("explanation = %+v", explanation)
	}
	if explanation.Inputs != nil {
		t.Fatal("inputs included without being asked for")
	}
	if len(explanation.FailedCalls) != 1 {
		t.Fatalf("failed calls = %+v", explanation.FailedCalls)
	}
	call := explanation.FailedCalls[0]
	if call.Stdout.Content != "task output" {
		t.Fatalf("stdout = %q", call.Stdout.Content)
	}
	if !strings.HasPrefix(call.Stderr.Content, "Unable to read") {
		t.Fatalf("stderr placeholder = %q", call.Stderr.Content)
	}
	if !strings.HasSuffix(explanation.TimingURL, "/"+id+"/timing") {
		t.Fatalf("timing url = %s", explanation.TimingURL)
	}
}
