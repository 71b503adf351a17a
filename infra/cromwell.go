package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/tnqbao/gau-workflow-monitor/config"
	"github.com/tnqbao/gau-workflow-monitor/entity"
)

const cromwellAPIPath = "/api/workflows/v1"

type CromwellOptions struct {
	// BaseURL overrides Host and Port, e.g. "http://cromwell:8000".
	BaseURL string
	Host    string
	Port    int
	User    string
	Timeout time.Duration

	Limiter             *RateLimiter
	Cache               MetadataCache
	Logs                LogReader
	LabelAttempts       int
	LabelInitialBackoff time.Duration

	HTTPClient *http.Client
	Logger     *LoggerClient
	Telemetry  *Telemetry
}

// CromwellClient is the typed client for the workflow execution server.
type CromwellClient struct {
	baseURL string
	host    string
	user    string

	http    *http.Client
	limiter *RateLimiter
	cache   MetadataCache
	logs    LogReader
	flights singleflight.Group

	labelAttempts       uint
	labelInitialBackoff time.Duration

	logger    *LoggerClient
	telemetry *Telemetry
}

func InitCromwellClient(cfg *config.EnvConfig, cache MetadataCache, logs LogReader, logger *LoggerClient, telemetry *Telemetry) *CromwellClient {
	if cfg.Cromwell.Host == "" {
		panic("Cromwell host is not configured")
	}

	return NewCromwellClient(CromwellOptions{
		Host:          cfg.Cromwell.Host,
		Port:          cfg.Cromwell.Port,
		User:          cfg.Monitor.User,
		Timeout:       cfg.Cromwell.Timeout,
		Limiter:       NewRateLimiter(cfg.Monitor.RateLimitCapacity, cfg.Monitor.RateLimitWindow),
		Cache:         cache,
		Logs:          logs,
		LabelAttempts: cfg.Monitor.LabelAttempts,
		Logger:        logger,
		Telemetry:     telemetry,
	})
}

func NewCromwellClient(opts CromwellOptions) *CromwellClient {
	root := strings.TrimRight(opts.BaseURL, "/")
	host := opts.Host
	if root == "" {
		port := opts.Port
		if port == 0 {
			port = 8000
		}
		root = fmt.Sprintf("http://%s:%d", host, port)
	} else if parsed, err := url.Parse(root); err == nil {
		host = parsed.Hostname()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	limiter := opts.Limiter
	if limiter == nil {
		limiter = NewRateLimiter(300, time.Minute)
	}

	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryMetadataCache()
	}

	attempts := opts.LabelAttempts
	if attempts <= 0 {
		attempts = 4
	}

	initialBackoff := opts.LabelInitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = 500 * time.Millisecond
	}

	logger := opts.Logger
	if logger == nil {
		logger = NewDiscardLogger()
	}

	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = NewNoopTelemetry()
	}

	return &CromwellClient{
		baseURL:             root + cromwellAPIPath,
		host:                host,
		user:                opts.User,
		http:                httpClient,
		limiter:             limiter,
		cache:               cache,
		logs:                opts.Logs,
		labelAttempts:       uint(attempts),
		labelInitialBackoff: initialBackoff,
		logger:              logger,
		telemetry:           telemetry,
	}
}

// Host is the execution server host name, used to pick cloud or local presentation.
func (c *CromwellClient) Host() string {
	return c.host
}

func (c *CromwellClient) User() string {
	return c.user
}

func (c *CromwellClient) Limiter() *RateLimiter {
	return c.limiter
}

func (c *CromwellClient) MetadataURL(id string) string {
	return fmt.Sprintf("%s/%s/metadata", c.baseURL, id)
}

func (c *CromwellClient) TimingURL(id string) string {
	return fmt.Sprintf("%s/%s/timing", c.baseURL, id)
}

func (c *CromwellClient) Status(ctx context.Context, id string) (entity.JobStatus, error) {
	if err := validateJobID(id); err != nil {
		return "", err
	}

	var body struct {
		ID     string           `json:"id"`
		Status entity.JobStatus `json:"status"`
	}
	if err := c.getJSON(ctx, "/"+id+"/status", nil, &body); err != nil {
		return "", fmt.Errorf("failed to query status of %s: %w", id, err)
	}
	return body.Status, nil
}

// Metadata returns the job's metadata document. With cacheFor > 0 a cached copy younger
// than cacheFor is returned without a remote call. Concurrent refreshes of one id share a
// single request.
func (c *CromwellClient) Metadata(ctx context.Context, id string, cacheFor time.Duration) (*entity.Metadata, error) {
	if err := validateJobID(id); err != nil {
		return nil, err
	}

	if cacheFor > 0 {
		if md, ok := c.cache.Get(ctx, id, cacheFor); ok {
			return md, nil
		}
	}

	// Callers joining a flight must not inherit the cancellation of the one that started it.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.flights.DoChan(id, func() (interface{}, error) {
		if cacheFor > 0 {
			if md, ok := c.cache.Get(flightCtx, id, cacheFor); ok {
				return md, nil
			}
		}

		md, err := c.fetchMetadata(flightCtx, id)
		if err != nil {
			return nil, err
		}
		c.cache.Put(flightCtx, id, md)
		return md, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("metadata fetch for %s cancelled: %w", id, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*entity.Metadata), nil
	}
}

func (c *CromwellClient) fetchMetadata(ctx context.Context, id string) (*entity.Metadata, error) {
	ctx, span := c.telemetry.Tracer.Start(ctx, "cromwell.metadata",
		trace.WithAttributes(attribute.String("workflow.id", id)))
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("metadata fetch for %s cancelled: %w", id, err)
	}
	c.telemetry.MetadataFetches.Add(ctx, 1, metric.WithAttributes(attribute.String("host", c.host)))

	query := url.Values{}
	query.Set("expandSubWorkflows", "false")

	resp, err := c.do(ctx, http.MethodGet, "/"+id+"/metadata", query, nil, "")
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to fetch metadata of %s: %w", id, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to fetch metadata of %s: %w", id, err)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read metadata of %s: %v", ErrTransient, id, err)
	}

	return entity.ParseMetadata(raw)
}

func (c *CromwellClient) Logs(ctx context.Context, id string) (*entity.JobLogs, error) {
	if err := validateJobID(id); err != nil {
		return nil, err
	}

	var logs entity.JobLogs
	if err := c.getJSON(ctx, "/"+id+"/logs", nil, &logs); err != nil {
		return nil, fmt.Errorf("failed to fetch logs of %s: %w", id, err)
	}
	return &logs, nil
}

func (c *CromwellClient) Outputs(ctx context.Context, id string) (*entity.JobOutputs, error) {
	if err := validateJobID(id); err != nil {
		return nil, err
	}

	var outputs entity.JobOutputs
	if err := c.getJSON(ctx, "/"+id+"/outputs", nil, &outputs); err != nil {
		return nil, fmt.Errorf("failed to fetch outputs of %s: %w", id, err)
	}
	return &outputs, nil
}

// Query lists jobs matching every label, started after Since, in any of Statuses.
func (c *CromwellClient) Query(ctx context.Context, q entity.JobQuery) ([]entity.JobSummary, error) {
	params := url.Values{}

	labels := q.Labels.Clone()
	if q.Owner != "" && q.Owner != "*" {
		labels[entity.LabelUsername] = q.Owner
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		params.Add("label", k+":"+labels[k])
	}

	if q.Since != nil {
		params.Set("start", q.Since.UTC().Format(time.RFC3339))
	}
	for _, status := range q.Statuses {
		params.Add("status", string(status))
	}
	if q.Name != "" {
		params.Set("name", q.Name)
	}

	var body entity.QueryResponse
	if err := c.getJSON(ctx, "/query", params, &body); err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	return body.Results, nil
}

// Label patches the job's labels, retrying non-2xx and transport failures with
// exponential backoff up to the configured number of attempts.
func (c *CromwellClient) Label(ctx context.Context, id string, labels entity.Labels) error {
	if err := validateJobID(id); err != nil {
		return err
	}

	payload, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("%w: failed to encode labels: %v", ErrLabelFailed, err)
	}

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		resp, err := c.do(ctx, http.MethodPatch, "/"+id+"/labels", nil, bytes.NewReader(payload), "application/json")
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		if err := checkResponse(resp); err != nil {
			return struct{}{}, err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return struct{}{}, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.labelInitialBackoff

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(c.labelAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.WarningWithContextf(ctx, "[Cromwell] Label attempt %d/%d for %s failed: %v (retrying in %s)",
				attempt, c.labelAttempts, id, err, next)
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: %s after %d attempts: %w", ErrLabelFailed, id, attempt, err)
	}
	return nil
}

func (c *CromwellClient) Abort(ctx context.Context, id string) (*entity.JobHandle, error) {
	if err := validateJobID(id); err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/"+id+"/abort", nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("failed to abort %s: %w", id, err)
	}
	defer resp.Body.Close()

	var handle entity.JobHandle
	if err := decodeResponse(resp, &handle); err != nil {
		return nil, fmt.Errorf("failed to abort %s: %w", id, err)
	}
	return &handle, nil
}

// Submit starts a new job. A username label for the configured user is added unless the
// request already carries one. Submissions are never retried.
func (c *CromwellClient) Submit(ctx context.Context, req entity.SubmitRequest) (*entity.JobHandle, error) {
	if len(req.WorkflowSource) == 0 {
		return nil, fmt.Errorf("%w: workflow source is empty", ErrSubmitFailed)
	}

	labels := req.Labels.WithDefault(entity.LabelUsername, c.user)

	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fileName := req.WorkflowFileName
	if fileName == "" {
		fileName = "workflow.wdl"
	}
	if err := writeFilePart(w, "workflowSource", fileName, "application/octet-stream", req.WorkflowSource); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}

	inputs := req.Inputs
	if len(inputs) == 0 {
		inputs = []byte("{}")
	}
	if err := writeFilePart(w, "workflowInputs", "inputs.json", "application/json", inputs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}

	if len(req.Dependencies) > 0 {
		if err := writeFilePart(w, "workflowDependencies", "dependencies.zip", "application/zip", req.Dependencies); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
		}
	}

	if len(req.Options) > 0 {
		options, err := json.Marshal(req.Options)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to encode options: %v", ErrSubmitFailed, err)
		}
		if err := writeFilePart(w, "workflowOptions", "options.json", "application/json", options); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
		}
	}

	if len(labels) > 0 {
		encoded, err := json.Marshal(labels)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to encode labels: %v", ErrSubmitFailed, err)
		}
		if err := writeFilePart(w, "labels", "labels.json", "application/json", encoded); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: failed to close multipart writer: %v", ErrSubmitFailed, err)
	}

	resp, err := c.do(ctx, http.MethodPost, "", nil, &b, w.FormDataContentType())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}
	defer resp.Body.Close()

	var handle entity.JobHandle
	if err := decodeResponse(resp, &handle); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}

	c.logger.InfoWithContextf(ctx, "[Cromwell] Submitted workflow %s as %s (%s)", fileName, handle.ID, labels.Owner())
	return &handle, nil
}

// Restart resubmits a job from the workflow and inputs recorded in its metadata.
func (c *CromwellClient) Restart(ctx context.Context, id string, disableCache bool) (*entity.JobHandle, error) {
	md, err := c.Metadata(ctx, id, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRestartFailed, id, err)
	}

	files := md.SubmittedFiles
	if strings.TrimSpace(files.Workflow) == "" || strings.TrimSpace(files.Inputs) == "" {
		return nil, fmt.Errorf("%w: %s has no submitted workflow or inputs", ErrRestartFailed, id)
	}

	labels := md.Labels.WithoutSystemLabels()
	labels[entity.LabelRestartedFrom] = id
	if c.user != "" {
		labels[entity.LabelUsername] = c.user
	}

	options := map[string]any{}
	if strings.TrimSpace(files.Options) != "" {
		if err := json.Unmarshal([]byte(files.Options), &options); err != nil {
			c.logger.WarningWithContextf(ctx, "[Cromwell] Ignoring undecodable options of %s: %v", id, err)
			options = map[string]any{}
		}
	}
	if disableCache {
		options["read_from_cache"] = false
	}

	handle, err := c.Submit(ctx, entity.SubmitRequest{
		WorkflowSource:   []byte(files.Workflow),
		WorkflowFileName: md.WorkflowName + ".wdl",
		Inputs:           []byte(files.Inputs),
		Options:          options,
		Labels:           labels,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRestartFailed, id, err)
	}

	c.logger.InfoWithContextf(ctx, "[Cromwell] Restarted %s as %s", id, handle.ID)
	return handle, nil
}

// Explain gathers status, failures and failed-call log excerpts for one job.
func (c *CromwellClient) Explain(ctx context.Context, id string, includeInputs bool) (*entity.Explanation, error) {
	md, err := c.Metadata(ctx, id, 0)
	if err != nil {
		return nil, err
	}

	explanation := &entity.Explanation{
		ID:          id,
		Name:        md.WorkflowName,
		Status:      md.Status,
		Start:       md.Start,
		End:         md.End,
		Failures:    md.FailureMessages(),
		MetadataURL: c.MetadataURL(id),
		TimingURL:   c.TimingURL(id),
	}
	if includeInputs {
		explanation.Inputs = md.Inputs
	}

	for _, call := range md.FailedCalls() {
		name := fmt.Sprintf("%s.shard-%d.attempt-%d", call.Name, call.ShardIndex, call.Attempt)
		explanation.FailedCalls = append(explanation.FailedCalls, entity.FailedCallLogs{
			Call:   name,
			Stdout: ReadLogExcerpt(ctx, c.logs, name+".stdout", call.Stdout),
			Stderr: ReadLogExcerpt(ctx, c.logs, name+".stderr", call.Stderr),
		})
	}
	return explanation, nil
}

func (c *CromwellClient) Backends(ctx context.Context) (*entity.Backends, error) {
	var backends entity.Backends
	if err := c.getJSON(ctx, "/backends", nil, &backends); err != nil {
		return nil, fmt.Errorf("failed to list backends: %w", err)
	}
	return &backends, nil
}

func (c *CromwellClient) getJSON(ctx context.Context, path string, query url.Values, dest interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, query, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeResponse(resp, dest)
}

func (c *CromwellClient) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) (*http.Response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrTransient, method, path, err)
	}
	return resp, nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: cromwell returned %d: %s", ErrNotFound, resp.StatusCode, bytes.TrimSpace(raw))
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: cromwell returned %d: %s", ErrTransient, resp.StatusCode, bytes.TrimSpace(raw))
	default:
		return fmt.Errorf("cromwell returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
}

func decodeResponse(resp *http.Response, dest interface{}) error {
	if err := checkResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func writeFilePart(w *multipart.Writer, field, fileName, contentType string, data []byte) error {
	h := make(map[string][]string)
	h["Content-Disposition"] = []string{
		fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, fileName),
	}
	h["Content-Type"] = []string{contentType}

	fw, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", field, err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("failed to write %s part: %w", field, err)
	}
	return nil
}

func validateJobID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: invalid workflow id %q", ErrNotFound, id)
	}
	return nil
}

// IsNotFound reports whether err means the server does not know the job.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// StatusCodeOf maps client errors to an HTTP status for API responses.
func StatusCodeOf(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrTransient):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
