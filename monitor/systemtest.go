package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tnqbao/gau-workflow-monitor/entity"
	"github.com/tnqbao/gau-workflow-monitor/infra"
	"github.com/tnqbao/gau-workflow-monitor/utils"
)

const inputSystemTestURLTemplate = "system_test_url_template"

// SystemTestTrigger calls an external test endpoint when a job that declares one finishes.
// The URL template may reference top-level metadata fields as $name or ${name}.
// Requests are HMAC-signed when a secret is set.
type SystemTestTrigger struct {
	client   *http.Client
	runState entity.StatusSet
	secret   string
	logger   *infra.LoggerClient
}

func NewSystemTestTrigger(client *http.Client, runStates []string, secret string, logger *infra.LoggerClient) *SystemTestTrigger {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if len(runStates) == 0 {
		for _, s := range entity.DefaultRunStates {
			runStates = append(runStates, string(s))
		}
	}
	if logger == nil {
		logger = infra.NewDiscardLogger()
	}
	return &SystemTestTrigger{
		client:   client,
		runState: entity.NewStatusSet(runStates...),
		secret:   secret,
		logger:   logger,
	}
}

func (s *SystemTestTrigger) Name() string {
	return "system-test"
}

func (s *SystemTestTrigger) OnJobStatusChanged(ctx context.Context, event Event) error {
	if event.Job == nil || event.Metadata == nil || s.runState.Contains(event.Job.Status) {
		return nil
	}

	raw, ok := event.Metadata.Input(inputSystemTestURLTemplate)
	if !ok {
		return nil
	}
	template, ok := raw.(string)
	if !ok || template == "" {
		return fmt.Errorf("input %s must be a non-empty string", inputSystemTestURLTemplate)
	}

	target, err := ExpandURLTemplate(template, event.Metadata)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create system test request: %w", err)
	}
	if s.secret != "" {
		utils.SignRequest(req, s.secret, nil, time.Now())
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to trigger system test: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("system test endpoint returned %d: %s", resp.StatusCode, body)
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	s.logger.InfoWithContextf(ctx, "[SystemTest] Triggered system test for workflow %s: %s", event.Job.ID, target)
	return nil
}

// ExpandURLTemplate substitutes $field and ${field} with scalar top-level metadata values.
// Referencing a field the metadata does not carry is an error.
func ExpandURLTemplate(template string, md *entity.Metadata) (string, error) {
	fields := templateFields(md)

	var missing []string
	expanded := os.Expand(template, func(key string) string {
		if v, ok := fields[key]; ok {
			return v
		}
		missing = append(missing, key)
		return ""
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("url template references unknown metadata fields: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

func templateFields(md *entity.Metadata) map[string]string {
	fields := map[string]string{}

	var doc map[string]any
	if len(md.Raw) > 0 && json.Unmarshal(md.Raw, &doc) == nil {
		for k, v := range doc {
			switch val := v.(type) {
			case string:
				fields[k] = val
			case float64:
				fields[k] = strconv.FormatFloat(val, 'f', -1, 64)
			case bool:
				fields[k] = strconv.FormatBool(val)
			}
		}
	}

	fields["id"] = md.ID
	fields["status"] = string(md.Status)
	if md.WorkflowName != "" {
		fields["workflowName"] = md.WorkflowName
	}
	return fields
}
