package entity

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Metadata is the full job description returned by the execution server.
// Only the keys the monitor consumes are typed; Raw keeps the document as received.
type Metadata struct {
	ID             string                  `json:"id"`
	Status         JobStatus               `json:"status"`
	Start          *time.Time              `json:"start,omitempty"`
	End            *time.Time              `json:"end,omitempty"`
	Submission     *time.Time              `json:"submission,omitempty"`
	WorkflowName   string                  `json:"workflowName,omitempty"`
	WorkflowRoot   string                  `json:"workflowRoot,omitempty"`
	Failures       []Failure               `json:"failures,omitempty"`
	Calls          map[string][]CallRecord `json:"calls,omitempty"`
	Inputs         map[string]any          `json:"inputs,omitempty"`
	Outputs        map[string]any          `json:"outputs,omitempty"`
	Labels         Labels                  `json:"labels,omitempty"`
	SubmittedFiles SubmittedFiles          `json:"submittedFiles"`

	Raw json.RawMessage `json:"-"`
}

type Failure struct {
	Message  string    `json:"message"`
	CausedBy []Failure `json:"causedBy,omitempty"`
}

type CallRecord struct {
	ExecutionStatus string `json:"executionStatus"`
	Stdout          string `json:"stdout,omitempty"`
	Stderr          string `json:"stderr,omitempty"`
	ShardIndex      int    `json:"shardIndex"`
	Attempt         int    `json:"attempt"`
	ReturnCode      *int   `json:"returnCode,omitempty"`
	Backend         string `json:"backend,omitempty"`
	JobID           string `json:"jobId,omitempty"`
}

type SubmittedFiles struct {
	Workflow     string `json:"workflow,omitempty"`
	WorkflowURL  string `json:"workflowUrl,omitempty"`
	Inputs       string `json:"inputs,omitempty"`
	Options      string `json:"options,omitempty"`
	Labels       string `json:"labels,omitempty"`
	WorkflowType string `json:"workflowType,omitempty"`
	Root         string `json:"root,omitempty"`
}

// FailedCall is a flattened view of one failed task attempt.
type FailedCall struct {
	Name       string
	ShardIndex int
	Attempt    int
	Stdout     string
	Stderr     string
}

// ParseMetadata decodes a server document and keeps a private copy of the raw bytes.
func ParseMetadata(data []byte) (*Metadata, error) {
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	md.Raw = append(json.RawMessage(nil), data...)
	return &md, nil
}

// CallsWithStatus returns call attempts whose execution status equals status,
// ordered by task name, shard and attempt.
func (m *Metadata) CallsWithStatus(status string) []FailedCall {
	var out []FailedCall
	for name, records := range m.Calls {
		for _, rec := range records {
			if rec.ExecutionStatus != status {
				continue
			}
			out = append(out, FailedCall{
				Name:       name,
				ShardIndex: rec.ShardIndex,
				Attempt:    rec.Attempt,
				Stdout:     rec.Stdout,
				Stderr:     rec.Stderr,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		if out[i].ShardIndex != out[j].ShardIndex {
			return out[i].ShardIndex < out[j].ShardIndex
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out
}

func (m *Metadata) FailedCalls() []FailedCall {
	return m.CallsWithStatus(string(JobStatusFailed))
}

// Input looks up a workflow input by its short name, trying "<workflowName>.<name>" first.
func (m *Metadata) Input(name string) (any, bool) {
	if m.Inputs == nil {
		return nil, false
	}
	if m.WorkflowName != "" {
		if v, ok := m.Inputs[m.WorkflowName+"."+name]; ok {
			return v, true
		}
	}
	v, ok := m.Inputs[name]
	return v, ok
}

func (m *Metadata) Output(name string) (any, bool) {
	if m.Outputs == nil {
		return nil, false
	}
	if m.WorkflowName != "" {
		if v, ok := m.Outputs[m.WorkflowName+"."+name]; ok {
			return v, true
		}
	}
	v, ok := m.Outputs[name]
	return v, ok
}

// FailureMessages flattens the failure tree depth-first.
func (m *Metadata) FailureMessages() []string {
	var out []string
	var walk func([]Failure)
	walk = func(fs []Failure) {
		for _, f := range fs {
			if msg := strings.TrimSpace(f.Message); msg != "" {
				out = append(out, msg)
			}
			walk(f.CausedBy)
		}
	}
	walk(m.Failures)
	return out
}

// Duration is zero when either timestamp is missing.
func (m *Metadata) Duration() time.Duration {
	if m.Start == nil || m.End == nil {
		return 0
	}
	return m.End.Sub(*m.Start)
}

// SubmittedInputs decodes the inputs document the job was originally submitted with.
func (m *Metadata) SubmittedInputs() (map[string]any, error) {
	if strings.TrimSpace(m.SubmittedFiles.Inputs) == "" {
		return nil, fmt.Errorf("metadata for %s has no submitted inputs", m.ID)
	}
	var inputs map[string]any
	if err := json.Unmarshal([]byte(m.SubmittedFiles.Inputs), &inputs); err != nil {
		return nil, fmt.Errorf("failed to decode submitted inputs: %w", err)
	}
	return inputs, nil
}
