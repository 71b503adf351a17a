package entity

import "time"

// JobSummary is one row of a query result.
type JobSummary struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Status     JobStatus  `json:"status"`
	Start      *time.Time `json:"start,omitempty"`
	End        *time.Time `json:"end,omitempty"`
	Submission *time.Time `json:"submission,omitempty"`
}

type QueryResponse struct {
	Results           []JobSummary `json:"results"`
	TotalResultsCount int          `json:"totalResultsCount"`
}

// JobHandle is what the server returns for submit, abort and restart.
type JobHandle struct {
	ID     string    `json:"id"`
	Status JobStatus `json:"status"`
}

type JobQuery struct {
	Owner    string
	Labels   Labels
	Since    *time.Time
	Statuses []JobStatus
	Name     string
}

type CallLog struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ShardIndex int    `json:"shardIndex"`
	Attempt    int    `json:"attempt"`
}

type JobLogs struct {
	ID    string               `json:"id"`
	Calls map[string][]CallLog `json:"calls"`
}

type JobOutputs struct {
	ID      string         `json:"id"`
	Outputs map[string]any `json:"outputs"`
}

// LogExcerpt is the content of one task log, or a placeholder when it could not be read.
type LogExcerpt struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Content string `json:"content"`
}

type FailedCallLogs struct {
	Call   string     `json:"call"`
	Stdout LogExcerpt `json:"stdout"`
	Stderr LogExcerpt `json:"stderr"`
}

// Explanation is a human-oriented status report for one job.
type Explanation struct {
	ID          string           `json:"id"`
	Name        string           `json:"name,omitempty"`
	Status      JobStatus        `json:"status"`
	Start       *time.Time       `json:"start,omitempty"`
	End         *time.Time       `json:"end,omitempty"`
	Failures    []string         `json:"failures,omitempty"`
	Inputs      map[string]any   `json:"inputs,omitempty"`
	FailedCalls []FailedCallLogs `json:"failed_calls,omitempty"`
	MetadataURL string           `json:"metadata_url"`
	TimingURL   string           `json:"timing_url"`
}

type SubmitRequest struct {
	WorkflowSource   []byte
	WorkflowFileName string
	Inputs           []byte
	Dependencies     []byte
	Options          map[string]any
	Labels           Labels
}

type Backends struct {
	Supported      []string `json:"supportedBackends"`
	DefaultBackend string   `json:"defaultBackend"`
}
