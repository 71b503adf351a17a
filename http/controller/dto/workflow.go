package dto

import "github.com/tnqbao/gau-workflow-monitor/entity"

// SubmitWorkflowRequestDTO is the multipart form of a submission. Options and labels
// travel as JSON-encoded form fields next to the uploaded files.
type SubmitWorkflowRequestDTO struct {
	Options string `form:"options"`
	Labels  string `form:"labels"`
}

type ListWorkflowsQueryDTO struct {
	Owner  string   `form:"owner"`
	Days   int      `form:"days" binding:"omitempty,min=1,max=365"`
	Status []string `form:"status"`
	Limit  int      `form:"limit" binding:"omitempty,min=1,max=1000"`
}

type RestartWorkflowRequestDTO struct {
	DisableCache bool `json:"disable_cache"`
}

type UpdateLabelsRequestDTO struct {
	Labels map[string]string `json:"labels" binding:"required,min=1"`
}

type WatchWorkflowRequestDTO struct {
	IntervalSeconds int `json:"interval_seconds" binding:"omitempty,min=5,max=3600"`
}

type WorkflowStatusResponseDTO struct {
	ID     string           `json:"id"`
	Status entity.JobStatus `json:"status"`
}

type ListWorkflowsResponseDTO struct {
	Workflows []entity.Job `json:"workflows"`
	Total     int          `json:"total"`
}
