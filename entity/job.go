package entity

import (
	"time"

	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobStatusSubmitted JobStatus = "Submitted"
	JobStatusQueued    JobStatus = "QueuedInCromwell"
	JobStatusRunning   JobStatus = "Running"
	JobStatusAborting  JobStatus = "Aborting"
	JobStatusSucceeded JobStatus = "Succeeded"
	JobStatusFailed    JobStatus = "Failed"
	JobStatusAborted   JobStatus = "Aborted"
)

var DefaultRunStates = []JobStatus{JobStatusSubmitted, JobStatusQueued, JobStatusRunning, JobStatusAborting}

var DefaultTerminalStates = []JobStatus{JobStatusSucceeded, JobStatusFailed, JobStatusAborted}

// IsRunning reports whether the status belongs to the default run set.
// Statuses outside the run set, including ones the server adds later, are terminal.
func (s JobStatus) IsRunning() bool {
	for _, st := range DefaultRunStates {
		if s == st {
			return true
		}
	}
	return false
}

func (s JobStatus) IsTerminal() bool {
	return !s.IsRunning()
}

func (s JobStatus) String() string {
	return string(s)
}

// StatusSet is a configurable run set. Membership means "still running".
type StatusSet map[JobStatus]struct{}

func NewStatusSet(statuses ...string) StatusSet {
	set := make(StatusSet, len(statuses))
	for _, s := range statuses {
		set[JobStatus(s)] = struct{}{}
	}
	return set
}

func (s StatusSet) Contains(status JobStatus) bool {
	_, ok := s[status]
	return ok
}

func (s StatusSet) Slice() []JobStatus {
	out := make([]JobStatus, 0, len(s))
	for st := range s {
		out = append(out, st)
	}
	return out
}

// Job is one remote workflow execution as tracked locally.
type Job struct {
	ID             string            `json:"id" gorm:"type:varchar(60);primaryKey"`
	Name           string            `json:"name,omitempty" gorm:"type:varchar(250)"`
	Status         JobStatus         `json:"status" gorm:"type:varchar(30);not null;index"`
	Start          *time.Time        `json:"start,omitempty" gorm:"column:start;index"`
	End            *time.Time        `json:"end,omitempty" gorm:"column:end"`
	Owner          string            `json:"owner,omitempty" gorm:"type:varchar(250);index"`
	Notified       bool              `json:"notified" gorm:"not null;default:false"`
	NotifiedStatus JobStatus         `json:"notified_status,omitempty" gorm:"type:varchar(30)"`
	NotifyClaimed  *time.Time        `json:"-" gorm:"column:notify_claimed_at"`
	Labels         datatypes.JSONMap `json:"labels,omitempty"`
	CreatedAt      time.Time         `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt      time.Time         `json:"updated_at" gorm:"autoUpdateTime"`
}

func (Job) TableName() string {
	return "workflow"
}

// IsNotifiedFor reports whether a notification was already dispatched for status.
func (j *Job) IsNotifiedFor(status JobStatus) bool {
	return j.Notified && j.NotifiedStatus == status
}

// JobFromSummary builds the local record for a job first seen in a remote query.
func JobFromSummary(summary JobSummary) *Job {
	job := &Job{
		ID:     summary.ID,
		Name:   summary.Name,
		Status: summary.Status,
		Start:  summary.Start,
		End:    summary.End,
	}
	if job.Start == nil {
		job.Start = summary.Submission
	}
	return job
}

// ApplyMetadata fills owner, name, labels and timestamps from a metadata document.
func (j *Job) ApplyMetadata(md *Metadata) {
	if md == nil {
		return
	}
	if j.Name == "" {
		j.Name = md.WorkflowName
	}
	if owner := md.Labels.Owner(); owner != "" {
		j.Owner = owner
	}
	if len(md.Labels) > 0 {
		labels := datatypes.JSONMap{}
		for k, v := range md.Labels {
			labels[k] = v
		}
		j.Labels = labels
	}
	if j.Start == nil {
		if md.Start != nil {
			j.Start = md.Start
		} else {
			j.Start = md.Submission
		}
	}
	if j.End == nil && md.End != nil {
		j.End = md.End
	}
}
