package jobs

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a crawl job
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusComplete   Status = "COMPLETE"
	StatusFailed     Status = "FAILED"
)

var (
	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrTransitionRejected is returned when a status change is not allowed
	// from the job's current status.
	ErrTransitionRejected = errors.New("job status transition rejected")
)

// allowedFrom lists the statuses a job may move into each target from.
// Terminal statuses are never left.
var allowedFrom = map[Status][]Status{
	StatusInProgress: {StatusQueued},
	StatusComplete:   {StatusInProgress},
	StatusFailed:     {StatusQueued, StatusInProgress},
	StatusQueued:     {StatusInProgress},
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// sourcesFor returns the statuses a job may be in to move to `to`, as strings
// for the SQL guard.
func sourcesFor(to Status) []string {
	from := allowedFrom[to]
	out := make([]string, len(from))
	for i, s := range from {
		out[i] = string(s)
	}
	return out
}

// Job is the durable record of one crawl job
type Job struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	TaskName     string         `json:"task_name"`
	Params       map[string]any `json:"params,omitempty"`
	Status       Status         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// NewJob describes a job to create
type NewJob struct {
	TenantID string
	TaskName string
	Params   map[string]any
}
