package lifecycle

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	opsv1 "github.com/migalsp/kubex-appswitch/api/v1"
)

// Action is the requested transition.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// OverallStatus summarises an outcome.
type OverallStatus string

const (
	StatusSucceeded OverallStatus = "SUCCEEDED"
	StatusPartial   OverallStatus = "PARTIAL"
	StatusFailed    OverallStatus = "FAILED"
)

// StepStatus is the result of one sub-resource step.
type StepStatus string

const (
	// compute
	StepSucceeded StepStatus = "succeeded"
	StepSkipped   StepStatus = "skipped"

	// database
	StepSkippedShared StepStatus = "skipped-shared"
	StepStopped       StepStatus = "stopped"
	StepStarted       StepStatus = "started"
	StepUnchanged     StepStatus = "unchanged"

	StepFailed StepStatus = "failed"
)

// attempted reports whether a step issued a call, and whether that call worked.
// skipped, unchanged and skipped-shared steps are neutral.
func (s StepStatus) attempted() (attempted, ok bool) {
	switch s {
	case StepSucceeded, StepStopped, StepStarted:
		return true, true
	case StepFailed:
		return true, false
	}
	return false, false
}

// ComputeResult is the outcome for one compute group.
type ComputeResult struct {
	Group  string            `json:"group"`
	Kind   opsv1.ComputeKind `json:"kind"`
	Status StepStatus        `json:"status"`
	From   int32             `json:"from"`
	To     int32             `json:"to"`
	Error  string            `json:"error,omitempty"`
}

// DatabaseResult is the outcome for one database instance.
type DatabaseResult struct {
	ID         string               `json:"id"`
	Engine     opsv1.DatabaseEngine `json:"engine"`
	Type       opsv1.DatabaseType   `json:"type"`
	Status     StepStatus           `json:"status"`
	SharedWith []string             `json:"sharedWith,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// Outcome is the structured result of one start or stop.
type Outcome struct {
	ID              string           `json:"id"`
	AppName         string           `json:"appName"`
	Action          Action           `json:"action"`
	ComputeResults  []ComputeResult  `json:"computeResults"`
	DatabaseResults []DatabaseResult `json:"databaseResults"`
	Warnings        []string         `json:"warnings"`
	OverallStatus   OverallStatus    `json:"overallStatus"`
	StartedAt       time.Time        `json:"startedAt"`
	FinishedAt      time.Time        `json:"finishedAt"`

	// converging is set when verification timed out.
	converging bool
}

func (o *Outcome) warn(msg string) {
	o.Warnings = append(o.Warnings, msg)
}

// Overall computes the status from step results. Zero attempted steps is a success.
func Overall(compute []ComputeResult, databases []DatabaseResult) OverallStatus {
	var ok, failed int
	count := func(s StepStatus) {
		if attempted, good := s.attempted(); attempted {
			if good {
				ok++
			} else {
				failed++
			}
		}
	}
	for _, r := range compute {
		count(r.Status)
	}
	for _, r := range databases {
		count(r.Status)
	}
	switch {
	case failed == 0:
		return StatusSucceeded
	case ok > 0:
		return StatusPartial
	default:
		return StatusFailed
	}
}

func (o *Outcome) finish(at time.Time) {
	o.OverallStatus = Overall(o.ComputeResults, o.DatabaseResults)
	// Resources still converging after the timeout are reported, not failed.
	if o.converging && o.OverallStatus == StatusSucceeded {
		o.OverallStatus = StatusPartial
	}
	if o.Warnings == nil {
		o.Warnings = []string{}
	}
	o.FinishedAt = at
}

// Failures lists the error of every failed step.
func (o *Outcome) Failures() []string {
	var out []string
	for _, r := range o.ComputeResults {
		if r.Status == StepFailed {
			out = append(out, r.Error)
		}
	}
	for _, r := range o.DatabaseResults {
		if r.Status == StepFailed {
			out = append(out, r.Error)
		}
	}
	return out
}

// Summary converts the outcome into the audit record stored on the Application.
func (o *Outcome) Summary() opsv1.OperationSummary {
	return opsv1.OperationSummary{
		ID:            o.ID,
		Action:        string(o.Action),
		OverallStatus: string(o.OverallStatus),
		StartedAt:     metav1.NewTime(o.StartedAt),
		FinishedAt:    metav1.NewTime(o.FinishedAt),
		Warnings:      o.Warnings,
		Failures:      o.Failures(),
	}
}
