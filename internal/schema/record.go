// Package schema defines the action-record model for purpletrace.
// Records are validated once at the system boundary; downstream components
// operate on fully-typed structures and never re-probe optional fields.
package schema

import (
	"time"
)

// Operation is a logical unit of adversary-emulation work: one run of an
// attack scenario against a target group, with its executed chain of links.
type Operation struct {
	ID    string `json:"id" validate:"required,operation_id"`
	Name  string `json:"name" validate:"max=1024"`
	Group string `json:"group,omitempty" validate:"max=1024"`
	State string `json:"state,omitempty" validate:"omitempty,oneof=pending running run_one_link paused out_of_time finished cleanup"`

	// Chain holds the executed links in execution order.
	Chain []Link `json:"chain,omitempty"`

	// AgentCount is the number of agents the operation ran against.
	AgentCount int `json:"agent_count,omitempty"`
}

// Link is one executed step of an operation chain.
type Link struct {
	ID       string   `json:"id,omitempty"`
	Ability  *Ability `json:"ability,omitempty"`
	Status   int      `json:"status"`
	Executor string   `json:"executor,omitempty"`
	Platform string   `json:"platform,omitempty"`

	// OutputPath points at the captured stdout/stderr bundle, if any.
	OutputPath string    `json:"output_path,omitempty"`
	Finished   time.Time `json:"finished,omitempty"`
}

// Ability describes the adversary behavior a link executed.
type Ability struct {
	TechniqueID   string `json:"technique_id,omitempty"`
	TechniqueName string `json:"technique_name,omitempty"`
	Tactic        string `json:"tactic,omitempty"`
	Name          string `json:"name,omitempty"`
}

// StatusLabel is the closed set of human-readable link execution states.
type StatusLabel string

const (
	StatusSuccess    StatusLabel = "success"
	StatusFailure    StatusLabel = "failure"
	StatusTimeout    StatusLabel = "timeout"
	StatusDiscarded  StatusLabel = "discarded"
	StatusPaused     StatusLabel = "paused"
	StatusQueued     StatusLabel = "queued"
	StatusUntrusted  StatusLabel = "untrusted"
	StatusVisibility StatusLabel = "visibility"
	StatusUnknown    StatusLabel = "unknown"
)

// statusLabels maps raw link status codes onto the closed label set.
var statusLabels = map[int]StatusLabel{
	0:   StatusSuccess,
	1:   StatusFailure,
	124: StatusTimeout,
	-1:  StatusPaused,
	-2:  StatusDiscarded,
	-3:  StatusQueued,
	-4:  StatusUntrusted,
	-5:  StatusVisibility,
}

// LabelForStatus maps a raw status code to its label.
// Unrecognized codes map to StatusUnknown rather than failing.
func LabelForStatus(code int) StatusLabel {
	if label, ok := statusLabels[code]; ok {
		return label
	}
	return StatusUnknown
}

// Verdict is the correlation outcome for a technique.
type Verdict string

const (
	VerdictDetected Verdict = "detected"
	VerdictEvaded   Verdict = "evaded"
	VerdictPending  Verdict = "pending"
)

// IsValid checks if the verdict is one of the three allowed values.
func (v Verdict) IsValid() bool {
	switch v {
	case VerdictDetected, VerdictEvaded, VerdictPending:
		return true
	}
	return false
}
