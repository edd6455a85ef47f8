package schema

import "time"

// Default dotted field paths for the purple.* namespace in the backend index.
// The fetcher soft-checks these against the live mapping before querying;
// overrides live in config.FieldMappings.
const (
	DefaultOperationIDField     = "purple.operation_id"
	DefaultTechniqueField       = "purple.technique"
	DefaultDetectionStatusField = "purple.detection_status"
	DefaultRuleNameField        = "rule.name"
)

// TagDocument is the ECS-shaped document written to the backend index (or to
// a fallback file) when an operation or link is tagged. Documents are
// immutable once written; re-tagging produces a new document.
type TagDocument struct {
	Timestamp string     `json:"@timestamp"`
	Purple    PurpleTags `json:"purple"`

	// Tags carries flat tokens for dashboard filtering (purple_T1078,
	// purple_credential access). Each token-producing list is capped
	// independently so document size stays bounded.
	Tags []string `json:"tags"`

	// Legacy flat fields kept for dashboards predating the purple.* block.
	OperationID   string   `json:"operation_id"`
	OperationName string   `json:"operation_name"`
	PurpleTeam    bool     `json:"purple_team_exercise"`
	ClientID      string   `json:"client_id"`
	Techniques    []string `json:"techniques"`
	Tactics       []string `json:"tactics"`
	Abilities     []string `json:"abilities"`
	Severity      string   `json:"severity"`
	AutoClose     bool     `json:"auto_close"`
	AgentCount    int      `json:"agent_count"`
	Status        string   `json:"status"`

	Link *LinkTags `json:"link,omitempty"`
}

// PurpleTags is the namespaced block SIEM detection rules key on.
type PurpleTags struct {
	Technique       string   `json:"technique,omitempty"`
	Techniques      []string `json:"techniques"`
	Tactic          string   `json:"tactic,omitempty"`
	Tactics         []string `json:"tactics"`
	OperationID     string   `json:"operation_id"`
	OperationName   string   `json:"operation_name"`
	AgentID         string   `json:"agent_id"`
	DetectionStatus string   `json:"detection_status"`
	AbilityCount    int      `json:"ability_count"`

	// TechniqueCount preserves the deduplicated size before any truncation
	// of the Techniques list.
	TechniqueCount int    `json:"technique_count"`
	Status         string `json:"status"`
}

// LinkTags carries the step-specific fields attached by TagStep.
type LinkTags struct {
	ID       string      `json:"id"`
	Executor string      `json:"executor,omitempty"`
	Platform string      `json:"platform,omitempty"`
	Status   StatusLabel `json:"status"`
	Stdout   string      `json:"stdout,omitempty"`
	Stderr   string      `json:"stderr,omitempty"`
	Finished string      `json:"finished,omitempty"`
}

// NewTimestamp formats t the way the index expects @timestamp.
func NewTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
