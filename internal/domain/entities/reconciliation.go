package entities

import "time"

// IssueType classifies a divergence between the prompt store and the
// execution server's encrypted data store.
type IssueType string

const (
	IssueMissingEncryptedData     IssueType = "MISSING_ENCRYPTED_DATA"
	IssueSentDataIncompletePrompt IssueType = "SENT_DATA_INCOMPLETE_PROMPT"
	IssueOrphanEncryptedData      IssueType = "ORPHAN_ENCRYPTED_DATA"
)

// ReconciliationIssue is one detected divergence, fixed or not.
type ReconciliationIssue struct {
	Type        IssueType `json:"type"`
	Description string    `json:"description"`
	PromptID    int64     `json:"prompt_id,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
	Fixed       bool      `json:"fixed"`
	FixError    string    `json:"fix_error,omitempty"`
}

// PhaseError is a failure that stopped one sweep phase.
type PhaseError struct {
	Phase   string `json:"phase"`
	Message string `json:"message"`
}

// ReconciliationResult is the report of one sweep.
type ReconciliationResult struct {
	RunID      string                `json:"run_id"`
	Trigger    string                `json:"trigger"`
	Skipped    bool                  `json:"skipped"`
	AutoFix    bool                  `json:"auto_fix"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Duration   time.Duration         `json:"duration_ns"`
	Checked    int                   `json:"checked"`
	Issues     []ReconciliationIssue `json:"issues"`
	Errors     []PhaseError          `json:"errors,omitempty"`
}

// FixedCount returns the number of issues repaired in this sweep.
func (r *ReconciliationResult) FixedCount() int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Fixed {
			n++
		}
	}
	return n
}

// IssuesOfType returns the issues of type t.
func (r *ReconciliationResult) IssuesOfType(t IssueType) []ReconciliationIssue {
	var out []ReconciliationIssue
	for _, issue := range r.Issues {
		if issue.Type == t {
			out = append(out, issue)
		}
	}
	return out
}

// ReconciliationStats accumulates across sweeps for the life of the process.
type ReconciliationStats struct {
	TotalChecks          int64     `json:"total_checks"`
	InconsistenciesFound int64     `json:"inconsistencies_found"`
	AutoFixed            int64     `json:"auto_fixed"`
	SkippedRuns          int64     `json:"skipped_runs"`
	LastRunAt            time.Time `json:"last_run_at,omitempty"`
}
