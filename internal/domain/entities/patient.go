package entities

import "time"

// Patient is the subset of an HIS patient record used to build prompts.
type Patient struct {
	ID               string    `json:"patient_id" db:"patient_id"`
	Name             string    `json:"name" db:"name"`
	Department       string    `json:"department" db:"department"`
	BedNumber        string    `json:"bed_number" db:"bed_number"`
	AdmissionDate    time.Time `json:"admission_date" db:"admission_date"`
	ObjectiveContent string    `json:"objective_content" db:"objective_content"`
	DailyRecords     string    `json:"daily_records" db:"daily_records"`
	Active           bool      `json:"active" db:"active"`
}

// PromptTemplate is a named text/template rendered against a Patient.
type PromptTemplate struct {
	Name     string `json:"name" db:"name"`
	Content  string `json:"content" db:"content"`
	Active   bool   `json:"active" db:"active"`
	Priority int    `json:"priority" db:"priority"`
}

// SyncItemFailure records why one item of a batch sync did not complete.
type SyncItemFailure struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// SyncSummary is the outcome of one batch sync run. Every input item is
// accounted for as succeeded or failed.
type SyncSummary struct {
	Name        string            `json:"name"`
	Total       int               `json:"total"`
	Succeeded   int               `json:"succeeded"`
	Failed      int               `json:"failed"`
	TimedOut    int               `json:"timed_out"`
	Concurrency int               `json:"concurrency"`
	Failures    []SyncItemFailure `json:"failures,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	Duration    time.Duration     `json:"duration_ns"`
}
