package telemetry

import "time"

// CandidateIncident is what the rule evaluator proposes for a reading. It
// becomes an Incident only once the writer has committed it.
type CandidateIncident struct {
	RuleID      string   `json:"ruleId"`
	MachineID   string   `json:"machineId"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// Incident is a committed alert record.
type Incident struct {
	ID          string    `json:"id"`
	ReadingID   string    `json:"readingId"`
	MachineID   string    `json:"machineId"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CommitRequest is one unit of work for a writer.
type CommitRequest struct {
	DedupeKey  string
	Reading    Reading
	Candidates []CandidateIncident
}

// CommitResult is what a writer stored. Duplicate is set when the dedupe key
// matched an earlier commit and nothing new was written.
type CommitResult struct {
	Reading   Reading    `json:"reading"`
	Incidents []Incident `json:"incidents"`
	Duplicate bool       `json:"duplicate"`
}
