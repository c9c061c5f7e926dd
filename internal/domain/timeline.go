package domain

import "time"

// Stage names recorded on the run diagnostics timeline
const (
	StageRun              = "run"
	StageRequest          = "request"
	StagePoll             = "poll"
	StageDownload         = "download"
	StagePreflight        = "preflight"
	StagePersist          = "persist"
	StageRawRead          = "raw_read"
	StageCanonicalMapping = "canonical_mapping"
	StageSnapshot         = "snapshot"
)

// Stage status markers
const (
	StageStatusStarted = "started"
	StageStatusSuccess = "success"
	StageStatusFailed  = "failed"
	StageStatusRetry   = "retry"
	StageStatusSkipped = "skipped"
)

// StageEvent is one structured entry on a run's diagnostics timeline.
// Details carries stage-specific fields (reference code, retry attempts,
// persistence counters, upsert counts).
type StageEvent struct {
	Stage   string                 `json:"stage"`
	Status  string                 `json:"status"`
	AtUTC   string                 `json:"at_utc"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewStageEvent builds one timeline event stamped with the current UTC instant
func NewStageEvent(stage, status string, details map[string]interface{}) StageEvent {
	return StageEvent{
		Stage:   stage,
		Status:  status,
		AtUTC:   time.Now().UTC().Format(time.RFC3339Nano),
		Details: details,
	}
}

// Timeline is the ordered sequence of stage events for one run
type Timeline struct {
	events []StageEvent
}

// Append adds one event to the timeline
func (t *Timeline) Append(event StageEvent) {
	t.events = append(t.events, event)
}

// Record builds and appends one event in a single call
func (t *Timeline) Record(stage, status string, details map[string]interface{}) {
	t.Append(NewStageEvent(stage, status, details))
}

// Events returns the ordered events recorded so far
func (t *Timeline) Events() []StageEvent {
	return t.events
}
