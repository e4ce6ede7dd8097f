package models

import "time"

// Status is the lifecycle state of one recording artifact. The string values
// are stored verbatim in the database and exposed on the wire; consumers must
// not invent additional values.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusSecured     Status = "SECURED"
	StatusQueued      Status = "QUEUED"
	StatusProcessing  Status = "PROCESSING"
	StatusTranscribed Status = "TRANSCRIBED"
	StatusProcessed   Status = "PROCESSED"
	StatusError       Status = "ERROR"
	StatusSkipped     Status = "SKIPPED"
)

// transitions is the edge set of the lifecycle state machine:
//
//	PENDING -> SECURED -> QUEUED -> PROCESSING -> TRANSCRIBED -> PROCESSED
//	any stage -> ERROR on unrecoverable failure
//	any non-terminal -> SKIPPED (silence, sub-threshold size)
//
// SECURED means durably backed up to object storage, independent of
// transcription progress. Terminal states have no outgoing edges; leaving one
// requires an explicit reset, which is not a transition.
var transitions = map[Status][]Status{
	StatusPending:     {StatusSecured, StatusQueued, StatusError, StatusSkipped},
	StatusSecured:     {StatusQueued, StatusError, StatusSkipped},
	StatusQueued:      {StatusProcessing, StatusError, StatusSkipped},
	StatusProcessing:  {StatusTranscribed, StatusError, StatusSkipped},
	StatusTranscribed: {StatusProcessed, StatusError, StatusSkipped},
	StatusProcessed:   {},
	StatusError:       {},
	StatusSkipped:     {},
}

// IsTerminal reports whether no further automatic transition occurs.
func (s Status) IsTerminal() bool {
	return s == StatusProcessed || s == StatusError || s == StatusSkipped
}

// Valid reports whether s is one of the eight known wire values.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether s -> next is a legal lifecycle edge.
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Recording tracks one physical audio artifact through the pipeline.
// Filename is globally unique and doubles as the job-queue idempotency key.
type Recording struct {
	SessionID         string    `json:"session_id"`
	Filename          string    `json:"filename"`
	Filepath          string    `json:"filepath"`
	UserID            string    `json:"user_id"`
	CaptureTimestamp  int64     `json:"capture_timestamp"` // unix millis, parsed from the filename
	Status            Status    `json:"status"`
	TranscriptionText string    `json:"transcription_text,omitempty"`
	ErrorLog          string    `json:"error_log,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SessionComplete reports whether every recording is in a terminal state.
// This predicate is the sole gate for triggering summarization.
func SessionComplete(recs []Recording) bool {
	for _, r := range recs {
		if !r.Status.IsTerminal() {
			return false
		}
	}
	return true
}
