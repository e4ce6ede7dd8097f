package models

// Phase marks where a session's post-recording pipeline last made progress.
// It is written incrementally so a crash mid-pipeline resumes from the last
// completed phase rather than from scratch.
type Phase string

const (
	PhaseIdle         Phase = "IDLE"
	PhaseRecording    Phase = "RECORDING"
	PhaseTranscribing Phase = "TRANSCRIBING"
	PhaseCorrecting   Phase = "CORRECTING"
	PhaseSummarizing  Phase = "SUMMARIZING"
	PhaseIngesting    Phase = "INGESTING"
	PhaseValidating   Phase = "VALIDATING"
	PhaseSyncing      Phase = "SYNCING"
	PhasePublishing   Phase = "PUBLISHING"
	PhaseDone         Phase = "DONE"
)

// PhaseOrder is the execution order of the pipeline.
var PhaseOrder = []Phase{
	PhaseRecording, PhaseTranscribing, PhaseCorrecting, PhaseSummarizing,
	PhaseIngesting, PhaseValidating, PhaseSyncing, PhasePublishing, PhaseDone,
}

// resumeTable maps every phase to its safe restart point. Phases crashed
// during or before transcription restart from TRANSCRIBING; phases past it
// have valid transcripts and restart from SUMMARIZING, which avoids
// re-running the transcription backend. IDLE and DONE need no recovery, and
// RECORDING has no durable side effects yet, so auto-resuming it could
// duplicate billable work; those map to ok=false and require an operator
// decision.
var resumeTable = map[Phase]struct {
	restart Phase
	ok      bool
}{
	PhaseIdle:         {ok: false},
	PhaseRecording:    {ok: false},
	PhaseTranscribing: {restart: PhaseTranscribing, ok: true},
	PhaseCorrecting:   {restart: PhaseTranscribing, ok: true},
	PhaseSummarizing:  {restart: PhaseSummarizing, ok: true},
	PhaseIngesting:    {restart: PhaseSummarizing, ok: true},
	PhaseValidating:   {restart: PhaseSummarizing, ok: true},
	PhaseSyncing:      {restart: PhaseSummarizing, ok: true},
	PhasePublishing:   {restart: PhaseSummarizing, ok: true},
	PhaseDone:         {ok: false},
}

// ResumePhase returns the safe restart phase for p. It is total over the
// known phases; an unknown phase is not resumable.
func (p Phase) ResumePhase() (Phase, bool) {
	e, known := resumeTable[p]
	if !known {
		return "", false
	}
	return e.restart, e.ok
}

// Incomplete reports whether p marks a pipeline that never reached DONE.
func (p Phase) Incomplete() bool {
	return p != "" && p != PhaseIdle && p != PhaseDone
}

// TranscriptsComplete reports whether transcripts are durable and valid at p.
func (p Phase) TranscriptsComplete() bool {
	switch p {
	case PhaseSummarizing, PhaseIngesting, PhaseValidating, PhaseSyncing, PhasePublishing, PhaseDone:
		return true
	}
	return false
}
