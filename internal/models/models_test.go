package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusSecured))
	assert.True(t, StatusPending.CanTransitionTo(StatusQueued))
	assert.True(t, StatusSecured.CanTransitionTo(StatusQueued))
	assert.True(t, StatusQueued.CanTransitionTo(StatusProcessing))
	assert.True(t, StatusProcessing.CanTransitionTo(StatusTranscribed))
	assert.True(t, StatusTranscribed.CanTransitionTo(StatusProcessed))

	// Any stage may fail, any non-terminal stage may be skipped.
	for _, s := range []Status{StatusPending, StatusSecured, StatusQueued, StatusProcessing, StatusTranscribed} {
		assert.True(t, s.CanTransitionTo(StatusError), "%s -> ERROR", s)
		assert.True(t, s.CanTransitionTo(StatusSkipped), "%s -> SKIPPED", s)
	}

	// No skipping ahead.
	assert.False(t, StatusPending.CanTransitionTo(StatusProcessing))
	assert.False(t, StatusSecured.CanTransitionTo(StatusTranscribed))
	assert.False(t, StatusQueued.CanTransitionTo(StatusProcessed))
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	all := []Status{
		StatusPending, StatusSecured, StatusQueued, StatusProcessing,
		StatusTranscribed, StatusProcessed, StatusError, StatusSkipped,
	}
	for _, terminal := range []Status{StatusProcessed, StatusError, StatusSkipped} {
		require.True(t, terminal.IsTerminal())
		for _, next := range all {
			assert.False(t, terminal.CanTransitionTo(next), "%s must not leave terminal state (-> %s)", terminal, next)
		}
	}
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusTranscribed.Valid())
	assert.False(t, Status("DONE").Valid())
	assert.False(t, Status("").Valid())
}

func TestSessionComplete(t *testing.T) {
	recs := []Recording{
		{Filename: "U1-1000.mp3", Status: StatusProcessed},
		{Filename: "U2-2000.mp3", Status: StatusError},
		{Filename: "U3-3000.mp3", Status: StatusSkipped},
	}
	assert.True(t, SessionComplete(recs))

	recs = append(recs, Recording{Filename: "U4-4000.mp3", Status: StatusProcessing})
	assert.False(t, SessionComplete(recs))

	assert.True(t, SessionComplete(nil))
}

func TestResumePhaseTotality(t *testing.T) {
	for _, p := range append([]Phase{PhaseIdle}, PhaseOrder...) {
		restart, ok := p.ResumePhase()
		if ok {
			assert.Contains(t, []Phase{PhaseTranscribing, PhaseSummarizing}, restart, "phase %s", p)
		}
	}

	// Crashed mid-transcription: transcripts are not trustworthy.
	restart, ok := PhaseCorrecting.ResumePhase()
	require.True(t, ok)
	assert.Equal(t, PhaseTranscribing, restart)

	// Crashed after transcription: transcripts are valid, redo summary only.
	restart, ok = PhasePublishing.ResumePhase()
	require.True(t, ok)
	assert.Equal(t, PhaseSummarizing, restart)

	// RECORDING has no durable output yet; operator must decide.
	_, ok = PhaseRecording.ResumePhase()
	assert.False(t, ok)
	_, ok = PhaseDone.ResumePhase()
	assert.False(t, ok)
	_, ok = Phase("BOGUS").ResumePhase()
	assert.False(t, ok)
}

func TestPhaseIncomplete(t *testing.T) {
	assert.False(t, PhaseIdle.Incomplete())
	assert.False(t, PhaseDone.Incomplete())
	assert.False(t, Phase("").Incomplete())
	assert.True(t, PhaseSummarizing.Incomplete())
	assert.True(t, PhaseRecording.Incomplete())
}
