package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPayloadValidate(t *testing.T) {
	valid := TranscriptionPayload{SessionID: "s1", FileName: "U1-1000.mp3", FilePath: "/tmp/U1-1000.mp3", UserID: "U1"}
	assert.NoError(t, valid.Validate())

	assert.Error(t, TranscriptionPayload{FileName: "U1-1000.mp3"}.Validate())
	assert.Error(t, TranscriptionPayload{SessionID: "s1"}.Validate())
}

func TestBackoffDelay(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, BackoffDelay(base, 1))
	assert.Equal(t, 4*time.Second, BackoffDelay(base, 2))
	assert.Equal(t, 8*time.Second, BackoffDelay(base, 3))
	assert.Equal(t, 16*time.Second, BackoffDelay(base, 4))

	// Attempt numbers below 1 are clamped.
	assert.Equal(t, 2*time.Second, BackoffDelay(base, 0))
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 5, opts.MaxAttempts)
	assert.Equal(t, 2*time.Second, opts.BackoffBase)
}

func TestDecodeJob(t *testing.T) {
	_, ok := decodeJob("not json")
	assert.False(t, ok)

	job, ok := decodeJob(`{"id":"U1-1000.mp3","payload":{"sessionId":"s1","fileName":"U1-1000.mp3"}}`)
	assert.True(t, ok)
	assert.Equal(t, "U1-1000.mp3", job.ID)
	assert.Equal(t, "s1", job.Payload.SessionID)
}
