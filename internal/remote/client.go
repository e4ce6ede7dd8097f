// Package remote is the HTTP client for the external worker service that
// holds the transcription model and the LLM collaborators (correction,
// summarization, name reconciliation).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tablescribe/backend/internal/orchestrator"
	"github.com/tablescribe/backend/pkg/queue"
)

// Client talks to the worker service. The service loads the transcription
// model lazily and keeps a single instance resident, which is why the
// orchestrator pauses the queue around UnloadModels.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a worker-service client. Transcription of a long session
// artifact can take many minutes, so the timeout is generous.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Transcribe converts one audio artifact into raw transcript text.
func (c *Client) Transcribe(ctx context.Context, payload queue.TranscriptionPayload) (string, error) {
	var out struct {
		Text string `json:"text"`
	}
	if err := c.post(ctx, "/transcribe", payload, &out); err != nil {
		return "", fmt.Errorf("transcribe %s: %w", payload.FileName, err)
	}
	return out.Text, nil
}

// Correct cleans a raw transcript (speaker labels, filler removal).
func (c *Client) Correct(ctx context.Context, sessionID, text string) (string, error) {
	in := map[string]string{"sessionId": sessionID, "text": text}
	var out struct {
		Text string `json:"text"`
	}
	if err := c.post(ctx, "/correct", in, &out); err != nil {
		return "", fmt.Errorf("correct transcript: %w", err)
	}
	return out.Text, nil
}

// Summarize derives the narrative summary for a completed session.
func (c *Client) Summarize(ctx context.Context, sessionID string) (*orchestrator.Summary, error) {
	in := map[string]string{"sessionId": sessionID}
	var out orchestrator.Summary
	if err := c.post(ctx, "/summarize", in, &out); err != nil {
		return nil, fmt.Errorf("summarize %s: %w", sessionID, err)
	}
	out.SessionID = sessionID
	return &out, nil
}

// Normalize deduplicates entity names in a summary against the campaign's
// known roster.
func (c *Client) Normalize(ctx context.Context, campaignID int64, s *orchestrator.Summary) (*orchestrator.Summary, error) {
	in := struct {
		CampaignID int64                 `json:"campaignId"`
		Summary    *orchestrator.Summary `json:"summary"`
	}{CampaignID: campaignID, Summary: s}
	var out orchestrator.Summary
	if err := c.post(ctx, "/reconcile", in, &out); err != nil {
		return nil, fmt.Errorf("reconcile summary: %w", err)
	}
	return &out, nil
}

// UnloadModels asks the worker service to release the resident transcription
// model. Only called while the queue is paused.
func (c *Client) UnloadModels(ctx context.Context) error {
	if err := c.post(ctx, "/unload", struct{}{}, nil); err != nil {
		return fmt.Errorf("unload models: %w", err)
	}
	c.logger.Info("worker service released transcription model")
	return nil
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("worker service %s: status %d: %s", path, resp.StatusCode, string(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
