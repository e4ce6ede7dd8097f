// Package publish delivers finished session summaries and operator notices
// to a chat webhook.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tablescribe/backend/internal/orchestrator"
)

// Webhook posts messages to a chat-style incoming webhook URL.
type Webhook struct {
	url    string
	http   *http.Client
	logger *zap.Logger
}

// NewWebhook creates a webhook publisher. An empty URL yields a disabled
// publisher that logs instead of posting.
func NewWebhook(url string, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{
		url:    url,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

// Sink returns the orchestrator sink that publishes a session summary.
func (w *Webhook) Sink() orchestrator.Sink {
	return func(ctx context.Context, s *orchestrator.Summary) error {
		content := fmt.Sprintf("**%s**\n%s", s.Title, s.Narrative)
		if err := w.send(ctx, content); err != nil {
			return fmt.Errorf("publish summary for %s: %w", s.SessionID, err)
		}
		w.logger.Info("summary published", zap.String("session_id", s.SessionID))
		return nil
	}
}

// Notify implements the operator notification channel (timeouts,
// non-resumable phases). Failures are logged, never propagated: a lost
// notice must not fail the pipeline.
func (w *Webhook) Notify(ctx context.Context, sessionID, message string) {
	content := fmt.Sprintf("⚠️ session `%s`: %s", sessionID, message)
	if err := w.send(ctx, content); err != nil {
		w.logger.Warn("operator notice delivery failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (w *Webhook) send(ctx context.Context, content string) error {
	if w.url == "" {
		w.logger.Info("webhook disabled, dropping message", zap.String("content", content))
		return nil
	}
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
