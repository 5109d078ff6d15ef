package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ILLUVRSE/churn-mlops/internal/models"
)

type slackMessage struct {
	Text string `json:"text"`
}

// SlackNotifier posts a summary of each promotion to an incoming webhook.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

func NewSlackNotifier(webhookURL string, client *http.Client) (*SlackNotifier, error) {
	if webhookURL == "" {
		return nil, fmt.Errorf("slack webhook URL is not configured")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SlackNotifier{webhookURL: webhookURL, client: client}, nil
}

func (s *SlackNotifier) NotifyPromotion(ctx context.Context, ev models.PromotionEvent) error {
	payload, err := json.Marshal(slackMessage{Text: Summary(ev)})
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned status code %d", resp.StatusCode)
	}
	return nil
}
