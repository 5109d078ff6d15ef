// Package events announces promotion outcomes to Kafka and Slack.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ILLUVRSE/churn-mlops/internal/models"
)

// Notifier receives every recorded promotion event.
type Notifier interface {
	NotifyPromotion(ctx context.Context, ev models.PromotionEvent) error
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) NotifyPromotion(ctx context.Context, ev models.PromotionEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.NotifyPromotion(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) NotifyPromotion(context.Context, models.PromotionEvent) error { return nil }

// Summary is the one-line human description of ev.
func Summary(ev models.PromotionEvent) string {
	status := "published"
	if !ev.Published {
		status = "not published"
	}
	return fmt.Sprintf("[%s] %s: champion %s (%s=%.4f) -> %s, challenger %s (%s=%.4f) -> %s; prod config %s at %s",
		ev.Experiment, ev.Metric,
		ev.ChampionRunID, ev.Metric, ev.ChampionMetric, ev.ChampionURI,
		ev.ChallengerRunID, ev.Metric, ev.ChallengerMetric, ev.ChallengerURI,
		status, ev.CreatedAt.UTC().Format(time.RFC3339))
}
