package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/churn-mlops/internal/apperr"
	"github.com/ILLUVRSE/churn-mlops/internal/models"
)

type MemoryStore struct {
	mu     sync.RWMutex
	events map[uuid.UUID]models.PromotionEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: map[uuid.UUID]models.PromotionEvent{}}
}

func copyJSON(raw json.RawMessage, fallback string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(fallback)
	}
	return append(json.RawMessage(nil), raw...)
}

func (m *MemoryStore) RecordPromotion(ctx context.Context, in PromotionInput) (models.PromotionEvent, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	ev := models.PromotionEvent{
		ID:               in.ID,
		Experiment:       in.Experiment,
		Metric:           in.Metric,
		ChampionRunID:    in.ChampionRunID,
		ChampionMetric:   in.ChampionMetric,
		ChallengerRunID:  in.ChallengerRunID,
		ChallengerMetric: in.ChallengerMetric,
		ChampionURI:      in.ChampionURI,
		ChallengerURI:    in.ChallengerURI,
		Warnings:         copyJSON(in.Warnings, "[]"),
		Published:        in.Published,
		CreatedAt:        time.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.ID] = ev
	return ev, nil
}

func (m *MemoryStore) ListPromotions(ctx context.Context, filter ListPromotionsFilter) ([]models.PromotionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.PromotionEvent
	for _, ev := range m.events {
		if filter.Experiment != "" && ev.Experiment != filter.Experiment {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit := normalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetPromotion(ctx context.Context, id uuid.UUID) (models.PromotionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return models.PromotionEvent{}, apperr.ErrNotFound
	}
	return ev, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
