package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/churn-mlops/internal/models"
)

func sampleEvent() models.PromotionEvent {
	return models.PromotionEvent{
		ID:               uuid.New(),
		Experiment:       "Telco_Churn_Models",
		Metric:           "accuracy",
		ChampionRunID:    "r1",
		ChampionMetric:   0.8123,
		ChallengerRunID:  "r2",
		ChallengerMetric: 0.8011,
		ChampionURI:      "models:/LightGBM@champion",
		ChallengerURI:    "models:/XGBoost@challenger",
		Warnings:         json.RawMessage("[]"),
		Published:        true,
		CreatedAt:        time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

type fakeWriter struct {
	failures int
	msgs     []kafka.Message
	closed   bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("leader not available")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaNotifierRetriesAndKeysByExperiment(t *testing.T) {
	w := &fakeWriter{failures: 2}
	k := newKafkaNotifier(w, KafkaConfig{MaxAttempts: 3})
	k.backoff = time.Millisecond
	ev := sampleEvent()

	require.NoError(t, k.NotifyPromotion(context.Background(), ev))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "Telco_Churn_Models", string(w.msgs[0].Key))

	var got models.PromotionEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.ChampionURI, got.ChampionURI)

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestKafkaNotifierGivesUp(t *testing.T) {
	w := &fakeWriter{failures: 5}
	k := newKafkaNotifier(w, KafkaConfig{MaxAttempts: 2})
	k.backoff = time.Millisecond

	err := k.NotifyPromotion(context.Background(), sampleEvent())
	assert.ErrorContains(t, err, "after 2 attempts")
	assert.Empty(t, w.msgs)
}

func TestNewKafkaNotifierValidates(t *testing.T) {
	_, err := NewKafkaNotifier(KafkaConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaNotifier(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

func TestSlackNotifierPostsSummary(t *testing.T) {
	var msg slackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := NewSlackNotifier(srv.URL, nil)
	require.NoError(t, err)
	require.NoError(t, s.NotifyPromotion(context.Background(), sampleEvent()))
	assert.Contains(t, msg.Text, "models:/LightGBM@champion")
	assert.Contains(t, msg.Text, "accuracy=0.8123")
}

func TestSlackNotifierNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s, err := NewSlackNotifier(srv.URL, nil)
	require.NoError(t, err)
	assert.ErrorContains(t, s.NotifyPromotion(context.Background(), sampleEvent()), "403")

	_, err = NewSlackNotifier("", nil)
	assert.Error(t, err)
}

type countingNotifier struct {
	calls int
	err   error
}

func (c *countingNotifier) NotifyPromotion(context.Context, models.PromotionEvent) error {
	c.calls++
	return c.err
}

func TestMultiNotifiesAllAndJoinsErrors(t *testing.T) {
	a := &countingNotifier{err: errors.New("a failed")}
	b := &countingNotifier{}
	err := Multi{a, nil, b}.NotifyPromotion(context.Background(), sampleEvent())
	assert.ErrorContains(t, err, "a failed")
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)

	assert.NoError(t, Multi{b}.NotifyPromotion(context.Background(), sampleEvent()))
	assert.NoError(t, Nop{}.NotifyPromotion(context.Background(), sampleEvent()))
}
