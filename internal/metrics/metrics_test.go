package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordReloadTracksFallback(t *testing.T) {
	before := testutil.ToFloat64(ReloadsTotal.WithLabelValues("fallback"))

	RecordReload("fallback")
	assert.Equal(t, before+1, testutil.ToFloat64(ReloadsTotal.WithLabelValues("fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(ServingFallback))

	RecordReload("champion")
	assert.Equal(t, 0.0, testutil.ToFloat64(ServingFallback))

	RecordReload("failed")
	assert.Equal(t, 0.0, testutil.ToFloat64(ServingFallback))
}

func TestRecordPrediction(t *testing.T) {
	before := testutil.ToFloat64(PredictionsTotal.WithLabelValues("ok"))
	RecordPrediction("ok", 3*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(PredictionsTotal.WithLabelValues("ok")))
}
