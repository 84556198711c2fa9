package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterValue sums every series of a metric family whose labels include want
func counterValue(t *testing.T, r *Recorder, name string, want map[string]string) float64 {
	t.Helper()
	families, err := r.Registry().Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			match := true
			for k, v := range want {
				if labels[k] != v {
					match = false
				}
			}
			if !match {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func TestRecorder_Counters(t *testing.T) {
	r := New()

	r.ObserveAPIRequest("RecuperarCambiosCanal", 200, 120*time.Millisecond)
	r.ObserveAPIRequest("RecuperarCambiosCanal", 429, 10*time.Millisecond)
	r.ObserveAPIRequest("RecuperarCambiosCanal", 0, time.Millisecond)
	r.AddRecords("parts", "created", 7)
	r.AddRecords("parts", "created", 3)
	r.AddRecords("parts", "updated", 0)
	r.RunStarted("parts")
	r.ObserveBatch("parts", time.Second)
	r.RunFinished("parts", "completed")

	assert.Equal(t, 1.0, counterValue(t, r, MetricAPIRequestsTotal, map[string]string{"status": "429"}))
	assert.Equal(t, 1.0, counterValue(t, r, MetricAPIRequestsTotal, map[string]string{"status": "error"}))
	assert.Equal(t, 3.0, counterValue(t, r, MetricAPIRequestSeconds, nil))
	assert.Equal(t, 10.0, counterValue(t, r, MetricRecordsWrittenTotal, map[string]string{"outcome": "created"}))
	assert.Equal(t, 0.0, counterValue(t, r, MetricRecordsWrittenTotal, map[string]string{"outcome": "updated"}))
	assert.Equal(t, 1.0, counterValue(t, r, MetricImportRunsTotal, map[string]string{"type": "parts", "status": "completed"}))
	assert.Equal(t, 1.0, counterValue(t, r, MetricBatchDurationSeconds, nil))
	assert.Equal(t, 0.0, counterValue(t, r, MetricImportRunning, map[string]string{"type": "parts"}))
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ObserveAPIRequest("x", 200, time.Millisecond)
		r.AddRecords("parts", "created", 1)
		r.ObserveBatch("parts", time.Millisecond)
		r.RunStarted("parts")
		r.RunFinished("parts", "failed")
	})
}

func TestRecorder_Handler(t *testing.T) {
	r := New()
	r.AddRecords("vehicles", "updated", 2)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(string(body), MetricRecordsWrittenTotal))
}
