package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsExposition(t *testing.T) {
	m := New()
	m.ObservePass("merged", 2*time.Second, false)
	m.ObservePass("aborted", time.Second, true)
	m.AddBackups("merge", 2)
	m.AddBackups("vault", 0)
	m.AddConflicts("stash", 1)
	m.ObserveSubmission("pushed")
	m.ObserveWebhook("triggered")

	body := scrape(t, m)
	assert.Contains(t, body, `coursesyncd_sync_passes_total{outcome="merged"} 1`)
	assert.Contains(t, body, `coursesyncd_sync_passes_total{outcome="aborted"} 1`)
	assert.Contains(t, body, `coursesyncd_sync_pass_duration_seconds_count 2`)
	assert.Contains(t, body, `coursesyncd_backup_artifacts_total{source="merge"} 2`)
	assert.NotContains(t, body, `source="vault"`)
	assert.Contains(t, body, `coursesyncd_conflicts_resolved_total{stage="stash"} 1`)
	assert.Contains(t, body, `coursesyncd_submissions_total{result="pushed"} 1`)
	assert.Contains(t, body, `coursesyncd_webhook_events_total{result="triggered"} 1`)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObservePass("noop", time.Second, false)
		m.AddBackups("merge", 1)
		m.AddConflicts("merge", 1)
		m.ObserveSubmission("rejected")
		m.ObserveWebhook("ignored")
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
