package metrics_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/kigalisim/internal/metrics"
)

func TestObserveScenarioAndTrialUpdateExposition(t *testing.T) {
	c := metrics.NewCollector()
	c.ObserveScenario()
	c.ObserveTrial(50*time.Millisecond, 5, nil)
	c.ObserveTrial(10*time.Millisecond, 3, errors.New("boom"))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()

	assert.True(t, strings.Contains(body, "kigalisim_scenarios_total 1"))
	assert.True(t, strings.Contains(body, "kigalisim_trials_total 2"))
	assert.True(t, strings.Contains(body, "kigalisim_years_total 8"))
	assert.True(t, strings.Contains(body, "kigalisim_trial_errors_total 1"))
}

func TestNilCollectorObserveIsNoop(t *testing.T) {
	var c *metrics.Collector
	assert.NotPanics(t, func() {
		c.ObserveScenario()
		c.ObserveTrial(time.Second, 1, nil)
	})
}
