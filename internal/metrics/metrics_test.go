package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	registry := prometheus.NewRegistry()
	require.NotPanics(t, func() { Register(registry) })

	IncPollCycle()
	IncHostProbed("Up")
	ObserveJob("poll-hosts", "ok", 50*time.Millisecond)
	ObserveJob("poll-hosts", "skipped", 0)

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(telegramRateLimitedTotal)
	IncTelegramRateLimited()
	assert.Equal(t, before+1, testutil.ToFloat64(telegramRateLimitedTotal))

	beforeSkip := testutil.ToFloat64(jobRunsTotal.WithLabelValues("dispatch", "skipped"))
	ObserveJob("dispatch", "skipped", 0)
	assert.Equal(t, beforeSkip+1, testutil.ToFloat64(jobRunsTotal.WithLabelValues("dispatch", "skipped")))

	beforePanic := testutil.ToFloat64(httpPanicsTotal.WithLabelValues("unmatched"))
	IncHTTPPanic("")
	assert.Equal(t, beforePanic+1, testutil.ToFloat64(httpPanicsTotal.WithLabelValues("unmatched")))

	beforeCleared := testutil.ToFloat64(alertsClearedTotal)
	AddAlertsCleared(3)
	assert.Equal(t, beforeCleared+3, testutil.ToFloat64(alertsClearedTotal))
}
