package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pollCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ipmon_poll_cycles_total",
		Help: "Total number of completed poll cycles",
	})
	hostsProbedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ipmon_hosts_probed_total",
		Help: "Probe outcomes by observed status",
	}, []string{"status"})
	probeBatchFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ipmon_probe_batch_failures_total",
		Help: "Probe batches skipped because the probing transport failed",
	})
	hostStepFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ipmon_host_step_failures_total",
		Help: "Per-host poll steps aborted by a persistence error",
	})
	alertsRaisedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ipmon_alerts_raised_total",
		Help: "Alerts raised after a status stabilized",
	}, []string{"status"})
	alertsClearedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ipmon_alerts_cleared_total",
		Help: "Alerts cleared by the dispatch cycle",
	})
	notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ipmon_notifications_total",
		Help: "Notification attempts by channel and result",
	}, []string{"channel", "result"})
	telegramRateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ipmon_telegram_rate_limited_total",
		Help: "Telegram responses with HTTP 429",
	})
	jobRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ipmon_job_runs_total",
		Help: "Scheduler job invocations by outcome (ok, error, skipped)",
	}, []string{"job", "outcome"})
	httpPanicsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ipmon_http_panics_total",
		Help: "Handler panics recovered by route",
	}, []string{"route"})
	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ipmon_job_duration_seconds",
		Help:    "Scheduler job run time",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"job"})
)

// Register registers Prometheus collectors. Call once at startup.
func Register(registry prometheus.Registerer) {
	registry.MustRegister(
		pollCyclesTotal,
		hostsProbedTotal,
		probeBatchFailuresTotal,
		hostStepFailuresTotal,
		alertsRaisedTotal,
		alertsClearedTotal,
		notificationsTotal,
		telegramRateLimitedTotal,
		jobRunsTotal,
		jobDuration,
		httpPanicsTotal,
	)
}

func IncPollCycle() { pollCyclesTotal.Inc() }

func IncHostProbed(status string) { hostsProbedTotal.WithLabelValues(status).Inc() }

func IncProbeBatchFailure() { probeBatchFailuresTotal.Inc() }

func IncHostStepFailure() { hostStepFailuresTotal.Inc() }

func IncAlertRaised(status string) { alertsRaisedTotal.WithLabelValues(status).Inc() }

func AddAlertsCleared(n int) { alertsClearedTotal.Add(float64(n)) }

// IncNotification counts a delivery attempt; result is "sent", "failed" or "skipped".
func IncNotification(channel, result string) {
	notificationsTotal.WithLabelValues(channel, result).Inc()
}

func IncTelegramRateLimited() { telegramRateLimitedTotal.Inc() }

// IncHTTPPanic counts a recovered panic. route is the matched pattern, "unmatched" when empty.
func IncHTTPPanic(route string) {
	if route == "" {
		route = "unmatched"
	}
	httpPanicsTotal.WithLabelValues(route).Inc()
}

// ObserveJob records one job invocation.
func ObserveJob(job, outcome string, elapsed time.Duration) {
	jobRunsTotal.WithLabelValues(job, outcome).Inc()
	if outcome != "skipped" {
		jobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
	}
}
