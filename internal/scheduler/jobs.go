package scheduler

import (
	"context"
	"time"

	"github.com/ipmon/ipmon/internal/logger"
	"github.com/ipmon/ipmon/internal/services"
)

// Job ids.
const (
	JobPoll     = "poll-hosts"
	JobDispatch = "host-status-alerts"
	JobCleanup  = "poll-history-cleanup"
)

// CleanupSpec runs the history cleanup daily at 00:30.
const CleanupSpec = "30 0 * * *"

// EverySpec is the cron spec for a fixed period.
func EverySpec(d time.Duration) string {
	return "@every " + d.String()
}

type Poller interface {
	CheckAll(ctx context.Context) (services.CycleReport, error)
	PollHost(ctx context.Context, id string) (*services.HostOutcome, error)
}

type Dispatcher interface {
	DispatchPending(ctx context.Context) (services.DispatchReport, error)
}

type HistoryCleaner interface {
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

type PollingSettings interface {
	PollingConfig() (services.PollingConfig, error)
}

// Jobs wires the services into the coordinator.
type Jobs struct {
	Coordinator *Coordinator
	Poller      Poller
	Dispatcher  Dispatcher
	History     HistoryCleaner
	Settings    PollingSettings
}

// Install registers the three jobs using the stored polling settings.
func (j *Jobs) Install() error {
	cfg, err := j.Settings.PollingConfig()
	if err != nil {
		logger.Log().WithError(err).Warn("using default polling settings for job schedules")
	}
	if err := j.Reconfigure(cfg); err != nil {
		return err
	}
	return j.Coordinator.Schedule(JobCleanup, CleanupSpec, j.cleanup)
}

// Reconfigure reschedules the poll and dispatch jobs for cfg.
func (j *Jobs) Reconfigure(cfg services.PollingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := j.Coordinator.Schedule(JobPoll, EverySpec(cfg.PollInterval()), j.poll); err != nil {
		return err
	}
	return j.Coordinator.Schedule(JobDispatch, EverySpec(cfg.DispatchInterval()), j.dispatch)
}

func (j *Jobs) poll(ctx context.Context) error {
	report, err := j.Poller.CheckAll(ctx)
	if err != nil {
		return err
	}
	if report.Hosts > 0 {
		logger.WithJob(JobPoll).WithFields(map[string]interface{}{
			"hosts":    report.Hosts,
			"up":       report.Up,
			"down":     report.Down,
			"alerts":   report.Alerts,
			"failures": report.Failures,
			"elapsed":  report.Duration.String(),
		}).Info("poll cycle finished")
	}
	return nil
}

// PollHost polls one host outside the schedule. It shares the poll job's guard, so it
// returns ErrJobBusy while a poll cycle is running.
func (j *Jobs) PollHost(ctx context.Context, id string) (*services.HostOutcome, error) {
	var outcome *services.HostOutcome
	err := j.Coordinator.Exclusive(ctx, JobPoll, func(ctx context.Context) error {
		var err error
		outcome, err = j.Poller.PollHost(ctx, id)
		return err
	})
	return outcome, err
}

func (j *Jobs) dispatch(ctx context.Context) error {
	report, err := j.Dispatcher.DispatchPending(ctx)
	if err != nil {
		return err
	}
	if report.Alerts > 0 {
		logger.WithJob(JobDispatch).WithFields(map[string]interface{}{
			"alerts":            report.Alerts,
			"cleared":           report.Cleared,
			"suppressed":        report.Suppressed,
			"mail_sent":         report.MailSent,
			"telegram_sent":     report.TelegramSent,
			"telegram_failed":   report.TelegramFailed,
			"provider_failures": report.ProviderFailures,
		}).Info("alert dispatch finished")
	}
	return nil
}

func (j *Jobs) cleanup(ctx context.Context) error {
	cfg, err := j.Settings.PollingConfig()
	if err != nil {
		logger.Log().WithError(err).Warn("using default history retention")
	}
	deleted, err := j.History.Cleanup(ctx, cfg.HistoryRetentionDays)
	if err != nil {
		return err
	}
	logger.WithJob(JobCleanup).WithField("deleted", deleted).WithField("retention_days", cfg.HistoryRetentionDays).
		Info("poll history cleanup finished")
	return nil
}

// Run executes one job by id synchronously, used by the one-shot CLI commands.
func (j *Jobs) Run(ctx context.Context, id string) error {
	switch id {
	case JobPoll:
		return j.poll(ctx)
	case JobDispatch:
		return j.dispatch(ctx)
	case JobCleanup:
		return j.cleanup(ctx)
	}
	return ErrJobNotFound
}
