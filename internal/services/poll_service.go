package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ipmon/ipmon/internal/logger"
	"github.com/ipmon/ipmon/internal/metrics"
	"github.com/ipmon/ipmon/internal/models"
	"github.com/ipmon/ipmon/internal/probe"
)

// Prober probes addresses in batches and hands each probed batch to fn.
type Prober interface {
	Run(ctx context.Context, addrs []string, fn probe.BatchFunc) error
}

// CycleReport summarises one poll cycle.
type CycleReport struct {
	Hosts     int           `json:"hosts"`
	Probed    int           `json:"probed"`
	Up        int           `json:"up"`
	Down      int           `json:"down"`
	Alerts    int           `json:"alerts"`
	Failures  int           `json:"failures"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
	StartedAt time.Time     `json:"started_at"`
}

// HostOutcome is the result of applying one probe outcome to a host.
type HostOutcome struct {
	HostID    string            `json:"host_id"`
	Status    models.HostStatus `json:"status"`
	Stability Stability         `json:"stability"`
	Alert     *models.Alert     `json:"alert,omitempty"`
}

// PollService runs the poll cycle: probe every host, record the outcome, and raise
// alerts for hosts that settled on a new status.
type PollService struct {
	DB       *gorm.DB
	Settings *SettingsService
	History  *HistoryService
	Alerts   *AlertService
	Hosts    *HostService
	Prober   Prober

	now func() time.Time
}

func NewPollService(db *gorm.DB, prober Prober) *PollService {
	return &PollService{
		DB:       db,
		Settings: NewSettingsService(db),
		History:  NewHistoryService(db),
		Alerts:   NewAlertService(db),
		Hosts:    NewHostService(db),
		Prober:   prober,
		now:      time.Now,
	}
}

// CheckAll probes every host once. Settings are read fresh at the start of the cycle.
// A failure while persisting one host is logged and the cycle moves on to the next host.
func (s *PollService) CheckAll(ctx context.Context) (CycleReport, error) {
	report := CycleReport{StartedAt: s.now().UTC()}
	start := time.Now()

	cfg, err := s.Settings.PollingConfig()
	if err != nil {
		logger.Log().WithError(err).Warn("using default polling settings")
	}

	hosts, err := s.Hosts.ListTargets(ctx)
	if err != nil {
		return report, err
	}
	report.Hosts = len(hosts)
	if len(hosts) == 0 {
		logger.Log().Debug("no hosts to poll")
		return report, nil
	}

	metrics.IncPollCycle()
	logger.Log().WithField("hosts", len(hosts)).Debug("starting host polling")

	addrs := make([]string, len(hosts))
	for i, h := range hosts {
		addrs[i] = h.Address
	}

	err = s.Prober.Run(ctx, addrs, func(ctx context.Context, b probe.Batch) {
		for i := range b.Addresses {
			host := &hosts[b.Offset+i]
			status := b.Status(i)
			report.Probed++
			if status == models.StatusUp {
				report.Up++
			} else {
				report.Down++
			}
			metrics.IncHostProbed(string(status))

			outcome, err := s.apply(ctx, host, status, cfg.RequiredStableCycles)
			if errors.Is(err, ErrHostNotFound) {
				report.Skipped++
				logger.Log().WithField("host", host.Address).Debug("host deleted during poll cycle, skipping")
				continue
			}
			if err != nil {
				report.Failures++
				metrics.IncHostStepFailure()
				logger.Log().WithError(err).WithField("host", host.Address).Error("failed to record poll outcome")
				continue
			}
			if outcome.Alert != nil {
				report.Alerts++
			}
		}
	})

	report.Duration = time.Since(start)
	logger.Log().WithFields(map[string]interface{}{
		"hosts":    report.Hosts,
		"probed":   report.Probed,
		"up":       report.Up,
		"down":     report.Down,
		"alerts":   report.Alerts,
		"failures": report.Failures,
		"skipped":  report.Skipped,
		"elapsed":  report.Duration.String(),
	}).Debug("host polling finished")
	return report, err
}

// PollHost probes a single host immediately, outside the scheduled cycle.
func (s *PollService) PollHost(ctx context.Context, id string) (*HostOutcome, error) {
	host, err := s.Hosts.Get(id)
	if err != nil {
		return nil, err
	}
	cfg, err := s.Settings.PollingConfig()
	if err != nil {
		logger.Log().WithError(err).Warn("using default polling settings")
	}

	var outcome *HostOutcome
	var stepErr error
	probed := false
	err = s.Prober.Run(ctx, []string{host.Address}, func(ctx context.Context, b probe.Batch) {
		probed = true
		outcome, stepErr = s.apply(ctx, host, b.Status(0), cfg.RequiredStableCycles)
	})
	if err != nil {
		return nil, err
	}
	if !probed {
		return nil, fmt.Errorf("probe of %s failed", host.Address)
	}
	return outcome, stepErr
}

// apply commits one probe outcome for host: status fields, history record, stability
// decision and alert, all in one transaction. The host row is re-read inside the
// transaction; a host deleted since the cycle started yields ErrHostNotFound and nothing
// is written.
func (s *PollService) apply(ctx context.Context, host *models.Host, status models.HostStatus, required int) (*HostOutcome, error) {
	now := s.now().UTC()
	outcome := &HostOutcome{HostID: host.ID, Status: status}
	var current models.Host

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&current, "id = ?", host.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrHostNotFound
			}
			return fmt.Errorf("load host: %w", err)
		}
		previous := current.Status

		result := tx.Model(&models.Host{}).Where("id = ?", host.ID).Updates(map[string]interface{}{
			"previous_status": previous,
			"status":          status,
			"last_poll":       now,
		})
		if result.Error != nil {
			return fmt.Errorf("update host status: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrHostNotFound
		}
		current.PreviousStatus = previous
		current.Status = status
		current.LastPoll = &now

		if _, err := s.History.Append(tx, host.ID, status, now); err != nil {
			return err
		}

		window, err := s.History.Recent(tx, host.ID, required)
		if err != nil {
			return err
		}
		outcome.Stability = Evaluate(window, status, required)
		if !outcome.Stability.Stable {
			logger.Log().WithFields(map[string]interface{}{
				"host": current.DisplayName(),
				"from": previous,
				"to":   status,
			}).Infof("status change discarded (%d/%d stable cycles)", outcome.Stability.Matching, required)
			return nil
		}

		alert, err := s.Alerts.Raise(tx, &current, status, now)
		if err != nil {
			return err
		}
		outcome.Alert = alert
		return nil
	})
	if err != nil {
		return nil, err
	}

	*host = current
	return outcome, nil
}
