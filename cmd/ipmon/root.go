package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/ipmon/ipmon/internal/config"
	"github.com/ipmon/ipmon/internal/database"
	"github.com/ipmon/ipmon/internal/logger"
	"github.com/ipmon/ipmon/internal/probe"
	"github.com/ipmon/ipmon/internal/scheduler"
	"github.com/ipmon/ipmon/internal/services"
	"github.com/ipmon/ipmon/internal/version"
)

type app struct {
	configFile string
	debug      bool
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "ipmon",
		Short:        "ICMP reachability monitor with stable-state alerting",
		Version:      version.Full(),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "path to ipmon.yaml (default ./ipmon.yaml or ./data/ipmon.yaml)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(a),
		newJobCmd(a, "poll", scheduler.JobPoll, "Run one poll cycle over every host and exit"),
		newJobCmd(a, "dispatch", scheduler.JobDispatch, "Deliver pending alerts once and exit"),
		newJobCmd(a, "cleanup", scheduler.JobCleanup, "Delete poll history older than the retention window and exit"),
		newSeedCmd(a),
	)
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.debug {
		cfg.Debug = true
	}
	a.cfg = cfg

	out, path := logger.RotatingOutput(cfg.LogDir, filepath.Join("data", "logs"), "ipmon.log")
	logger.Init(cfg.Debug, out)
	logger.Log().WithField("log_file", path).Debug(version.Banner())
	return nil
}

func (a *app) openDB(ready *database.Readiness) (*gorm.DB, error) {
	db, err := database.Open(a.cfg.DatabaseDriver, a.cfg.DatabaseDSN, ready)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// jobs builds the services behind the three scheduled jobs.
func (a *app) jobs(db *gorm.DB, coordinator *scheduler.Coordinator) *scheduler.Jobs {
	prober := probe.NewUnit(probe.NewICMPPinger(a.cfg.ICMPPrivileged))
	return &scheduler.Jobs{
		Coordinator: coordinator,
		Poller:      services.NewPollService(db, prober),
		Dispatcher:  services.NewDispatchService(db, a.cfg.StaticDir, a.cfg.ExternalBaseURL),
		History:     services.NewHistoryService(db),
		Settings:    services.NewSettingsService(db),
	}
}
