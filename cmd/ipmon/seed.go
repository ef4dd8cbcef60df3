package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/ipmon/ipmon/internal/logger"
	"github.com/ipmon/ipmon/internal/services"
)

// hostFile is the layout of a seed file:
//
//	hosts:
//	  - address: 10.0.0.10
//	    hostname: cam-lobby
//	    kind: Camera
//	    city: Porto
//	    site: Rack A
//	    device: sw-core-01
type hostFile struct {
	Hosts []services.HostInput `yaml:"hosts"`
}

func newSeedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <hosts.yaml>",
		Short: "Add the hosts listed in a YAML file, skipping addresses already present",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read seed file: %w", err)
			}
			db, err := a.openDB(nil)
			if err != nil {
				return err
			}
			added, skipped, err := seedHosts(cmd.Context(), services.NewHostService(db), data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %d hosts, skipped %d\n", added, skipped)
			return nil
		},
	}
}

func seedHosts(ctx context.Context, hosts *services.HostService, data []byte) (added, skipped int, err error) {
	var file hostFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, 0, fmt.Errorf("parse seed file: %w", err)
	}
	for i, in := range file.Hosts {
		host, err := hosts.Create(ctx, in)
		switch {
		case err == nil:
			added++
			logger.Log().WithField("address", host.Address).Debug("seeded host")
		case errors.Is(err, services.ErrHostExists):
			skipped++
		case errors.Is(err, services.ErrHostAddress):
			return added, skipped, fmt.Errorf("host #%d: %w", i+1, err)
		default:
			return added, skipped, err
		}
	}
	return added, skipped, nil
}
