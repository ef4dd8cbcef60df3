package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipmon/ipmon/internal/database"
	"github.com/ipmon/ipmon/internal/services"
)

const seedYAML = `
hosts:
  - address: 10.0.0.10
    hostname: cam-lobby
    kind: Camera
    city: Porto
    site: Rack A
    device: sw-core-01
  - address: 10.0.0.11
    hostname: cam-dock
    alerts_enabled: false
  - address: 10.0.0.10
    hostname: duplicate
`

func TestSeedHosts(t *testing.T) {
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "seed.db"), nil)
	require.NoError(t, err)
	hosts := services.NewHostService(db)

	added, skipped, err := seedHosts(context.Background(), hosts, []byte(seedYAML))
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.Equal(t, 1, skipped)

	list, err := hosts.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "cam-lobby", list[0].Hostname)
	assert.Equal(t, "Porto", list[0].City)
	assert.True(t, list[0].AlertsEnabled)
	assert.False(t, list[1].AlertsEnabled)

	added, skipped, err = seedHosts(context.Background(), hosts, []byte(seedYAML))
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Equal(t, 3, skipped)
}

func TestSeedHosts_Errors(t *testing.T) {
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "seed.db"), nil)
	require.NoError(t, err)
	hosts := services.NewHostService(db)

	_, _, err = seedHosts(context.Background(), hosts, []byte("hosts: [unclosed"))
	assert.Error(t, err)

	_, _, err = seedHosts(context.Background(), hosts, []byte("hosts:\n  - hostname: no-address\n"))
	assert.ErrorIs(t, err, services.ErrHostAddress)
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "poll", "dispatch", "cleanup", "seed"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
