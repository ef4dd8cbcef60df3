package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ipmon/ipmon/internal/models"
	"github.com/ipmon/ipmon/internal/probe"
)

func setupServicesTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func createHost(t *testing.T, db *gorm.DB, address string) *models.Host {
	t.Helper()
	host := &models.Host{Address: address, Hostname: "host-" + address, AlertsEnabled: true}
	require.NoError(t, db.Create(host).Error)
	return host
}

// scriptedProber returns canned outcomes per address, one per call to Run.
type scriptedProber struct {
	mu      sync.Mutex
	outcome map[string][]bool
	calls   int
}

func newScriptedProber() *scriptedProber {
	return &scriptedProber{outcome: map[string][]bool{}}
}

func (p *scriptedProber) script(addr string, alive ...bool) {
	p.outcome[addr] = append(p.outcome[addr], alive...)
}

func (p *scriptedProber) Run(ctx context.Context, addrs []string, fn probe.BatchFunc) error {
	p.mu.Lock()
	p.calls++
	alive := make([]bool, len(addrs))
	for i, a := range addrs {
		if q := p.outcome[a]; len(q) > 0 {
			alive[i] = q[0]
			p.outcome[a] = q[1:]
		}
	}
	p.mu.Unlock()
	fn(ctx, probe.Batch{Addresses: addrs, Alive: alive})
	return nil
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
