// Package probe checks host reachability in bounded batches.
package probe

import (
	"context"
	"time"

	"github.com/ipmon/ipmon/internal/logger"
	"github.com/ipmon/ipmon/internal/metrics"
	"github.com/ipmon/ipmon/internal/models"
)

const (
	DefaultBatchSize   = 200
	DefaultConcurrency = 50
	DefaultTimeout     = time.Second
	DefaultInterval    = 200 * time.Millisecond
	DefaultSpacing     = 10 * time.Millisecond
	DefaultBatchPause  = time.Second
)

// Pinger probes one batch of addresses. The returned slice is positional: alive[i]
// belongs to addrs[i]. An error means the probing mechanism itself failed and no
// outcome for the batch is usable; an unreachable host is not an error.
type Pinger interface {
	PingBatch(ctx context.Context, addrs []string) ([]bool, error)
}

// Span is the half-open index range [Start, End) of one batch.
type Span struct {
	Start int
	End   int
}

func (s Span) Len() int { return s.End - s.Start }

// Chunk splits n items into consecutive spans of at most size items.
func Chunk(n, size int) []Span {
	if n <= 0 {
		return nil
	}
	if size <= 0 {
		size = n
	}
	spans := make([]Span, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		spans = append(spans, Span{Start: start, End: end})
	}
	return spans
}

// Batch is the outcome of probing one span of the input list.
type Batch struct {
	Index     int
	Offset    int
	Addresses []string
	Alive     []bool
}

// Status returns the observed status of the i-th address of the batch.
func (b Batch) Status(i int) models.HostStatus {
	if b.Alive[i] {
		return models.StatusUp
	}
	return models.StatusDown
}

// BatchFunc consumes one probed batch. It runs before the next batch is probed.
type BatchFunc func(ctx context.Context, b Batch)

// Unit partitions an address list into batches and probes them one after another.
type Unit struct {
	Pinger     Pinger
	BatchSize  int
	BatchPause time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

func NewUnit(p Pinger) *Unit {
	return &Unit{
		Pinger:     p,
		BatchSize:  DefaultBatchSize,
		BatchPause: DefaultBatchPause,
		sleep:      Sleep,
	}
}

// Run probes addrs batch by batch, in list order, handing every successfully probed batch
// to fn. A batch whose probing fails is logged and skipped. Run only returns an error when
// ctx is cancelled.
func (u *Unit) Run(ctx context.Context, addrs []string, fn BatchFunc) error {
	spans := Chunk(len(addrs), u.BatchSize)
	for i, span := range spans {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch := addrs[span.Start:span.End]
		alive, err := u.Pinger.PingBatch(ctx, batch)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			metrics.IncProbeBatchFailure()
			logger.Log().WithError(err).WithFields(map[string]interface{}{
				"batch": i + 1,
				"of":    len(spans),
				"size":  len(batch),
			}).Error("probe batch failed, skipping")
		case len(alive) != len(batch):
			metrics.IncProbeBatchFailure()
			logger.Log().WithFields(map[string]interface{}{
				"batch":   i + 1,
				"want":    len(batch),
				"results": len(alive),
			}).Error("probe batch returned a mismatched result count, skipping")
		default:
			fn(ctx, Batch{Index: i, Offset: span.Start, Addresses: batch, Alive: alive})
		}

		if i < len(spans)-1 && u.BatchPause > 0 {
			logger.Log().WithField("pause", u.BatchPause.String()).Debug("waiting before next probe batch")
			if err := u.sleepFn()(ctx, u.BatchPause); err != nil {
				return err
			}
		}
	}
	return nil
}

// Result is the outcome for one address of ProbeAll. Probed is false when the batch
// holding the address failed.
type Result struct {
	Address string
	Status  models.HostStatus
	Probed  bool
}

// ProbeAll probes addrs and returns one Result per address, in input order.
func (u *Unit) ProbeAll(ctx context.Context, addrs []string) ([]Result, error) {
	results := make([]Result, len(addrs))
	for i, addr := range addrs {
		results[i] = Result{Address: addr, Status: models.StatusUnknown}
	}
	err := u.Run(ctx, addrs, func(_ context.Context, b Batch) {
		for i := range b.Addresses {
			results[b.Offset+i].Status = b.Status(i)
			results[b.Offset+i].Probed = true
		}
	})
	return results, err
}

func (u *Unit) sleepFn() func(ctx context.Context, d time.Duration) error {
	if u.sleep == nil {
		return Sleep
	}
	return u.sleep
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
