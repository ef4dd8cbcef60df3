package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipmon/ipmon/internal/models"
)

// fakePinger reports an address as alive when it is in up, and fails the batches whose
// index is in failBatches.
type fakePinger struct {
	mu          sync.Mutex
	up          map[string]bool
	failBatches map[int]bool
	batches     [][]string
}

func (f *fakePinger) PingBatch(ctx context.Context, addrs []string) ([]bool, error) {
	f.mu.Lock()
	idx := len(f.batches)
	f.batches = append(f.batches, append([]string(nil), addrs...))
	f.mu.Unlock()

	if f.failBatches[idx] {
		return nil, errors.New("socket: operation not permitted")
	}
	alive := make([]bool, len(addrs))
	for i, a := range addrs {
		alive[i] = f.up[a]
	}
	return alive, nil
}

func addresses(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("10.0.%d.%d", i/250, i%250+1)
	}
	return out
}

func newTestUnit(p Pinger) (*Unit, *[]time.Duration) {
	var pauses []time.Duration
	u := NewUnit(p)
	u.sleep = func(ctx context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}
	return u, &pauses
}

func TestChunk(t *testing.T) {
	spans := Chunk(450, 200)
	require.Len(t, spans, 3)
	assert.Equal(t, Span{0, 200}, spans[0])
	assert.Equal(t, Span{200, 400}, spans[1])
	assert.Equal(t, Span{400, 450}, spans[2])
	assert.Equal(t, 50, spans[2].Len())

	assert.Len(t, Chunk(200, 200), 1)
	assert.Len(t, Chunk(201, 200), 2)
	assert.Nil(t, Chunk(0, 200))
	assert.Len(t, Chunk(5, 0), 1)
}

func TestUnit_Run_BatchesInOrder(t *testing.T) {
	addrs := addresses(450)
	up := map[string]bool{}
	for i, a := range addrs {
		if i%3 == 0 {
			up[a] = true
		}
	}
	pinger := &fakePinger{up: up}
	u, pauses := newTestUnit(pinger)

	var seen []Batch
	err := u.Run(context.Background(), addrs, func(_ context.Context, b Batch) {
		seen = append(seen, b)
	})
	require.NoError(t, err)

	require.Len(t, seen, 3)
	assert.Equal(t, []int{200, 200, 50}, []int{len(seen[0].Addresses), len(seen[1].Addresses), len(seen[2].Addresses)})
	assert.Equal(t, []int{0, 200, 400}, []int{seen[0].Offset, seen[1].Offset, seen[2].Offset})

	for _, b := range seen {
		for i, a := range b.Addresses {
			assert.Equal(t, addrs[b.Offset+i], a)
			want := models.StatusDown
			if (b.Offset+i)%3 == 0 {
				want = models.StatusUp
			}
			assert.Equal(t, want, b.Status(i))
		}
	}

	// pause between batches, none after the last
	assert.Equal(t, []time.Duration{DefaultBatchPause, DefaultBatchPause}, *pauses)
}

func TestUnit_Run_SkipsFailedBatch(t *testing.T) {
	addrs := addresses(450)
	pinger := &fakePinger{up: map[string]bool{}, failBatches: map[int]bool{1: true}}
	u, _ := newTestUnit(pinger)

	var offsets []int
	err := u.Run(context.Background(), addrs, func(_ context.Context, b Batch) {
		offsets = append(offsets, b.Offset)
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 400}, offsets, "the failed batch is skipped and the cycle continues")
	assert.Len(t, pinger.batches, 3)
}

type shortPinger struct{}

func (shortPinger) PingBatch(ctx context.Context, addrs []string) ([]bool, error) {
	return make([]bool, len(addrs)-1), nil
}

func TestUnit_Run_SkipsMismatchedBatch(t *testing.T) {
	u, _ := newTestUnit(shortPinger{})
	called := false
	require.NoError(t, u.Run(context.Background(), addresses(3), func(context.Context, Batch) { called = true }))
	assert.False(t, called)
}

func TestUnit_Run_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pinger := &fakePinger{up: map[string]bool{}}
	u := NewUnit(pinger)
	u.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	err := u.Run(ctx, addresses(450), func(context.Context, Batch) {})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, pinger.batches, 1)
}

func TestUnit_ProbeAll(t *testing.T) {
	addrs := addresses(5)
	pinger := &fakePinger{up: map[string]bool{addrs[1]: true, addrs[4]: true}}
	u, _ := newTestUnit(pinger)
	u.BatchSize = 2
	pinger.failBatches = map[int]bool{1: true}

	results, err := u.ProbeAll(context.Background(), addrs)
	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.Equal(t, Result{Address: addrs[0], Status: models.StatusDown, Probed: true}, results[0])
	assert.Equal(t, Result{Address: addrs[1], Status: models.StatusUp, Probed: true}, results[1])
	assert.False(t, results[2].Probed)
	assert.False(t, results[3].Probed)
	assert.Equal(t, models.StatusUnknown, results[2].Status)
	assert.Equal(t, Result{Address: addrs[4], Status: models.StatusUp, Probed: true}, results[4])
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
