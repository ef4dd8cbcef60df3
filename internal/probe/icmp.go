package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"golang.org/x/sync/errgroup"
)

// ICMPPinger sends one ICMP echo per address with bounded concurrency.
type ICMPPinger struct {
	Concurrency int
	Timeout     time.Duration
	Interval    time.Duration
	Spacing     time.Duration // delay between launching consecutive probes
	Privileged  bool          // raw sockets; unprivileged mode needs net.ipv4.ping_group_range

	ping func(ctx context.Context, addr string) (bool, error)
}

func NewICMPPinger(privileged bool) *ICMPPinger {
	return &ICMPPinger{
		Concurrency: DefaultConcurrency,
		Timeout:     DefaultTimeout,
		Interval:    DefaultInterval,
		Spacing:     DefaultSpacing,
		Privileged:  privileged,
	}
}

// PingBatch probes addrs concurrently. Unreachable or unresolvable hosts come back as false;
// only a failure to open the ICMP socket aborts the batch.
func (p *ICMPPinger) PingBatch(ctx context.Context, addrs []string) ([]bool, error) {
	alive := make([]bool, len(addrs))

	g, gctx := errgroup.WithContext(ctx)
	limit := p.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	g.SetLimit(limit)

	ping := p.ping
	if ping == nil {
		ping = p.pingOne
	}

	for i, addr := range addrs {
		if i > 0 && p.Spacing > 0 {
			if err := Sleep(gctx, p.Spacing); err != nil {
				break
			}
		}
		g.Go(func() error {
			ok, err := ping(gctx, addr)
			if err != nil {
				return err
			}
			alive[i] = ok
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return alive, nil
}

func (p *ICMPPinger) pingOne(ctx context.Context, addr string) (bool, error) {
	pinger, err := probing.NewPinger(addr)
	if err != nil {
		// unresolvable name
		return false, nil
	}
	pinger.Count = 1
	pinger.Timeout = p.Timeout
	pinger.Interval = p.Interval
	pinger.SetPrivileged(p.Privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if isTransportError(err) {
			return false, fmt.Errorf("icmp %s: %w", addr, err)
		}
		return false, nil
	}
	return pinger.Statistics().PacketsRecv > 0, nil
}

// isTransportError reports errors that mean the ICMP socket itself is unusable, as opposed
// to a single destination being unreachable.
func isTransportError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "listen" {
		return true
	}
	return errors.Is(err, syscall.EPERM) ||
		errors.Is(err, syscall.EACCES) ||
		errors.Is(err, syscall.EPROTONOSUPPORT) ||
		errors.Is(err, syscall.EAFNOSUPPORT)
}
