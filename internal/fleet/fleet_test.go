package fleet

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kebairia/rbackup/internal/catalog"
	"github.com/kebairia/rbackup/internal/dispatcher"
	"github.com/kebairia/rbackup/internal/rsync"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// scriptedCopier answers per destination host and can hold a host until
// released.
type scriptedCopier struct {
	root  string
	codes map[string]int
	gates map[string]chan struct{}

	mu      sync.Mutex
	started []string
}

func (c *scriptedCopier) Run(ctx context.Context, spec rsync.Spec) (int, error) {
	host := hostOf(c.root, spec.Destination)
	c.mu.Lock()
	c.started = append(c.started, host)
	c.mu.Unlock()
	if gate, ok := c.gates[host]; ok {
		select {
		case <-gate:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	return c.codes[host], nil
}

func hostOf(root, dest string) string {
	rel := strings.TrimPrefix(dest, root+string(filepath.Separator))
	host, _, _ := strings.Cut(rel, string(filepath.Separator))
	return host
}

func newFleet(t *testing.T, copier *scriptedCopier, parallelism int) (*Orchestrator, *catalog.Store) {
	t.Helper()
	store, err := catalog.Open(t.TempDir())
	require.NoError(t, err)
	copier.root = store.Root()
	d := dispatcher.New(store, copier, dispatcher.WithClock(testclock.NewClock(t0)))
	return New(d, WithParallelism(parallelism)), store
}

func hosts(names ...string) []dispatcher.Host {
	out := make([]dispatcher.Host, 0, len(names))
	for _, n := range names {
		out = append(out, dispatcher.Host{Name: n, User: "root"})
	}
	return out
}

func request(skipError bool) dispatcher.Request {
	return dispatcher.Request{
		Mode:      catalog.ModeFull,
		OS:        catalog.OSUnix,
		DataSets:  []string{dispatcher.AliasUser},
		SkipError: skipError,
	}
}

func TestRun_FatalFailureStopsPendingHosts(t *testing.T) {
	release := make(chan struct{})
	copier := &scriptedCopier{
		codes: map[string]int{"bad": 12},
		gates: map[string]chan struct{}{"good": release},
	}
	o, store := newFleet(t, copier, 2)

	var reported []string
	summary := o.Run(context.Background(), hosts("bad", "good", "late"), request(false), func(out dispatcher.Outcome) {
		reported = append(reported, out.Host)
		if out.Host == "bad" {
			close(release)
		}
	})

	require.Len(t, reported, 3)
	assert.Equal(t, "bad", reported[0], "completion order")
	assert.ElementsMatch(t, []string{"bad", "good", "late"}, reported)
	assert.ElementsMatch(t, []string{"bad", "good"}, copier.started)
	assert.True(t, summary.Failed())
	assert.Equal(t, 12, summary.ExitCode())
	assert.Equal(t, "bad", summary.Worst.Host)
	assert.Equal(t, []string{"late"}, summary.Hosts(dispatcher.Skipped))
	assert.Equal(t, []string{"good"}, summary.Hosts(dispatcher.Succeeded))

	// Both dispatched hosts left a finished record; the skipped one none.
	records := map[string]catalog.Record{}
	for r := range store.Query(catalog.Filter{}) {
		records[r.Host] = r
	}
	require.Len(t, records, 2)
	assert.Equal(t, catalog.Exited(12), records["bad"].Status)
	assert.Equal(t, catalog.Exited(0), records["good"].Status)
	assert.True(t, records["good"].Complete())
}

func TestRun_SkipErrorAttemptsEveryHost(t *testing.T) {
	copier := &scriptedCopier{codes: map[string]int{"h2": 24, "h4": 12}}
	o, store := newFleet(t, copier, 3)

	names := []string{"h1", "h2", "h3", "h4", "h5"}
	summary := o.Run(context.Background(), hosts(names...), request(true), nil)

	assert.Len(t, summary.Outcomes, len(names))
	assert.ElementsMatch(t, names, copier.started)
	assert.Equal(t, 3, summary.Count(dispatcher.Succeeded))
	assert.Equal(t, 1, summary.Count(dispatcher.Warning))
	assert.Equal(t, 1, summary.Count(dispatcher.Failed))
	assert.Equal(t, "h4", summary.Worst.Host)
	assert.Equal(t, 12, summary.ExitCode())
	assert.Equal(t, len(names), store.Len())
}

func TestRun_WarningsOnlyReportPartialCode(t *testing.T) {
	copier := &scriptedCopier{codes: map[string]int{"h2": 23}}
	o, _ := newFleet(t, copier, 2)

	summary := o.Run(context.Background(), hosts("h1", "h2"), request(true), nil)
	assert.False(t, summary.Failed())
	assert.Equal(t, 23, summary.ExitCode())
}

func TestRun_RespectsParallelism(t *testing.T) {
	const limit = 2
	var (
		running atomic.Int32
		peak    atomic.Int32
	)
	d := dispatchFunc(func(ctx context.Context, h dispatcher.Host, _ dispatcher.Request) dispatcher.Outcome {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return dispatcher.Outcome{Host: h.Name, Result: dispatcher.Succeeded}
	})

	names := make([]string, 8)
	for i := range names {
		names[i] = fmt.Sprintf("h%d", i)
	}
	summary := New(d, WithParallelism(limit)).Run(context.Background(), hosts(names...), request(false), nil)
	assert.Len(t, summary.Outcomes, len(names))
	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Equal(t, 0, summary.ExitCode())
}

func TestRun_CancelledContextSkipsEverything(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	copier := &scriptedCopier{}
	o, store := newFleet(t, copier, 1)

	summary := o.Run(ctx, hosts("h1", "h2"), request(true), nil)
	assert.Equal(t, 2, summary.Count(dispatcher.Skipped))
	assert.Empty(t, copier.started)
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 1, summary.ExitCode())
}

func TestRun_NoHosts(t *testing.T) {
	o, _ := newFleet(t, &scriptedCopier{}, 1)
	summary := o.Run(context.Background(), nil, request(false), nil)
	assert.Empty(t, summary.Outcomes)
	assert.Equal(t, 0, summary.ExitCode())
}

type dispatchFunc func(context.Context, dispatcher.Host, dispatcher.Request) dispatcher.Outcome

func (f dispatchFunc) Run(ctx context.Context, h dispatcher.Host, req dispatcher.Request) dispatcher.Outcome {
	return f(ctx, h, req)
}
