// Package fleet runs backup jobs over many hosts with bounded parallelism.
package fleet

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kebairia/rbackup/internal/dispatcher"
	"github.com/kebairia/rbackup/internal/logger"
)

// DefaultParallelism is the number of hosts dispatched at once.
const DefaultParallelism = 1

// Dispatcher runs one job on one host.
type Dispatcher interface {
	Run(ctx context.Context, host dispatcher.Host, req dispatcher.Request) dispatcher.Outcome
}

// ReportFunc receives outcomes in completion order. Calls never overlap.
type ReportFunc func(dispatcher.Outcome)

// Option lets you override default settings on an Orchestrator.
type Option func(*Orchestrator)

// WithParallelism bounds the number of concurrent dispatches.
func WithParallelism(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(log logger.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// Orchestrator fans a request out over a fleet of hosts.
type Orchestrator struct {
	dispatcher  Dispatcher
	parallelism int
	log         logger.Logger
}

// New returns an Orchestrator dispatching through d.
func New(d Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		dispatcher:  d,
		parallelism: DefaultParallelism,
		log:         logger.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run dispatches req to every host and waits for all of them.
//
// Without req.SkipError the first failed host stops the run: hosts not yet
// dispatched are reported as skipped while running ones finish. Cancelling
// ctx has the same effect on hosts not yet started.
func (o *Orchestrator) Run(ctx context.Context, hosts []dispatcher.Host, req dispatcher.Request, report ReportFunc) Summary {
	stopCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		g       errgroup.Group
		mu      sync.Mutex
		summary Summary
	)
	g.SetLimit(o.parallelism)

	record := func(out dispatcher.Outcome) {
		mu.Lock()
		defer mu.Unlock()
		summary.add(out)
		if report != nil {
			report(out)
		}
	}
	skip := func(host dispatcher.Host) {
		o.log.Warn("host skipped, run stopped", "host", host.Name)
		record(dispatcher.Outcome{
			Host:   host.Name,
			Result: dispatcher.Skipped,
			Code:   -1,
			Err:    context.Cause(stopCtx),
		})
	}

	o.log.Info("fleet run started",
		"hosts", len(hosts),
		"mode", req.Mode.String(),
		"parallelism", o.parallelism,
		"skip_error", req.SkipError,
	)
	start := time.Now()

	for _, host := range hosts {
		if stopCtx.Err() != nil {
			skip(host)
			continue
		}
		g.Go(func() error {
			if stopCtx.Err() != nil {
				skip(host)
				return nil
			}
			// Dispatch on ctx, not stopCtx: a stopped run lets jobs in flight finish.
			out := o.dispatcher.Run(ctx, host, req)
			if out.Result == dispatcher.Failed && !req.SkipError {
				stop()
			}
			record(out)
			return nil
		})
	}
	_ = g.Wait()

	o.log.Info("fleet run completed",
		"hosts", len(hosts),
		"succeeded", summary.Count(dispatcher.Succeeded),
		"warnings", summary.Count(dispatcher.Warning),
		"failed", summary.Count(dispatcher.Failed),
		"skipped", summary.Count(dispatcher.Skipped),
		"duration", time.Since(start).String(),
	)
	return summary
}

// Summary aggregates the outcomes of a run.
type Summary struct {
	// Outcomes in completion order.
	Outcomes []dispatcher.Outcome
	// Worst is the most severe outcome, zero when no host was given.
	Worst dispatcher.Outcome
}

func (s *Summary) add(out dispatcher.Outcome) {
	if len(s.Outcomes) == 0 || out.Worse(s.Worst) {
		s.Worst = out
	}
	s.Outcomes = append(s.Outcomes, out)
}

// Count returns how many hosts ended with r.
func (s Summary) Count(r dispatcher.Result) int {
	n := 0
	for _, out := range s.Outcomes {
		if out.Result == r {
			n++
		}
	}
	return n
}

// Hosts returns the hosts that ended with one of results, in completion order.
func (s Summary) Hosts(results ...dispatcher.Result) []string {
	var hosts []string
	for _, out := range s.Outcomes {
		for _, r := range results {
			if out.Result == r {
				hosts = append(hosts, out.Host)
				break
			}
		}
	}
	return hosts
}

// Failed reports whether any host failed.
func (s Summary) Failed() bool {
	return s.Worst.Result == dispatcher.Failed
}

// ExitCode is the exit code of the worst outcome.
func (s Summary) ExitCode() int {
	if len(s.Outcomes) == 0 {
		return 0
	}
	return s.Worst.ExitCode()
}
