// Package retention cleans and archives expired jobs of a catalog together
// with their data.
package retention

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"slices"
	"time"

	"github.com/juju/clock"

	"github.com/kebairia/rbackup/internal/catalog"
	"github.com/kebairia/rbackup/internal/logger"
)

const day = 24 * time.Hour

// ErrInvalidRule is returned for negative retention values.
var ErrInvalidRule = errors.New("invalid retention rule")

// Rule decides which jobs may be cleaned: those older than Days, as long as
// MinCount jobs of the host survive.
type Rule struct {
	Days     int
	MinCount int
}

// Validate checks r.
func (r Rule) Validate() error {
	if r.Days < 0 || r.MinCount < 0 {
		return fmt.Errorf("%w: days=%d min_count=%d", ErrInvalidRule, r.Days, r.MinCount)
	}
	return nil
}

func (r Rule) String() string {
	return fmt.Sprintf("%d days, keep %d", r.Days, r.MinCount)
}

// Catalog is the part of the catalog store the engine needs.
type Catalog interface {
	Query(f catalog.Filter) iter.Seq[catalog.Record]
	Update(id string, p catalog.Patch) error
	Hosts() []string
}

// Option lets you override default settings on an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithClock overrides the clock ages are measured against.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithCompression makes Archive write one .tar.zst file per job instead of
// copying the directory tree.
func WithCompression(enabled bool) Option {
	return func(e *Engine) {
		e.compress = enabled
	}
}

// WithDryRun reports what would change without touching data or catalog.
func WithDryRun(enabled bool) Option {
	return func(e *Engine) {
		e.dryRun = enabled
	}
}

// Engine applies retention and archive policies.
type Engine struct {
	clock    clock.Clock
	log      logger.Logger
	compress bool
	dryRun   bool
}

// New returns an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		clock: clock.WallClock,
		log:   logger.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ApplyRetention cleans expired jobs of every host in store and returns the
// ids it cleaned.
func (e *Engine) ApplyRetention(ctx context.Context, store Catalog, rule Rule) ([]string, error) {
	return e.ApplyRetentionTo(ctx, store, rule, store.Hosts()...)
}

// ApplyRetentionTo is ApplyRetention restricted to hosts.
//
// Per host, jobs are considered oldest first. A job is cleaned when it is
// more than rule.Days old and at least rule.MinCount other active jobs of
// the host remain. Running jobs are never cleaned but count as survivors.
// Cleaning deletes the job directory, then sets cleaned in the catalog; a
// directory already gone is not an error. Running it twice changes nothing
// the second time.
func (e *Engine) ApplyRetentionTo(ctx context.Context, store Catalog, rule Rule, hosts ...string) ([]string, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	now := e.clock.Now()
	var (
		cleaned []string
		errs    []error
	)
	for _, host := range hosts {
		if err := ctx.Err(); err != nil {
			return cleaned, err
		}
		active := activeJobs(store, host)
		survivors := len(active)
		for _, r := range active {
			if survivors <= rule.MinCount {
				break
			}
			if !r.Complete() || !expired(r, now, rule.Days) {
				continue
			}
			if err := e.clean(store, r); err != nil {
				errs = append(errs, err)
				continue
			}
			survivors--
			cleaned = append(cleaned, r.ID)
		}
	}
	if len(cleaned) > 0 {
		e.log.Info("retention applied", "rule", rule.String(), "cleaned", len(cleaned), "dry_run", e.dryRun)
	}
	return cleaned, errors.Join(errs...)
}

func (e *Engine) clean(store Catalog, r catalog.Record) error {
	log := e.log.With("host", r.Host, "id", r.ID, "path", r.Path)
	if e.dryRun {
		log.Info("would clean backup")
		return nil
	}
	if err := os.RemoveAll(r.Path); err != nil {
		log.Error("failed to delete backup data", "error", err.Error())
		return fmt.Errorf("clean %s: %w", r.ID, err)
	}
	if err := store.Update(r.ID, catalog.MarkCleaned()); err != nil {
		return fmt.Errorf("clean %s: %w", r.ID, err)
	}
	log.Info("backup cleaned", "start", r.Start.Format(time.RFC3339))
	return nil
}

// activeJobs returns the jobs of host that are neither cleaned nor
// archived, oldest first.
func activeJobs(store Catalog, host string) []catalog.Record {
	active := slices.Collect(store.Query(catalog.Filter{
		Host:     host,
		Cleaned:  catalog.Unset,
		Archived: catalog.Unset,
	}))
	slices.SortFunc(active, func(a, b catalog.Record) int {
		switch {
		case a.Newer(b):
			return 1
		case b.Newer(a):
			return -1
		default:
			return 0
		}
	})
	return active
}

func expired(r catalog.Record, now time.Time, days int) bool {
	return r.Age(now) > time.Duration(days)*day
}
