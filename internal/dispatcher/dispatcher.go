// Package dispatcher runs one backup job against one host: it resolves the
// job mode, copies the data with rsync and records the job in the catalog.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/kebairia/rbackup/internal/catalog"
	"github.com/kebairia/rbackup/internal/logger"
	"github.com/kebairia/rbackup/internal/resolver"
	"github.com/kebairia/rbackup/internal/rsync"
)

const (
	// DefaultTimestampFormat names job directories under <root>/<host>.
	DefaultTimestampFormat = "2006_01_02__15_04_05"
	// LastBackupLink points at the newest successful job of a host.
	LastBackupLink = "last_backup"
	// LogFileName is written by rsync in the job directory when enabled.
	LogFileName = "backup.log"

	dirMode = 0o755
)

// Catalog is the part of the catalog store a dispatcher reads and writes.
type Catalog interface {
	resolver.Catalog
	Root() string
	Append(r catalog.Record) error
	Update(id string, p catalog.Patch) error
}

// Host is one target of a run with its connection parameters.
type Host struct {
	Name         string
	User         string
	Port         int
	IdentityFile string
}

// Request is what every host of a run is asked to do.
type Request struct {
	Mode      catalog.Mode
	OS        catalog.OSType
	DataSets  []string
	StartFrom string
	SkipError bool
	DryRun    bool

	Excludes        []string
	Compress        bool
	BandwidthLimit  int
	Timeout         time.Duration
	RemoteRsyncPath string
	// LogFile asks rsync to keep its own log inside the job directory.
	LogFile bool
	Verbose bool
}

// Option lets you override default settings on a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(log logger.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

// WithClock overrides the clock used for start and end times.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithTimestampFormat overrides the layout of job directory names.
func WithTimestampFormat(format string) Option {
	return func(d *Dispatcher) {
		if format != "" {
			d.timestampFormat = format
		}
	}
}

// WithProbe checks reachability of remote hosts before dispatching to them.
func WithProbe(p Prober) Option {
	return func(d *Dispatcher) {
		d.probe = p
	}
}

// Dispatcher runs backup jobs against single hosts.
type Dispatcher struct {
	store           Catalog
	copier          rsync.Primitive
	clock           clock.Clock
	log             logger.Logger
	timestampFormat string
	probe           Prober
}

// New returns a Dispatcher recording into store and copying with copier.
func New(store Catalog, copier rsync.Primitive, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:           store,
		copier:          copier,
		clock:           clock.WallClock,
		log:             logger.Nop(),
		timestampFormat: DefaultTimestampFormat,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run performs one backup job of host. Failures are reported in the
// outcome rather than returned.
func (d *Dispatcher) Run(ctx context.Context, host Host, req Request) Outcome {
	start := d.clock.Now()
	out := Outcome{Host: host.Name, Code: -1, DryRun: req.DryRun}
	log := d.log.With("host", host.Name)

	fail := func(err error) Outcome {
		out.Result = Failed
		out.Err = err
		out.Duration = d.clock.Now().Sub(start)
		log.Error("backup failed", "error", err.Error())
		return out
	}

	if err := ctx.Err(); err != nil {
		out.Result = Skipped
		out.Err = err
		return out
	}

	if err := catalog.ValidateHost(host.Name); err != nil {
		return fail(err)
	}

	if d.probe != nil && !rsync.IsLocal(host.Name) {
		if err := d.probe(ctx, host.Name, host.Port); err != nil {
			return fail(err)
		}
	}

	res, err := resolver.Resolve(d.store, host.Name, req.Mode, req.StartFrom)
	if err != nil {
		return fail(err)
	}
	out.Resolution = res
	if res.Downgraded {
		log.Info("no baseline found, running full backup", "requested", res.Requested.String())
	}

	dest := filepath.Join(d.store.Root(), host.Name, start.Format(d.timestampFormat))

	if req.DryRun {
		return d.dryRun(ctx, out, d.spec(host, req, res, dest), start, req.SkipError)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fail(fmt.Errorf("allocate backup id: %w", err))
	}
	if dest, err = makeJobDir(dest, id.String()); err != nil {
		return fail(err)
	}
	if res.Baseline != nil && res.Baseline.Path == dest {
		return fail(fmt.Errorf("baseline %s shares the job directory %s", res.Baseline.ShortID(), dest))
	}
	spec := d.spec(host, req, res, dest)

	record := catalog.Record{
		ID:            id.String(),
		Host:          host.Name,
		Mode:          res.Effective,
		OS:            req.OS,
		Path:          dest,
		Start:         start,
		Status:        catalog.Pending(),
		IncludedPaths: append([]string(nil), req.DataSets...),
	}
	if err := d.store.Append(record); err != nil {
		return fail(fmt.Errorf("record backup %s: %w", record.ID, err))
	}
	log = log.With("id", record.ID)
	log.Info("backup started",
		"mode", res.Effective.String(),
		"path", dest,
	)

	code, runErr := d.copier.Run(ctx, spec)
	end := d.clock.Now()
	status := catalog.Exited(code)
	if runErr != nil {
		status = catalog.LaunchFailed()
	}
	if err := d.store.Update(record.ID, catalog.Finish(end, status)); err != nil {
		return fail(fmt.Errorf("finish backup %s: %w", record.ID, err))
	}
	record.End = end.UTC().Truncate(time.Second)
	record.Start = record.Start.UTC().Truncate(time.Second)
	record.Status = status
	out.Record = &record
	out.Code = code
	out.Duration = end.Sub(start)

	d.classify(&out, host.Name, req.SkipError, runErr)
	if out.Result == Failed {
		log.Error("backup failed", "status", status.String(), "error", out.Err.Error())
		return out
	}

	d.linkLast(host.Name, dest)
	log.Info("backup completed",
		"status", status.String(),
		"result", out.Result.String(),
		"duration", out.Duration.String(),
	)
	return out
}

func (d *Dispatcher) dryRun(ctx context.Context, out Outcome, spec rsync.Spec, start time.Time, skipError bool) Outcome {
	spec.DryRun = true
	spec.LogFile = ""
	code, err := d.copier.Run(ctx, spec)
	out.Code = code
	out.Duration = d.clock.Now().Sub(start)
	d.classify(&out, out.Host, skipError, err)
	d.log.Info("dry run completed",
		"host", out.Host,
		"mode", out.Resolution.Effective.String(),
		"path", spec.Destination,
		"result", out.Result.String(),
	)
	return out
}

func (d *Dispatcher) classify(out *Outcome, host string, skipError bool, runErr error) {
	if runErr != nil {
		out.Result = Failed
		out.Err = &CopyFailure{Host: host, Code: -1, Severity: rsync.SeverityFatal, Err: runErr}
		return
	}
	sev := rsync.Classify(out.Code)
	switch {
	case sev == rsync.SeverityOK:
		out.Result = Succeeded
	case sev == rsync.SeverityPartial && skipError:
		out.Result = Warning
		out.Err = &CopyFailure{Host: host, Code: out.Code, Severity: sev}
	default:
		out.Result = Failed
		out.Err = &CopyFailure{Host: host, Code: out.Code, Severity: sev}
	}
}

func (d *Dispatcher) spec(host Host, req Request, res resolver.Resolution, dest string) rsync.Spec {
	paths := SourcePaths(req.OS, req.DataSets)
	sources := make([]string, 0, len(paths))
	for _, p := range paths {
		sources = append(sources, rsync.RemoteSource(host.User, host.Name, p))
	}

	spec := rsync.Spec{
		Action:          rsync.ActionBackup,
		Mode:            res.Effective,
		Sources:         sources,
		Destination:     dest,
		Excludes:        req.Excludes,
		Compress:        req.Compress,
		BandwidthLimit:  req.BandwidthLimit,
		Timeout:         req.Timeout,
		RemoteRsyncPath: req.RemoteRsyncPath,
		DryRun:          req.DryRun,
		Verbose:         req.Verbose,
	}
	if !rsync.IsLocal(host.Name) {
		spec.Port = host.Port
		spec.IdentityFile = host.IdentityFile
	}
	if req.LogFile {
		spec.LogFile = filepath.Join(dest, LogFileName)
	}
	if res.Baseline != nil {
		switch res.Effective {
		case catalog.ModeIncremental, catalog.ModeDifferential:
			spec.LinkDest = res.Baseline.Path
		default:
			spec.CopyDest = res.Baseline.Path
		}
	}
	return spec
}

// makeJobDir creates dest, which must not exist yet. A job started in the
// same second as an earlier one of the host gets the id appended instead.
func makeJobDir(dest, id string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), dirMode); err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Dir(dest), err)
	}
	err := os.Mkdir(dest, dirMode)
	if errors.Is(err, os.ErrExist) {
		dest += "_" + id
		err = os.Mkdir(dest, dirMode)
	}
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dest, err)
	}
	return dest, nil
}

// linkLast repoints <root>/<host>/last_backup at dest. Filesystems without
// symlink support only get a warning.
func (d *Dispatcher) linkLast(host, dest string) {
	link := filepath.Join(d.store.Root(), host, LastBackupLink)
	if err := os.Remove(link); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.log.Warn("failed to remove last backup link", "host", host, "path", link, "error", err.Error())
		return
	}
	if err := os.Symlink(dest, link); err != nil {
		d.log.Warn("failed to create last backup link", "host", host, "path", link, "error", err.Error())
	}
}
