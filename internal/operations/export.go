package operations

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kebairia/rbackup/internal/catalog"
	"github.com/kebairia/rbackup/internal/rsync"
)

var (
	// ErrExportTarget is returned when neither --id nor --all, or both, are given.
	ErrExportTarget = errors.New("export needs exactly one of --id or --all")
	// ErrCutAll is returned for --all --cut, which would empty the catalog root.
	ErrCutAll = errors.New("--cut cannot be combined with --all")
	// ErrNoExportDestination is returned without a destination.
	ErrNoExportDestination = errors.New("export destination is not set")
)

// ExportOptions selects what Export copies.
type ExportOptions struct {
	ID          string
	All         bool
	Destination string
	Mirror      bool
	// Cut removes the source files once they are copied. When every file
	// made it, the catalog record then points at the export.
	Cut      bool
	Includes []string
	Excludes []string
}

// Export copies one job, or the whole destination root, somewhere else. It
// returns the path the data now lives at.
func (om *OperationManager) Export(ctx context.Context, opts ExportOptions) (string, error) {
	if (opts.ID == "") == !opts.All {
		return "", ErrExportTarget
	}
	if opts.All && opts.Cut {
		return "", ErrCutAll
	}
	if opts.Destination == "" {
		return "", ErrNoExportDestination
	}
	if err := om.checkCopier(); err != nil {
		return "", err
	}
	if opts.All {
		return om.exportAll(ctx, opts)
	}

	store, err := om.openStore(false)
	if err != nil {
		return "", err
	}
	record, err := store.Lookup(opts.ID)
	if err != nil {
		return "", err
	}
	if record.Cleaned {
		return "", fmt.Errorf("%w: backup %s was cleaned", catalog.ErrNotFound, record.ShortID())
	}

	hostDir := filepath.Join(opts.Destination, record.Host)
	target := filepath.Join(hostDir, filepath.Base(record.Path))
	spec := om.exportSpec(opts)
	spec.Sources = []string{record.Path}
	spec.Destination = hostDir + string(filepath.Separator)
	spec.RemoveSource = opts.Cut

	log := om.log.With("id", record.ID, "host", record.Host)
	if !om.dryRun {
		if err := os.MkdirAll(hostDir, 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", hostDir, err)
		}
	}
	code, runErr := om.copier.Run(ctx, spec)
	if err := om.copyFailure(record.Host, code, runErr); err != nil {
		log.Error("export failed", "destination", target, "error", err.Error())
		return "", err
	}
	if om.dryRun {
		log.Info("export simulated", "destination", target)
		return target, nil
	}

	meta := newMetadata(record, target, om.clock.Now())
	if err := meta.Write(); err != nil {
		return target, err
	}
	switch {
	case opts.Cut && code != 0:
		log.Warn("partial export, source kept and still catalogued there",
			"path", record.Path,
			"status", code,
		)
	case opts.Cut:
		// rsync leaves the emptied directories behind
		if err := os.RemoveAll(record.Path); err != nil {
			log.Warn("failed to remove exported source", "path", record.Path, "error", err.Error())
		}
		if err := store.Update(record.ID, catalog.MarkArchived(target)); err != nil {
			return target, fmt.Errorf("record export of %s: %w", record.ShortID(), err)
		}
	}
	log.Info("export completed", "destination", target, "cut", opts.Cut)
	fmt.Fprintf(om.out, "exported %s -> %s\n", record.ShortID(), target)
	return target, nil
}

func (om *OperationManager) exportAll(ctx context.Context, opts ExportOptions) (string, error) {
	root := om.cfg.Catalog.Root
	spec := om.exportSpec(opts)
	spec.Sources = []string{root + string(filepath.Separator)}
	spec.Destination = opts.Destination
	spec.SafeLinks = true

	code, runErr := om.copier.Run(ctx, spec)
	if err := om.copyFailure("localhost", code, runErr); err != nil {
		om.log.Error("export of destination root failed", "root", root, "error", err.Error())
		return "", err
	}
	om.log.Info("destination root exported", "root", root, "destination", opts.Destination, "dry_run", om.dryRun)
	fmt.Fprintf(om.out, "exported %s -> %s\n", root, opts.Destination)
	return opts.Destination, nil
}

func (om *OperationManager) exportSpec(opts ExportOptions) rsync.Spec {
	spec := om.transferSpec(rsync.ActionExport)
	spec.Mirror = opts.Mirror
	spec.Includes = opts.Includes
	spec.Excludes = append(append([]string(nil), spec.Excludes...), opts.Excludes...)
	return spec
}
