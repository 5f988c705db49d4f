package operations

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kebairia/rbackup/internal/catalog"
	"github.com/kebairia/rbackup/internal/dispatcher"
	"github.com/kebairia/rbackup/internal/retention"
	"github.com/kebairia/rbackup/internal/rsync"
)

var (
	// ErrNoRestoreSource is returned when neither an id nor --last with a host is given.
	ErrNoRestoreSource = errors.New("restore needs a backup id, or --last with a host")
	// ErrCompressedArchive is returned when a job only exists as a compressed archive.
	ErrCompressedArchive = errors.New("backup is a compressed archive, extract it first")
)

// RestoreOptions selects the job to restore and where it goes.
type RestoreOptions struct {
	ID string
	// Host is the target host. It defaults to the host of the job, and
	// together with Last selects the newest job of that host.
	Host string
	Last bool
	// OS is the layout of the target. It defaults to the layout of the job.
	OS     string
	Mirror bool
	// Yes skips the per-folder confirmation.
	Yes bool
}

// Restore copies every top-level folder of a job back to a host, translating
// each data set folder from the layout of the backed-up system to the layout
// of the target. Folders that match no alias land in a restore_<timestamp>
// folder under the system root. It returns the target folders it restored.
func (om *OperationManager) Restore(ctx context.Context, opts RestoreOptions) ([]string, error) {
	store, err := om.openStore(false)
	if err != nil {
		return nil, err
	}
	record, err := om.restoreSource(store, opts)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(record.Path, retention.ArchiveExt) {
		return nil, fmt.Errorf("%w: %s", ErrCompressedArchive, record.Path)
	}

	targetOS := record.OS
	if opts.OS != "" {
		if targetOS, err = catalog.ParseOSType(opts.OS); err != nil {
			return nil, err
		}
	}
	hostName := opts.Host
	if hostName == "" {
		hostName = record.Host
	}
	host, err := om.resolveHost(ctx, hostName)
	if err != nil {
		return nil, err
	}
	if err := om.checkCopier(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(record.Path)
	if err != nil {
		return nil, fmt.Errorf("read backup %s: %w", record.ShortID(), err)
	}
	log := om.log.With("id", record.ID, "host", host.Name)
	systemRoot, _ := dispatcher.Folder(targetOS, dispatcher.AliasSystem)
	fallback := path.Join(systemRoot, "restore_"+om.clock.Now().Format(dispatcher.DefaultTimestampFormat))

	var restored []string
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == dispatcher.LogFileName {
			continue
		}
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		source := filepath.Join(record.Path, entry.Name())
		target := fallback
		if alias, ok := dispatcher.AliasFor(record.OS, entry.Name()); ok {
			folder, _ := dispatcher.Folder(targetOS, alias)
			target = folder
			// copy the folder content, not the folder itself
			source += string(filepath.Separator)
		}

		if !opts.Yes && !om.ask(fmt.Sprintf("restore %s to %s:%s?", entry.Name(), host.Name, target)) {
			log.Info("restore of folder skipped", "folder", entry.Name())
			continue
		}

		spec := om.transferSpec(rsync.ActionRestore)
		spec.Sources = []string{source}
		spec.Destination = rsync.RemoteSource(host.User, host.Name, target)
		spec.Mirror = opts.Mirror
		spec.Writable = targetOS == catalog.OSWindows
		if !rsync.IsLocal(host.Name) {
			spec.Port = host.Port
			spec.IdentityFile = host.IdentityFile
		}

		code, runErr := om.copier.Run(ctx, spec)
		if err := om.copyFailure(host.Name, code, runErr); err != nil {
			log.Error("restore failed", "folder", entry.Name(), "target", target, "error", err.Error())
			return restored, err
		}
		log.Info("folder restored", "folder", entry.Name(), "target", target, "dry_run", om.dryRun)
		fmt.Fprintf(om.out, "restored %s -> %s:%s\n", entry.Name(), host.Name, target)
		restored = append(restored, target)
	}
	return restored, nil
}

func (om *OperationManager) restoreSource(store *catalog.Store, opts RestoreOptions) (catalog.Record, error) {
	if opts.ID != "" {
		return store.Lookup(opts.ID)
	}
	if !opts.Last || opts.Host == "" {
		return catalog.Record{}, ErrNoRestoreSource
	}
	for r := range store.Query(catalog.Filter{Host: opts.Host, Cleaned: catalog.Unset, Complete: catalog.Set, Last: true}) {
		return r, nil
	}
	return catalog.Record{}, fmt.Errorf("%w: no backup of host %s", catalog.ErrNotFound, opts.Host)
}
