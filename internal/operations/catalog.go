package operations

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kebairia/rbackup/internal/catalog"
)

// ErrUnknownHost is returned by DeleteHost for a host without records.
var ErrUnknownHost = errors.New("host has no backups")

// InitCatalog empties the catalog after confirmation. Backup data is kept.
func (om *OperationManager) InitCatalog(yes bool) error {
	store, err := om.openStore(true)
	if err != nil {
		return err
	}
	if !yes && !om.ask(fmt.Sprintf("remove all %d records from %s?", store.Len(), store.Path())) {
		return ErrAborted
	}
	if om.dryRun {
		fmt.Fprintf(om.out, "would remove %d records\n", store.Len())
		return nil
	}
	if err := store.Reinitialize(); err != nil {
		return err
	}
	om.log.Info("catalog reinitialized", "path", store.Path())
	return nil
}

// Verify prints the records whose path disappeared while they are still
// active, and returns them.
func (om *OperationManager) Verify() ([]catalog.Record, error) {
	store, err := om.openStore(false)
	if err != nil {
		return nil, err
	}
	broken, err := store.Verify()
	if err != nil {
		return nil, err
	}
	for _, r := range broken {
		fmt.Fprintf(om.out, "missing %s %s %s\n", r.ShortID(), r.Host, r.Path)
	}
	return broken, nil
}

// Prune drops the records Verify reports.
func (om *OperationManager) Prune() ([]string, error) {
	if om.dryRun {
		broken, err := om.Verify()
		ids := make([]string, 0, len(broken))
		for _, r := range broken {
			ids = append(ids, r.ID)
		}
		return ids, err
	}
	store, err := om.openStore(false)
	if err != nil {
		return nil, err
	}
	ids, err := store.Prune()
	for _, id := range ids {
		fmt.Fprintf(om.out, "pruned %s\n", id)
	}
	return ids, err
}

// Clean repairs incomplete catalog sections in place.
func (om *OperationManager) Clean() ([]string, error) {
	ids, err := catalog.Clean(om.cfg.Catalog.Root, om.clock.Now(),
		catalog.WithLogger(om.log),
		catalog.WithLockTimeout(om.cfg.Catalog.LockTimeout),
	)
	for _, id := range ids {
		fmt.Fprintf(om.out, "repaired %s\n", id)
	}
	return ids, err
}

// DeleteHost removes every job of host: its data under the destination root
// and its records. Archived copies outside the root are left alone.
func (om *OperationManager) DeleteHost(host string, yes bool) ([]string, error) {
	if err := catalog.ValidateHost(host); err != nil {
		return nil, err
	}
	store, err := om.openStore(false)
	if err != nil {
		return nil, err
	}
	var records []catalog.Record
	for r := range store.Query(catalog.Filter{Host: host}) {
		records = append(records, r)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}
	if !yes && !om.ask(fmt.Sprintf("delete %d backups of %s?", len(records), host)) {
		return nil, ErrAborted
	}

	log := om.log.With("host", host)
	var (
		ids  []string
		errs []error
	)
	for _, r := range records {
		if om.dryRun {
			fmt.Fprintf(om.out, "would delete %s %s\n", r.ShortID(), r.Path)
			ids = append(ids, r.ID)
			continue
		}
		if !r.Cleaned && !r.Archived {
			if err := os.RemoveAll(r.Path); err != nil {
				errs = append(errs, fmt.Errorf("remove %s: %w", r.Path, err))
				continue
			}
		}
		if err := store.Remove(r.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Info("backup deleted", "id", r.ID, "path", r.Path)
		ids = append(ids, r.ID)
	}
	if !om.dryRun && len(errs) == 0 {
		hostDir := filepath.Join(store.Root(), host)
		if filepath.Dir(hostDir) != filepath.Clean(store.Root()) {
			return ids, fmt.Errorf("%w: %s is not directly under %s", catalog.ErrInvalidHost, hostDir, store.Root())
		}
		if err := os.RemoveAll(hostDir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", hostDir, err))
		}
	}
	return ids, errors.Join(errs...)
}
