package operations

import (
	"context"
	"errors"

	"github.com/kebairia/rbackup/internal/retention"
)

// ErrNoArchiveDestination is returned by Archive without a destination.
var ErrNoArchiveDestination = errors.New("archive destination is not set")

func (om *OperationManager) retentionEngine() *retention.Engine {
	return retention.New(
		retention.WithClock(om.clock),
		retention.WithLogger(om.log),
		retention.WithCompression(om.cfg.Archive.Compress),
		retention.WithDryRun(om.dryRun),
	)
}

// Archive relocates jobs older than archive.days to archive.destination.
func (om *OperationManager) Archive(ctx context.Context) ([]string, error) {
	if om.cfg.Archive.Destination == "" {
		return nil, ErrNoArchiveDestination
	}
	store, err := om.openStore(false)
	if err != nil {
		return nil, err
	}
	ids, err := om.retentionEngine().Archive(ctx, store, om.cfg.Archive.Days, om.cfg.Archive.Destination)
	om.log.Info("archive completed",
		"archived", len(ids),
		"destination", om.cfg.Archive.Destination,
		"dry_run", om.dryRun,
	)
	return ids, err
}

// ApplyRetention cleans expired jobs of every host with rule.
func (om *OperationManager) ApplyRetention(ctx context.Context, rule retention.Rule) ([]string, error) {
	store, err := om.openStore(false)
	if err != nil {
		return nil, err
	}
	return om.retentionEngine().ApplyRetention(ctx, store, rule)
}
