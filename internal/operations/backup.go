package operations

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/kebairia/rbackup/internal/catalog"
	"github.com/kebairia/rbackup/internal/dispatcher"
	"github.com/kebairia/rbackup/internal/fleet"
	"github.com/kebairia/rbackup/internal/retention"
)

var (
	// ErrNoHosts is returned by Backup when neither hosts nor a host file are configured.
	ErrNoHosts = errors.New("no hosts to back up")
	// ErrNoData is returned by Backup when no data set is selected.
	ErrNoData = errors.New("no data sets selected")
	// ErrInvalidData is returned for a data set that is not an alias or an absolute path.
	ErrInvalidData = errors.New("invalid data set")
)

// Backup runs the configured backup over every host and, when retention
// is enabled, cleans expired jobs of the hosts it reached. startFrom pins
// the baseline of every job. Host failures are reported in the summary.
func (om *OperationManager) Backup(ctx context.Context, startFrom string) (fleet.Summary, error) {
	bc := om.cfg.Backup
	names, err := bc.HostList()
	if err != nil {
		return fleet.Summary{}, err
	}
	if len(names) == 0 {
		return fleet.Summary{}, ErrNoHosts
	}
	if len(bc.Data) == 0 {
		return fleet.Summary{}, ErrNoData
	}
	for _, ds := range bc.Data {
		if !dispatcher.IsAlias(ds) && !path.IsAbs(ds) {
			return fleet.Summary{}, fmt.Errorf("%w: %q is neither a data set alias nor an absolute path", ErrInvalidData, ds)
		}
	}
	mode, err := catalog.ParseMode(bc.Mode)
	if err != nil {
		return fleet.Summary{}, err
	}
	osType, err := catalog.ParseOSType(bc.OS)
	if err != nil {
		return fleet.Summary{}, err
	}
	if err := om.checkCopier(); err != nil {
		return fleet.Summary{}, err
	}

	store, err := om.openStore(!om.dryRun)
	if err != nil {
		return fleet.Summary{}, err
	}

	hosts := make([]dispatcher.Host, 0, len(names))
	for _, name := range names {
		h, err := om.resolveHost(ctx, name)
		if err != nil {
			return fleet.Summary{}, err
		}
		hosts = append(hosts, h)
	}

	req := dispatcher.Request{
		Mode:            mode,
		OS:              osType,
		DataSets:        bc.Data,
		StartFrom:       startFrom,
		SkipError:       bc.SkipError,
		DryRun:          om.dryRun,
		Excludes:        bc.Exclude,
		Compress:        om.cfg.Rsync.Compress,
		BandwidthLimit:  om.cfg.Rsync.BWLimit,
		Timeout:         om.cfg.Rsync.Timeout,
		RemoteRsyncPath: om.cfg.Rsync.RemotePath,
		LogFile:         om.cfg.Rsync.LogFile,
		Verbose:         om.verbose,
	}

	dopts := []dispatcher.Option{
		dispatcher.WithLogger(om.log),
		dispatcher.WithClock(om.clock),
		dispatcher.WithTimestampFormat(bc.TimestampFormat),
	}
	if bc.Probe {
		dopts = append(dopts, dispatcher.WithProbe(dispatcher.TCPProbe(bc.ProbeTimeout)))
	}
	orchestrator := fleet.New(
		dispatcher.New(store, om.copier, dopts...),
		fleet.WithParallelism(bc.Parallelism),
		fleet.WithLogger(om.log),
	)

	summary := orchestrator.Run(ctx, hosts, req, om.reportOutcome)

	if om.cfg.Retention.Enabled && !om.dryRun {
		// other runs may have written to the catalog meanwhile
		if err := store.Reload(); err != nil {
			return summary, fmt.Errorf("retention after backup: %w", err)
		}
		reached := summary.Hosts(dispatcher.Succeeded, dispatcher.Warning)
		if bc.SkipError {
			reached = summary.Hosts(dispatcher.Succeeded, dispatcher.Warning, dispatcher.Failed)
		}
		rule := retention.Rule{Days: om.cfg.Retention.Days, MinCount: om.cfg.Retention.MinCount}
		cleaned, err := om.retentionEngine().ApplyRetentionTo(ctx, store, rule, reached...)
		if err != nil {
			return summary, fmt.Errorf("retention after backup: %w", err)
		}
		om.log.Info("retention after backup", "hosts", len(reached), "cleaned", len(cleaned))
	}
	return summary, nil
}

func (om *OperationManager) reportOutcome(out dispatcher.Outcome) {
	id, path := "-", "-"
	if out.Record != nil {
		id, path = out.Record.ShortID(), out.Record.Path
	}
	mode := "-"
	if out.Resolution.Effective != 0 {
		mode = out.Resolution.Effective.String()
	}
	line := fmt.Sprintf("%-10s %-20s %-8s %-12s %s", out.Result, out.Host, id, mode, path)
	if out.Err != nil && out.Result != dispatcher.Succeeded {
		line += "  (" + out.Err.Error() + ")"
	}
	fmt.Fprintln(om.out, line)
}
