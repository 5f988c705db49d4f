package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kebairia/rbackup/internal/dispatcher"
)

var backupFlags struct {
	hosts     []string
	hostFile  string
	mode      string
	os        string
	data      []string
	startFrom string
	parallel  int
	skipError bool
	retention string
	exclude   []string
	compress  bool
	bwlimit   int
	port      int
	timeout   int
	user      string
	identity  string
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Back up every configured host",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		b := &cfg.Backup
		if f.Changed("host") {
			b.Hosts = backupFlags.hosts
		}
		if f.Changed("list") {
			b.HostFile = backupFlags.hostFile
		}
		if f.Changed("mode") {
			b.Mode = backupFlags.mode
		}
		if f.Changed("os") {
			b.OS = backupFlags.os
		}
		if f.Changed("data") {
			b.Data = backupFlags.data
		}
		if f.Changed("parallel") {
			b.Parallelism = backupFlags.parallel
		}
		if f.Changed("skip-error") {
			b.SkipError = backupFlags.skipError
		}
		if f.Changed("exclude") {
			b.Exclude = append(b.Exclude, backupFlags.exclude...)
		}
		if f.Changed("port") {
			b.Port = backupFlags.port
		}
		if f.Changed("user") {
			b.User = backupFlags.user
		}
		if f.Changed("identity") {
			b.IdentityFile = backupFlags.identity
		}
		if f.Changed("compress") {
			cfg.Rsync.Compress = backupFlags.compress
		}
		if f.Changed("bwlimit") {
			cfg.Rsync.BWLimit = backupFlags.bwlimit
		}
		if f.Changed("timeout") {
			cfg.Rsync.Timeout = time.Duration(backupFlags.timeout) * time.Second
		}
		if f.Changed("retention") {
			days, minCount, err := parseRetention(backupFlags.retention)
			if err != nil {
				return err
			}
			cfg.Retention.Enabled = true
			cfg.Retention.Days = days
			cfg.Retention.MinCount = minCount
		}

		om, err := newManager(cmd)
		if err != nil {
			return err
		}
		summary, err := om.Backup(cmd.Context(), backupFlags.startFrom)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%d succeeded, %d warnings, %d failed, %d skipped\n",
			summary.Count(dispatcher.Succeeded),
			summary.Count(dispatcher.Warning),
			summary.Count(dispatcher.Failed),
			summary.Count(dispatcher.Skipped),
		)
		if code := summary.ExitCode(); code != 0 {
			return &exitError{code: code}
		}
		return nil
	},
}

func init() {
	f := backupCmd.Flags()
	f.StringSliceVarP(&backupFlags.hosts, "host", "H", nil, "hosts to back up")
	f.StringVarP(&backupFlags.hostFile, "list", "L", "", "file listing hosts separated by whitespace")
	f.StringVarP(&backupFlags.mode, "mode", "m", "", "full, incremental, differential or mirror")
	f.StringVar(&backupFlags.os, "os", "", "unix, macos or windows")
	f.StringSliceVarP(&backupFlags.data, "data", "D", nil, "data sets: user, config, application, system, log or a path")
	f.StringVarP(&backupFlags.startFrom, "start-from", "s", "", "backup id to use as baseline")
	f.IntVarP(&backupFlags.parallel, "parallel", "p", 0, "hosts backed up at once")
	f.BoolVar(&backupFlags.skipError, "skip-error", false, "treat partial transfers as warnings and keep going")
	f.StringVar(&backupFlags.retention, "retention", "", "apply retention DAYS,MIN after the backup")
	f.StringSliceVarP(&backupFlags.exclude, "exclude", "e", nil, "rsync exclude patterns")
	f.BoolVarP(&backupFlags.compress, "compress", "z", false, "compress data during transfer")
	f.IntVar(&backupFlags.bwlimit, "bwlimit", 0, "bandwidth limit in KiB/s")
	f.IntVar(&backupFlags.port, "port", 0, "ssh port")
	f.IntVar(&backupFlags.timeout, "timeout", 0, "rsync I/O timeout in seconds")
	f.StringVarP(&backupFlags.user, "user", "u", "", "ssh user")
	f.StringVarP(&backupFlags.identity, "identity", "i", "", "ssh identity file")
}
