package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kebairia/rbackup/internal/config"
	"github.com/kebairia/rbackup/internal/dispatcher"
	"github.com/kebairia/rbackup/internal/logger"
	"github.com/kebairia/rbackup/internal/operations"
)

var (
	// ConfigFile is the path to the YAML configuration.
	ConfigFile string
	rootDir    string
	verbose    bool
	dryRun     bool
	logFile    string

	cfg config.Config

	// rootCmd is the base command for rbackup.
	rootCmd = &cobra.Command{
		Use:   "rbackup",
		Short: "Multi-host rsync backups with a job catalog",
		Long: `rbackup backs up many hosts over rsync into one destination root,
records every job in <root>/.catalog.cfg, and restores, exports, archives
and expires those jobs.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}
)

// exitError carries an exit code without an error message.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// Execute runs the root command and returns the process exit code.
func Execute() int {
	defer logger.Cleanup()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
	var failure *dispatcher.CopyFailure
	if errors.As(err, &failure) && failure.Code > 0 {
		return failure.Code
	}
	return 1
}

func setup(_ *cobra.Command, _ []string) error {
	cfg = config.Config{}
	if err := cfg.Load(ConfigFile); err != nil {
		return err
	}
	if rootDir != "" {
		cfg.Catalog.Root = rootDir
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	if logFile != "" {
		cfg.Log.File = logFile
	}
	_, err := logger.Init(logger.Options{
		Level:       cfg.Log.Level,
		File:        cfg.Log.File,
		Development: cfg.Log.Development,
	})
	return err
}

func newManager(cmd *cobra.Command) (*operations.OperationManager, error) {
	return operations.NewOperationManager(cmd.Context(), cfg,
		operations.WithDryRun(dryRun),
		operations.WithVerbose(verbose),
		operations.WithOutput(cmd.OutOrStdout()),
		operations.WithConfirm(prompt(cmd.InOrStdin(), cmd.ErrOrStderr())),
		operations.WithLogger(logger.Global()),
	)
}

// prompt asks on w and reads the answer from r. Only y and yes accept.
func prompt(r io.Reader, w io.Writer) operations.ConfirmFunc {
	reader := bufio.NewReader(r)
	return func(question string) bool {
		fmt.Fprintf(w, "%s [y/N] ", question)
		answer, err := reader.ReadString('\n')
		if err != nil && answer == "" {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true
		}
		return false
	}
}

// parseRetention reads a DAYS,MIN pair.
func parseRetention(s string) (days, minCount int, err error) {
	d, m, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("retention %q: want DAYS,MIN", s)
	}
	if days, err = strconv.Atoi(strings.TrimSpace(d)); err != nil {
		return 0, 0, fmt.Errorf("retention days: %w", err)
	}
	if minCount, err = strconv.Atoi(strings.TrimSpace(m)); err != nil {
		return 0, 0, fmt.Errorf("retention min: %w", err)
	}
	if days < 0 || minCount < 0 {
		return 0, 0, fmt.Errorf("retention %q: values must not be negative", s)
	}
	return days, minCount, nil
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ConfigFile, "config", "c", "", "path to YAML config file")
	flags.StringVarP(&rootDir, "root", "r", "", "destination root (overrides catalog.root)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	flags.BoolVar(&dryRun, "dry-run", false, "simulate, change nothing")
	flags.StringVar(&logFile, "log-file", "", "also write logs to this file")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(configCmd)
}
