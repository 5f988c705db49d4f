package operations

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/juju/clock"

	"github.com/kebairia/rbackup/internal/catalog"
	"github.com/kebairia/rbackup/internal/config"
	"github.com/kebairia/rbackup/internal/dispatcher"
	"github.com/kebairia/rbackup/internal/logger"
	"github.com/kebairia/rbackup/internal/rsync"
	"github.com/kebairia/rbackup/internal/vault"
)

// ErrAborted is returned when the operator declines a confirmation.
var ErrAborted = errors.New("aborted by user")

// HostSource supplies per-host connection parameters.
type HostSource interface {
	HostParams(ctx context.Context, host string) (vault.HostParams, error)
}

// ConfirmFunc asks the operator a yes/no question.
type ConfirmFunc func(prompt string) bool

// Option lets you override default settings on an OperationManager.
type Option func(*OperationManager)

// WithCopier replaces the rsync runner used for transfers and listings.
func WithCopier(p rsync.Primitive) Option {
	return func(om *OperationManager) {
		if p != nil {
			om.copier = p
			om.lister = p
		}
	}
}

// WithHostSource replaces the Vault client.
func WithHostSource(src HostSource) Option {
	return func(om *OperationManager) {
		om.hosts = src
	}
}

// WithClock overrides the clock used for job times and ages.
func WithClock(c clock.Clock) Option {
	return func(om *OperationManager) {
		if c != nil {
			om.clock = c
		}
	}
}

// WithOutput sets where listings and reports are written.
func WithOutput(w io.Writer) Option {
	return func(om *OperationManager) {
		if w != nil {
			om.out = w
		}
	}
}

// WithConfirm sets the confirmation prompt. Without one every question is
// answered no.
func WithConfirm(fn ConfirmFunc) Option {
	return func(om *OperationManager) {
		om.confirm = fn
	}
}

// WithDryRun simulates every operation.
func WithDryRun(enabled bool) Option {
	return func(om *OperationManager) {
		om.dryRun = enabled
	}
}

// WithVerbose makes rsync report every file it transfers.
func WithVerbose(enabled bool) Option {
	return func(om *OperationManager) {
		om.verbose = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(om *OperationManager) {
		if log != nil {
			om.log = log
		}
	}
}

// OperationManager carries out the user-facing operations against one
// destination root.
type OperationManager struct {
	cfg     config.Config
	copier  rsync.Primitive
	lister  rsync.Primitive
	hosts   HostSource
	clock   clock.Clock
	out     io.Writer
	confirm ConfirmFunc
	dryRun  bool
	verbose bool
	log     logger.Logger
}

// NewOperationManager validates cfg and builds the collaborators it names.
// The Vault client is only created when Vault is enabled and no other host
// source was given.
func NewOperationManager(ctx context.Context, cfg config.Config, opts ...Option) (*OperationManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	om := &OperationManager{
		cfg:   cfg,
		clock: clock.WallClock,
		out:   os.Stdout,
		log:   logger.Global(),
	}
	for _, opt := range opts {
		opt(om)
	}
	if om.copier == nil {
		om.copier = rsync.NewRunner(
			rsync.WithBinary(cfg.Rsync.Binary),
			rsync.WithLogger(om.log),
		)
		om.lister = rsync.NewRunner(
			rsync.WithBinary(cfg.Rsync.Binary),
			rsync.WithOutput(om.out, os.Stderr),
			rsync.WithLogger(om.log),
		)
	}
	if om.hosts == nil && cfg.Vault.Enabled {
		vaultClient, err := vault.NewClient(ctx,
			vault.WithAddress(cfg.Vault.Address),
			vault.WithAppRole(cfg.Vault.RoleID, cfg.Vault.ApproleName),
			vault.WithKVPath(cfg.Vault.KVPath),
		)
		if err != nil {
			return nil, fmt.Errorf("vault client init: %w", err)
		}
		om.hosts = vaultClient
	}
	return om, nil
}

// Config returns the configuration the manager runs with.
func (om *OperationManager) Config() config.Config { return om.cfg }

// openStore opens the catalog of the destination root, creating the root
// first when create is set.
func (om *OperationManager) openStore(create bool) (*catalog.Store, error) {
	root := om.cfg.Catalog.Root
	if create {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("create destination root: %w", err)
		}
	}
	return catalog.Open(root,
		catalog.WithLogger(om.log),
		catalog.WithLockTimeout(om.cfg.Catalog.LockTimeout),
	)
}

// resolveHost merges the configured connection defaults with what the host
// source holds for name.
func (om *OperationManager) resolveHost(ctx context.Context, name string) (dispatcher.Host, error) {
	host := dispatcher.Host{
		Name:         name,
		User:         om.cfg.Backup.User,
		Port:         om.cfg.Backup.Port,
		IdentityFile: om.cfg.Backup.IdentityFile,
	}
	if om.hosts == nil || rsync.IsLocal(name) {
		return host, nil
	}
	params, err := om.hosts.HostParams(ctx, name)
	if errors.Is(err, vault.ErrNoSecret) {
		om.log.Debug("no connection secret for host, using defaults", "host", name)
		return host, nil
	}
	if err != nil {
		return dispatcher.Host{}, fmt.Errorf("connection parameters of %s: %w", name, err)
	}
	if params.User != "" {
		host.User = params.User
	}
	if params.Port != 0 {
		host.Port = params.Port
	}
	if params.IdentityFile != "" {
		host.IdentityFile = params.IdentityFile
	}
	return host, nil
}

// checkCopier makes sure the rsync binary exists before any job starts.
func (om *OperationManager) checkCopier() error {
	if c, ok := om.copier.(interface{ Check() error }); ok {
		return c.Check()
	}
	return nil
}

func (om *OperationManager) ask(prompt string) bool {
	if om.confirm == nil {
		return false
	}
	return om.confirm(prompt)
}

// transferSpec fills the rsync settings shared by restore and export.
func (om *OperationManager) transferSpec(action rsync.Action) rsync.Spec {
	return rsync.Spec{
		Action:          action,
		Compress:        om.cfg.Rsync.Compress,
		BandwidthLimit:  om.cfg.Rsync.BWLimit,
		Timeout:         om.cfg.Rsync.Timeout,
		RemoteRsyncPath: om.cfg.Rsync.RemotePath,
		DryRun:          om.dryRun,
		Excludes:        om.cfg.Backup.Exclude,
		Verbose:         om.verbose,
	}
}

// copyFailure turns an rsync result into an error, nil on success. Partial
// transfers pass under skip_error.
func (om *OperationManager) copyFailure(host string, code int, err error) error {
	if err != nil {
		return &dispatcher.CopyFailure{Host: host, Code: -1, Severity: rsync.SeverityFatal, Err: err}
	}
	sev := rsync.Classify(code)
	if sev == rsync.SeverityOK || (sev == rsync.SeverityPartial && om.cfg.Backup.SkipError) {
		return nil
	}
	return &dispatcher.CopyFailure{Host: host, Code: code, Severity: sev}
}
