// Package rsync drives the external rsync binary that moves the bytes of
// every backup, restore and export job.
package rsync

import (
	"time"

	"github.com/kebairia/rbackup/internal/catalog"
)

// Action selects the flag set rsync runs with.
type Action int

const (
	ActionBackup Action = iota + 1
	ActionRestore
	ActionExport
	// ActionList prints a recursive listing of Sources without copying.
	ActionList
)

func (a Action) String() string {
	switch a {
	case ActionBackup:
		return "backup"
	case ActionRestore:
		return "restore"
	case ActionExport:
		return "export"
	case ActionList:
		return "list"
	default:
		return "unknown"
	}
}

// Spec describes one rsync invocation.
type Spec struct {
	Action Action
	// Mode picks the backup flags; ignored by other actions.
	Mode        catalog.Mode
	Sources     []string
	Destination string

	Excludes []string
	Includes []string

	Compress       bool
	BandwidthLimit int // KiB/s, 0 means unlimited
	Port           int // ssh port, 0 leaves ssh's default
	IdentityFile   string
	// RemoteRsyncPath is the rsync binary on the remote side.
	RemoteRsyncPath string
	Timeout         time.Duration // I/O timeout, rounded to seconds
	DryRun          bool

	// LinkDest hard-links unchanged files against an earlier job.
	LinkDest string
	// CopyDest copies unchanged files locally from an earlier job.
	CopyDest string
	LogFile  string

	// Mirror deletes extraneous files on the receiving side (restore, export).
	Mirror bool
	// RemoveSource deletes transferred files from the sender (export --cut).
	RemoveSource bool
	// SafeLinks skips symlinks pointing outside the tree.
	SafeLinks bool
	// Writable forces ugo=rwX on restored files, used for windows targets.
	Writable bool

	Verbose bool
	Quiet   bool
}
