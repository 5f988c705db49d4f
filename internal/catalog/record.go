package catalog

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Mode is the replication strategy of a job.
type Mode int

const (
	ModeFull Mode = iota + 1
	ModeIncremental
	ModeDifferential
	ModeMirror
)

var modeNames = map[Mode]string{
	ModeFull:         "full",
	ModeIncremental:  "incremental",
	ModeDifferential: "differential",
	ModeMirror:       "mirror",
}

// Modes lists every valid Mode in declaration order.
var Modes = []Mode{ModeFull, ModeIncremental, ModeDifferential, ModeMirror}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("unknown_mode(%d)", int(m))
}

// ParseMode accepts the lowercase name of a mode, case-insensitively.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("invalid mode %q: must be one of full, incremental, differential, mirror", s)
}

// OSType selects the folder layout used to translate data-set aliases.
type OSType int

const (
	OSUnix OSType = iota + 1
	OSMacOS
	OSWindows
)

var osNames = map[OSType]string{
	OSUnix:    "unix",
	OSMacOS:   "macos",
	OSWindows: "windows",
}

func (o OSType) String() string {
	if s, ok := osNames[o]; ok {
		return s
	}
	return fmt.Sprintf("unknown_os(%d)", int(o))
}

// ParseOSType accepts unix, macos or windows, case-insensitively.
func ParseOSType(s string) (OSType, error) {
	for o, name := range osNames {
		if strings.EqualFold(s, name) {
			return o, nil
		}
	}
	return 0, fmt.Errorf("invalid os type %q: must be one of unix, macos, windows", s)
}

// StatusKind discriminates the variants of Status.
type StatusKind int

const (
	// StatusPending marks a job whose copy has not finished (or was interrupted).
	StatusPending StatusKind = iota
	// StatusExited carries the exit code of the copy primitive.
	StatusExited
	// StatusLaunchFailed means the copy primitive could not be started at all.
	StatusLaunchFailed
)

// Status is the outcome of the copy primitive for one job.
type Status struct {
	Kind StatusKind
	Code int
}

func Pending() Status { return Status{Kind: StatusPending} }

func Exited(code int) Status { return Status{Kind: StatusExited, Code: code} }

func LaunchFailed() Status { return Status{Kind: StatusLaunchFailed} }

func (s Status) IsPending() bool { return s.Kind == StatusPending }

// Success reports whether the copy primitive exited with code 0.
func (s Status) Success() bool {
	return s.Kind == StatusExited && s.Code == 0
}

func (s Status) String() string {
	switch s.Kind {
	case StatusPending:
		return "pending"
	case StatusLaunchFailed:
		return "error"
	default:
		return strconv.Itoa(s.Code)
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending", "":
		return Pending(), nil
	case "error":
		return LaunchFailed(), nil
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return Status{}, fmt.Errorf("invalid status %q", s)
	}
	return Exited(code), nil
}

// ValidateHost rejects host names that would not map to exactly one
// directory directly under the destination root.
func ValidateHost(host string) error {
	switch {
	case host == "", host == ".", host == "..":
		return fmt.Errorf("%w: %q", ErrInvalidHost, host)
	case strings.ContainsAny(host, `/\`), strings.ContainsRune(host, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidHost, host)
	}
	return nil
}

// Record is one backup job as stored in the catalog.
type Record struct {
	ID            string
	Host          string
	Mode          Mode
	OS            OSType
	Path          string
	Start         time.Time
	End           time.Time // zero while the job is running
	Status        Status
	IncludedPaths []string
	Archived      bool
	Cleaned       bool
}

// Complete reports whether the job finished (successfully or not).
func (r Record) Complete() bool {
	return !r.End.IsZero()
}

// ShortID is the 8-character prefix operators may use in place of the full id.
func (r Record) ShortID() string {
	if len(r.ID) < ShortIDLen {
		return r.ID
	}
	return r.ID[:ShortIDLen]
}

// Newer orders records by start time, breaking ties on the greater id.
func (r Record) Newer(other Record) bool {
	if !r.Start.Equal(other.Start) {
		return r.Start.After(other.Start)
	}
	return r.ID > other.ID
}

// Age returns how long ago the job started.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.Start)
}

func (r Record) clone() Record {
	if r.IncludedPaths != nil {
		r.IncludedPaths = append([]string(nil), r.IncludedPaths...)
	}
	return r
}

// Patch lists the fields Update may change. Nil fields are left untouched.
type Patch struct {
	End      *time.Time
	Status   *Status
	Path     *string
	Archived *bool
	Cleaned  *bool
}

// Finish builds the patch that completes a pending job.
func Finish(end time.Time, status Status) Patch {
	return Patch{End: &end, Status: &status}
}

// MarkCleaned builds the patch the retention engine applies after deleting data.
func MarkCleaned() Patch {
	v := true
	return Patch{Cleaned: &v}
}

// MarkArchived builds the patch applied after a job directory is relocated.
func MarkArchived(newPath string) Patch {
	v := true
	return Patch{Archived: &v, Path: &newPath}
}
