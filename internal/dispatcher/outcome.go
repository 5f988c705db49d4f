package dispatcher

import (
	"fmt"
	"time"

	"github.com/kebairia/rbackup/internal/catalog"
	"github.com/kebairia/rbackup/internal/resolver"
	"github.com/kebairia/rbackup/internal/rsync"
)

// Result summarizes how a dispatch ended. Values are ordered by severity.
type Result int

const (
	Succeeded Result = iota
	// Skipped hosts were never dispatched because the run was stopped.
	Skipped
	// Warning is a partial transfer accepted under skip_error.
	Warning
	Failed
)

func (r Result) String() string {
	switch r {
	case Succeeded:
		return "succeeded"
	case Skipped:
		return "skipped"
	case Warning:
		return "warning"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// CopyFailure reports a copy that did not succeed. Code is -1 when rsync
// could not be started.
type CopyFailure struct {
	Host     string
	Code     int
	Severity rsync.Severity
	Err      error
}

func (e *CopyFailure) Error() string {
	if e.Code < 0 {
		return fmt.Sprintf("copy from %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("copy from %s: rsync exit %d (%s)", e.Host, e.Code, rsync.Describe(e.Code))
}

func (e *CopyFailure) Unwrap() error { return e.Err }

// Outcome is the report of one dispatch.
type Outcome struct {
	Host       string
	Result     Result
	Resolution resolver.Resolution
	// Record is the catalog entry of the job; nil when none was written.
	Record *catalog.Record
	// Code is rsync's exit code, -1 when it never ran.
	Code     int
	Err      error
	Duration time.Duration
	DryRun   bool
}

// ExitCode maps the outcome onto a process exit code.
func (o Outcome) ExitCode() int {
	switch o.Result {
	case Succeeded:
		return 0
	case Skipped:
		return 1
	}
	if o.Code > 0 {
		return o.Code
	}
	return 1
}

// Worse reports whether o should be reported over other in a summary.
func (o Outcome) Worse(other Outcome) bool {
	if o.Result != other.Result {
		return o.Result > other.Result
	}
	return o.ExitCode() > other.ExitCode()
}
