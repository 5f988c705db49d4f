package rsync

import "fmt"

// Severity classifies an rsync exit code.
type Severity int

const (
	SeverityOK Severity = iota
	// SeverityPartial covers transfers that completed except for some files.
	SeverityPartial
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "ok"
	case SeverityPartial:
		return "partial"
	default:
		return "fatal"
	}
}

const (
	codePartialTransfer = 23
	codeVanishedSource  = 24
)

// Classify maps an rsync exit code onto a Severity.
func Classify(code int) Severity {
	switch code {
	case 0:
		return SeverityOK
	case codePartialTransfer, codeVanishedSource:
		return SeverityPartial
	default:
		return SeverityFatal
	}
}

var descriptions = map[int]string{
	0:  "success",
	1:  "syntax or usage error",
	2:  "protocol incompatibility",
	3:  "errors selecting input/output files, dirs",
	4:  "requested action not supported",
	5:  "error starting client-server protocol",
	6:  "daemon unable to append to log-file",
	10: "error in socket I/O",
	11: "error in file I/O",
	12: "error in rsync protocol data stream",
	13: "errors with program diagnostics",
	14: "error in IPC code",
	20: "received SIGUSR1 or SIGINT",
	21: "some error returned by waitpid()",
	22: "error allocating core memory buffers",
	23: "partial transfer due to error",
	24: "partial transfer due to vanished source files",
	25: "the --max-delete limit stopped deletions",
	30: "timeout in data send/receive",
	35: "timeout waiting for daemon connection",
}

// Describe returns rsync's documented meaning of code.
func Describe(code int) string {
	if d, ok := descriptions[code]; ok {
		return d
	}
	return fmt.Sprintf("unknown exit code %d", code)
}
