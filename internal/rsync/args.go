package rsync

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kebairia/rbackup/internal/catalog"
)

// Args builds the argument vector for spec, sources and destination last.
func Args(spec Spec) []string {
	var args []string
	add := func(a ...string) { args = append(args, a...) }

	switch spec.Action {
	case ActionBackup:
		switch spec.Mode {
		case catalog.ModeMirror:
			add("-ah", "--delete")
		case catalog.ModeIncremental, catalog.ModeDifferential:
			add("-ahu", "--no-links")
		default:
			add("-ah", "--no-links")
		}
	case ActionRestore, ActionExport:
		add("-ahu", "--no-perms", "--no-owner", "--no-group")
		if spec.Mirror {
			add("--delete", "--ignore-times")
		}
	case ActionList:
		add("--list-only", "-r")
	}

	if spec.Verbose {
		add("-vP")
	}
	if spec.Quiet {
		add("--quiet")
	}
	if spec.Compress {
		add("-z")
	}
	if spec.BandwidthLimit > 0 {
		add("--bwlimit=" + strconv.Itoa(spec.BandwidthLimit))
	}
	if rsh := remoteShell(spec); rsh != "" {
		add("--rsh=" + rsh)
	}
	if spec.RemoteRsyncPath != "" {
		add("--rsync-path=" + spec.RemoteRsyncPath)
	}
	if secs := int(spec.Timeout.Seconds()); secs > 0 {
		add("--timeout=" + strconv.Itoa(secs))
	}
	if spec.DryRun {
		add("--dry-run")
	}
	if spec.LinkDest != "" {
		add("--link-dest=" + spec.LinkDest)
	}
	if spec.CopyDest != "" {
		add("--copy-dest=" + spec.CopyDest)
	}
	if spec.RemoveSource {
		add("--remove-source-files")
	}
	if spec.SafeLinks {
		add("--safe-links")
	}
	if spec.Writable {
		add("--chmod=ugo=rwX")
	}
	// rsync applies filter rules in order: includes must precede the
	// catch-all exclude that turns them into a whitelist.
	for _, inc := range spec.Includes {
		add("--include=" + inc)
	}
	if len(spec.Includes) > 0 {
		add("--exclude=*")
	}
	for _, exc := range spec.Excludes {
		add("--exclude=" + exc)
	}
	if spec.LogFile != "" {
		add("--log-file=" + spec.LogFile)
	}

	add(spec.Sources...)
	if spec.Destination != "" {
		add(spec.Destination)
	}
	return args
}

func remoteShell(spec Spec) string {
	if spec.Port == 0 && spec.IdentityFile == "" {
		return ""
	}
	parts := []string{"ssh"}
	if spec.Port != 0 {
		parts = append(parts, "-p", strconv.Itoa(spec.Port))
	}
	if spec.IdentityFile != "" {
		parts = append(parts, "-i", spec.IdentityFile)
	}
	return strings.Join(parts, " ")
}

// RemoteSource formats a path on host the way rsync expects it. Local hosts
// get the plain path.
func RemoteSource(user, host, path string) string {
	if IsLocal(host) {
		return path
	}
	if user == "" {
		return fmt.Sprintf("%s:%s", host, path)
	}
	return fmt.Sprintf("%s@%s:%s", user, host, path)
}

// IsLocal reports whether host names this machine.
func IsLocal(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
