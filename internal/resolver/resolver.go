// Package resolver decides which mode a backup job really runs in and which
// earlier job it links against.
package resolver

import (
	"errors"
	"fmt"
	"iter"

	"github.com/kebairia/rbackup/internal/catalog"
)

// Catalog is the read side of the catalog store the resolver needs.
type Catalog interface {
	Query(f catalog.Filter) iter.Seq[catalog.Record]
	Lookup(idOrPrefix string) (catalog.Record, error)
}

// BaselineNotFoundError is returned when a pinned baseline cannot be used.
type BaselineNotFoundError struct {
	Host   string
	ID     string
	Reason string
}

func (e *BaselineNotFoundError) Error() string {
	return fmt.Sprintf("baseline %s for host %s: %s", e.ID, e.Host, e.Reason)
}

// Resolution is the result of Resolve.
type Resolution struct {
	Requested catalog.Mode
	Effective catalog.Mode
	// Baseline is the job to link (or copy) unchanged files from, if any.
	Baseline *catalog.Record
	// Pinned is set when Baseline was chosen by the caller rather than looked up.
	Pinned bool
	// Downgraded is set when an incremental or differential request fell
	// back to full because the host has no usable baseline yet.
	Downgraded bool
}

// baselineModes lists, per requested mode, which earlier jobs can serve as
// its baseline. Full and mirror jobs never have one.
var baselineModes = map[catalog.Mode][]catalog.Mode{
	catalog.ModeFull:         nil,
	catalog.ModeMirror:       nil,
	catalog.ModeIncremental:  {catalog.ModeFull, catalog.ModeIncremental},
	catalog.ModeDifferential: {catalog.ModeFull},
}

// Resolve returns the effective mode and baseline for a job on host.
//
// Incremental links against the newest full or incremental job of the host,
// differential against the newest full one; when there is none the job runs
// as full. startFrom, a full id or 8-character prefix, pins the baseline
// instead; it must name a job of the same host whose data still exists.
func Resolve(c Catalog, host string, requested catalog.Mode, startFrom string) (Resolution, error) {
	modes, ok := baselineModes[requested]
	if !ok {
		return Resolution{}, fmt.Errorf("resolve %s: unknown mode %s", host, requested)
	}
	res := Resolution{Requested: requested, Effective: requested}

	if startFrom != "" {
		base, err := pinned(c, host, startFrom)
		if err != nil {
			return Resolution{}, err
		}
		res.Baseline = &base
		res.Pinned = true
		return res, nil
	}

	if modes == nil {
		return res, nil
	}

	base, found := Latest(c, host, modes...)
	if !found {
		res.Effective = catalog.ModeFull
		res.Downgraded = true
		return res, nil
	}
	res.Baseline = &base
	return res, nil
}

// Latest returns the newest job of host in one of modes whose data is still
// in the destination root and which ran to completion.
func Latest(c Catalog, host string, modes ...catalog.Mode) (catalog.Record, bool) {
	var (
		best  catalog.Record
		found bool
	)
	f := catalog.Filter{
		Host:     host,
		Modes:    modes,
		Cleaned:  catalog.Unset,
		Archived: catalog.Unset,
		Complete: catalog.Set,
	}
	for r := range c.Query(f) {
		if !found || r.Newer(best) {
			best, found = r, true
		}
	}
	return best, found
}

func pinned(c Catalog, host, id string) (catalog.Record, error) {
	r, err := c.Lookup(id)
	if err != nil {
		reason := "no such backup id"
		if errors.Is(err, catalog.ErrAmbiguousID) {
			reason = "short id matches several backups"
		}
		return catalog.Record{}, &BaselineNotFoundError{Host: host, ID: id, Reason: reason}
	}
	switch {
	case r.Host != host:
		return catalog.Record{}, &BaselineNotFoundError{Host: host, ID: id, Reason: "belongs to host " + r.Host}
	case r.Cleaned:
		return catalog.Record{}, &BaselineNotFoundError{Host: host, ID: id, Reason: "its data was cleaned"}
	}
	return r, nil
}
