package catalog

import (
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// ShortIDLen is the length of the id prefix accepted in place of a full id.
const ShortIDLen = 8

// Flag is a tri-state filter on a boolean record field.
type Flag int

const (
	Any Flag = iota
	Set
	Unset
)

func (f Flag) match(v bool) bool {
	switch f {
	case Set:
		return v
	case Unset:
		return !v
	default:
		return true
	}
}

// Filter selects records in Query. The zero value matches everything.
type Filter struct {
	// ID matches a full id, or any id starting with an 8-character prefix.
	ID string
	// Host matches the host exactly.
	Host string
	// HostPattern matches the host with a shell-style glob (e.g. "web-*").
	HostPattern string
	// Modes restricts the result to the listed modes.
	Modes    []Mode
	Archived Flag
	Cleaned  Flag
	// Complete restricts to finished (Set) or still pending (Unset) jobs.
	Complete Flag
	// Since and Until bound the start time, inclusive. Zero means unbounded.
	Since time.Time
	Until time.Time
	// Last keeps only the most recent matching record per host.
	Last bool
}

// Validate reports filter values that can never match, such as a malformed glob.
func (f Filter) Validate() error {
	if f.HostPattern != "" {
		if _, err := glob.Compile(f.HostPattern); err != nil {
			return fmt.Errorf("invalid host pattern %q: %w", f.HostPattern, err)
		}
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return fmt.Errorf("invalid time range: until %s is before since %s", f.Until, f.Since)
	}
	return nil
}

type matcher struct {
	f    Filter
	host glob.Glob
}

func newMatcher(f Filter) (*matcher, error) {
	m := &matcher{f: f}
	if f.HostPattern != "" {
		g, err := glob.Compile(f.HostPattern)
		if err != nil {
			return nil, err
		}
		m.host = g
	}
	return m, nil
}

func (m *matcher) match(r Record) bool {
	f := m.f
	if f.ID != "" && !matchID(r.ID, f.ID) {
		return false
	}
	if f.Host != "" && r.Host != f.Host {
		return false
	}
	if m.host != nil && !m.host.Match(r.Host) {
		return false
	}
	if len(f.Modes) > 0 && !containsMode(f.Modes, r.Mode) {
		return false
	}
	if !f.Archived.match(r.Archived) || !f.Cleaned.match(r.Cleaned) || !f.Complete.match(r.Complete()) {
		return false
	}
	if !f.Since.IsZero() && r.Start.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Start.After(f.Until) {
		return false
	}
	return true
}

func matchID(id, want string) bool {
	if id == want {
		return true
	}
	return len(want) == ShortIDLen && strings.HasPrefix(id, want)
}

func containsMode(modes []Mode, m Mode) bool {
	for _, x := range modes {
		if x == m {
			return true
		}
	}
	return false
}
