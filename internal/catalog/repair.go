package catalog

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/ini.v1"
)

// Defaults written by Clean into sections missing a required field.
const (
	defaultHost = "default"
	defaultMode = ModeIncremental
	defaultOS   = OSUnix
)

// Clean repairs sections that would make Open fail: sections without a path
// are dropped, every other missing or malformed field is reset to a default
// (start times to now). It returns the ids it touched. A document that is not
// valid ini at all is not repaired.
func Clean(root string, now time.Time, opts ...Option) ([]string, error) {
	s := newStore(root, opts...)
	var touched []string
	err := s.mutate(func(f *ini.File) error {
		for _, sec := range jobSections(f) {
			if cleanSection(f, sec, now) {
				touched = append(touched, sec.Name())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range touched {
		s.log.Warn("catalog section reset to defaults, check it", "id", id)
	}
	return touched, nil
}

func cleanSection(f *ini.File, sec *ini.Section, now time.Time) bool {
	if !sec.HasKey(keyPath) || sec.Key(keyPath).String() == "" {
		f.DeleteSection(sec.Name())
		return true
	}
	changed := false
	reset := func(key, value string) {
		sec.Key(key).SetValue(value)
		changed = true
	}
	if sec.Key(keyHost).String() == "" {
		reset(keyHost, defaultHost)
	}
	if _, err := ParseMode(sec.Key(keyMode).String()); err != nil {
		reset(keyMode, defaultMode.String())
	}
	if _, err := ParseOSType(sec.Key(keyOS).String()); err != nil {
		reset(keyOS, defaultOS.String())
	}
	if _, err := parseTime(sec.Key(keyStart).String()); err != nil {
		reset(keyStart, formatTime(now))
	}
	if sec.HasKey(keyEnd) {
		if _, err := parseTime(sec.Key(keyEnd).String()); err != nil {
			reset(keyEnd, formatTime(now))
		}
	}
	if _, err := ParseStatus(sec.Key(keyStatus).String()); err != nil {
		reset(keyStatus, LaunchFailed().String())
	}
	for _, key := range []string{keyArchived, keyCleaned} {
		if _, err := flagValue(sec, key); err != nil {
			sec.DeleteKey(key)
			changed = true
		}
	}
	return changed
}

// Verify returns the records that break the path invariant: not cleaned, yet
// their path is gone.
func (s *Store) Verify() ([]Record, error) {
	var broken []Record
	for r := range s.Query(Filter{Cleaned: Unset}) {
		_, err := os.Stat(r.Path)
		if errors.Is(err, os.ErrNotExist) {
			broken = append(broken, r)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", r.Path, err)
		}
	}
	return broken, nil
}

// Prune removes the records Verify reports and returns their ids.
func (s *Store) Prune() ([]string, error) {
	broken, err := s.Verify()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, r := range broken {
		if err := s.Remove(r.ID); err != nil {
			return removed, err
		}
		s.log.Info("catalog record pruned, path no longer exists", "id", r.ID, "path", r.Path)
		removed = append(removed, r.ID)
	}
	return removed, nil
}
