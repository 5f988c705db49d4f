package catalog

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// Keys of a job section in the catalog document.
const (
	keyHost     = "host"
	keyMode     = "mode"
	keyOS       = "os"
	keyPath     = "path"
	keyStart    = "start"
	keyEnd      = "end"
	keyStatus   = "status"
	keyInclude  = "include"
	keyArchived = "archived"
	keyCleaned  = "cleaned"
)

// TimeLayout is how timestamps are written to the catalog.
const TimeLayout = time.RFC3339

var loadOptions = ini.LoadOptions{
	AllowShadows:        true, // one "include" line per source path
	IgnoreInlineComment: true, // paths may contain '#' or ';'
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// normalize drops the precision the document cannot hold so that a record
// read back equals the one written.
func normalize(r Record) Record {
	r.Start = r.Start.UTC().Truncate(time.Second)
	if !r.End.IsZero() {
		r.End = r.End.UTC().Truncate(time.Second)
	}
	if len(r.IncludedPaths) == 0 {
		r.IncludedPaths = nil
	}
	return r
}

func encodeSection(sec *ini.Section, r Record) error {
	sec.Key(keyHost).SetValue(r.Host)
	sec.Key(keyMode).SetValue(r.Mode.String())
	sec.Key(keyOS).SetValue(r.OS.String())
	sec.Key(keyPath).SetValue(r.Path)
	sec.Key(keyStart).SetValue(formatTime(r.Start))
	if r.Complete() {
		sec.Key(keyEnd).SetValue(formatTime(r.End))
	}
	sec.Key(keyStatus).SetValue(r.Status.String())
	if len(r.IncludedPaths) > 0 {
		k := sec.Key(keyInclude)
		k.SetValue(r.IncludedPaths[0])
		for _, p := range r.IncludedPaths[1:] {
			if err := k.AddShadow(p); err != nil {
				return fmt.Errorf("encode include %q: %w", p, err)
			}
		}
	}
	if r.Archived {
		sec.Key(keyArchived).SetValue("true")
	}
	if r.Cleaned {
		sec.Key(keyCleaned).SetValue("true")
	}
	return nil
}

func applyPatch(sec *ini.Section, p Patch) {
	if p.End != nil {
		sec.Key(keyEnd).SetValue(formatTime(*p.End))
	}
	if p.Status != nil {
		sec.Key(keyStatus).SetValue(p.Status.String())
	}
	if p.Path != nil {
		sec.Key(keyPath).SetValue(*p.Path)
	}
	if p.Archived != nil {
		setFlag(sec, keyArchived, *p.Archived)
	}
	if p.Cleaned != nil {
		setFlag(sec, keyCleaned, *p.Cleaned)
	}
}

func setFlag(sec *ini.Section, key string, v bool) {
	if v {
		sec.Key(key).SetValue("true")
		return
	}
	sec.DeleteKey(key)
}

func requireKey(sec *ini.Section, key string) (string, error) {
	if !sec.HasKey(key) || sec.Key(key).String() == "" {
		return "", fmt.Errorf("missing %q", key)
	}
	return sec.Key(key).String(), nil
}

func decodeSection(sec *ini.Section) (Record, error) {
	r := Record{ID: sec.Name()}

	var err error
	if r.Host, err = requireKey(sec, keyHost); err != nil {
		return Record{}, err
	}
	if r.Path, err = requireKey(sec, keyPath); err != nil {
		return Record{}, err
	}

	v, err := requireKey(sec, keyMode)
	if err != nil {
		return Record{}, err
	}
	if r.Mode, err = ParseMode(v); err != nil {
		return Record{}, err
	}

	if v, err = requireKey(sec, keyOS); err != nil {
		return Record{}, err
	}
	if r.OS, err = ParseOSType(v); err != nil {
		return Record{}, err
	}

	if v, err = requireKey(sec, keyStart); err != nil {
		return Record{}, err
	}
	if r.Start, err = parseTime(v); err != nil {
		return Record{}, fmt.Errorf("parse start: %w", err)
	}

	if sec.HasKey(keyEnd) && sec.Key(keyEnd).String() != "" {
		if r.End, err = parseTime(sec.Key(keyEnd).String()); err != nil {
			return Record{}, fmt.Errorf("parse end: %w", err)
		}
	}

	if r.Status, err = ParseStatus(sec.Key(keyStatus).String()); err != nil {
		return Record{}, err
	}

	if sec.HasKey(keyInclude) {
		r.IncludedPaths = sec.Key(keyInclude).ValueWithShadows()
	}
	if r.Archived, err = flagValue(sec, keyArchived); err != nil {
		return Record{}, err
	}
	if r.Cleaned, err = flagValue(sec, keyCleaned); err != nil {
		return Record{}, err
	}
	return r, nil
}

func flagValue(sec *ini.Section, key string) (bool, error) {
	if !sec.HasKey(key) {
		return false, nil
	}
	v, err := sec.Key(key).Bool()
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

// jobSections returns every section except ini's implicit default section.
func jobSections(f *ini.File) []*ini.Section {
	var out []*ini.Section
	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		out = append(out, sec)
	}
	return out
}

func decodeFile(path string, f *ini.File) ([]Record, error) {
	sections := jobSections(f)
	records := make([]Record, 0, len(sections))
	for _, sec := range sections {
		r, err := decodeSection(sec)
		if err != nil {
			return nil, &CorruptCatalogError{Path: path, Section: sec.Name(), Err: err}
		}
		records = append(records, r)
	}
	return records, nil
}
