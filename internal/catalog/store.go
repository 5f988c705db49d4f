package catalog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/ini.v1"

	"github.com/kebairia/rbackup/internal/logger"
)

const (
	// FileName is the catalog document kept at the top of every destination root.
	FileName = ".catalog.cfg"

	defaultLockTimeout = 10 * time.Second
	lockRetryDelay     = 50 * time.Millisecond
	fileMode           = 0o644
)

// Option lets you override default settings on a Store.
type Option func(*Store)

// WithLogger sets the logger used for catalog mutations.
func WithLogger(log logger.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithLockTimeout bounds how long a mutating call waits for the file lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// Store is the catalog of one destination root. It is the only writer of the
// catalog document: each mutating call takes an advisory lock on the
// document, re-reads it, applies its change and rewrites it before returning.
// Readers see the snapshot left by the last load or mutation.
type Store struct {
	root        string
	path        string
	lock        *flock.Flock
	lockTimeout time.Duration
	log         logger.Logger

	mu      sync.RWMutex
	records []Record
	index   map[string]int
}

// Open loads the catalog of root. A missing document yields an empty catalog.
func Open(root string, opts ...Option) (*Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("catalog root %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("catalog root %q is not a directory", root)
	}

	s := newStore(root, opts...)
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	records, err := decodeFile(s.path, f)
	if err != nil {
		return nil, err
	}
	s.set(records)
	return s, nil
}

func newStore(root string, opts ...Option) *Store {
	path := filepath.Join(root, FileName)
	s := &Store{
		root:        root,
		path:        path,
		lock:        flock.New(path + ".lock"),
		lockTimeout: defaultLockTimeout,
		log:         logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the destination root the catalog describes.
func (s *Store) Root() string { return s.root }

// Path returns the location of the catalog document.
func (s *Store) Path() string { return s.path }

// Len returns the number of records in the current snapshot.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Append adds a new record. The id must not be catalogued yet.
func (s *Store) Append(r Record) error {
	if r.ID == "" {
		return errors.New("append: empty backup id")
	}
	r = normalize(r)
	err := s.mutate(func(f *ini.File) error {
		if _, err := f.GetSection(r.ID); err == nil {
			return fmt.Errorf("append %s: %w", r.ID, ErrDuplicateID)
		}
		sec, err := f.NewSection(r.ID)
		if err != nil {
			return fmt.Errorf("append %s: %w", r.ID, err)
		}
		return encodeSection(sec, r)
	})
	if err != nil {
		return err
	}
	s.log.Debug("catalog record appended", "id", r.ID, "host", r.Host, "mode", r.Mode.String())
	return nil
}

// Update merges p into the record id. A job can be finished only once.
func (s *Store) Update(id string, p Patch) error {
	if p.End != nil {
		end := p.End.UTC().Truncate(time.Second)
		p.End = &end
	}
	err := s.mutate(func(f *ini.File) error {
		sec, err := f.GetSection(id)
		if err != nil {
			return fmt.Errorf("update %s: %w", id, ErrNotFound)
		}
		if p.End != nil && sec.HasKey(keyEnd) && sec.Key(keyEnd).String() != "" {
			return fmt.Errorf("update %s: %w", id, ErrAlreadyComplete)
		}
		applyPatch(sec, p)
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Debug("catalog record updated", "id", id)
	return nil
}

// Remove deletes the record id.
func (s *Store) Remove(id string) error {
	err := s.mutate(func(f *ini.File) error {
		if _, err := f.GetSection(id); err != nil {
			return fmt.Errorf("remove %s: %w", id, ErrNotFound)
		}
		f.DeleteSection(id)
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Debug("catalog record removed", "id", id)
	return nil
}

// Reinitialize truncates the catalog to no records.
func (s *Store) Reinitialize() error {
	if err := s.mutate(func(f *ini.File) error {
		for _, sec := range jobSections(f) {
			f.DeleteSection(sec.Name())
		}
		return nil
	}); err != nil {
		return err
	}
	s.log.Warn("catalog reinitialized", "path", s.path)
	return nil
}

// Get returns the record with exactly this id.
func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return Record{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return s.records[i].clone(), nil
}

// Lookup resolves a full id or an 8-character prefix to a record.
func (s *Store) Lookup(idOrPrefix string) (Record, error) {
	if r, err := s.Get(idOrPrefix); err == nil {
		return r, nil
	}
	if len(idOrPrefix) != ShortIDLen {
		return Record{}, fmt.Errorf("%s: %w", idOrPrefix, ErrNotFound)
	}
	var found []Record
	for r := range s.Query(Filter{ID: idOrPrefix}) {
		found = append(found, r)
	}
	switch len(found) {
	case 0:
		return Record{}, fmt.Errorf("%s: %w", idOrPrefix, ErrNotFound)
	case 1:
		return found[0], nil
	default:
		return Record{}, fmt.Errorf("%s matches %d records: %w", idOrPrefix, len(found), ErrAmbiguousID)
	}
}

// Query returns the records matching f in catalog order. The sequence is
// lazy and can be ranged over more than once; each pass reads the snapshot
// current at the time it starts. An invalid filter yields nothing; check it
// with Filter.Validate first.
func (s *Store) Query(f Filter) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		m, err := newMatcher(f)
		if err != nil {
			return
		}
		s.mu.RLock()
		snapshot := s.records
		s.mu.RUnlock()

		if !f.Last {
			for _, r := range snapshot {
				if m.match(r) && !yield(r.clone()) {
					return
				}
			}
			return
		}

		latest := make(map[string]int)
		for i, r := range snapshot {
			if !m.match(r) {
				continue
			}
			if j, ok := latest[r.Host]; !ok || r.Newer(snapshot[j]) {
				latest[r.Host] = i
			}
		}
		for i, r := range snapshot {
			if j, ok := latest[r.Host]; !ok || j != i {
				continue
			}
			if !yield(r.clone()) {
				return
			}
		}
	}
}

// Hosts returns every host with at least one record, in first-seen order.
func (s *Store) Hosts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var hosts []string
	for _, r := range s.records {
		if !seen[r.Host] {
			seen[r.Host] = true
			hosts = append(hosts, r.Host)
		}
	}
	return hosts
}

// Reload replaces the snapshot with the document currently on disk.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return err
	}
	records, err := decodeFile(s.path, f)
	if err != nil {
		return err
	}
	s.setLocked(records)
	return nil
}

func (s *Store) set(records []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(records)
}

func (s *Store) setLocked(records []Record) {
	index := make(map[string]int, len(records))
	for i, r := range records {
		index[r.ID] = i
	}
	// Replace rather than mutate so that running Query passes keep a stable view.
	s.records = records
	s.index = index
}

// mutate runs fn against a fresh read of the document under both the
// in-process and the file lock, validates the result and writes it back.
func (s *Store) mutate(fn func(f *ini.File) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		return err
	}
	records, err := decodeFile(s.path, f)
	if err != nil {
		return err
	}
	if err := s.write(f); err != nil {
		return err
	}
	s.setLocked(records)
	return nil
}

func (s *Store) acquire() (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("lock catalog %s: %w", s.path, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock catalog %s after %s: %w", s.path, s.lockTimeout, ErrLocked)
	}
	return func() {
		if err := s.lock.Unlock(); err != nil {
			s.log.Warn("failed to release catalog lock", "path", s.path, "error", err.Error())
		}
	}, nil
}

func (s *Store) load() (*ini.File, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return ini.Empty(loadOptions), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", s.path, err)
	}
	f, err := ini.LoadSources(loadOptions, data)
	if err != nil {
		return nil, &CorruptCatalogError{Path: s.path, Err: err}
	}
	return f, nil
}

// write replaces the document atomically: a reader sees either the old or
// the new content, never a partial one.
func (s *Store) write(f *ini.File) error {
	tmp, err := os.CreateTemp(s.root, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp catalog: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := f.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write catalog: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync catalog: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close catalog: %w", err)
	}
	if err := os.Chmod(tmpName, fileMode); err != nil {
		return fmt.Errorf("chmod catalog: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace catalog %s: %w", s.path, err)
	}
	return nil
}
