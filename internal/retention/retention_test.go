package retention

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kebairia/rbackup/internal/catalog"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *catalog.Store {
	t.Helper()
	s, err := catalog.Open(t.TempDir())
	require.NoError(t, err)
	return s
}

// addJob catalogs a finished job of host started at start, with one file
// in its directory.
func addJob(t *testing.T, s *catalog.Store, host string, mode catalog.Mode, start time.Time) catalog.Record {
	t.Helper()
	r := catalog.Record{
		ID:     uuid.Must(uuid.NewV7()).String(),
		Host:   host,
		Mode:   mode,
		OS:     catalog.OSUnix,
		Path:   filepath.Join(s.Root(), host, start.Format("2006_01_02__15_04_05")),
		Start:  start,
		End:    start.Add(time.Minute),
		Status: catalog.Exited(0),
	}
	require.NoError(t, os.MkdirAll(filepath.Join(r.Path, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(r.Path, "etc", "hosts"), []byte("127.0.0.1 localhost\n"), 0o644))
	require.NoError(t, s.Append(r))
	return r
}

func engine(opts ...Option) *Engine {
	return New(append([]Option{WithClock(testclock.NewClock(now))}, opts...)...)
}

func TestApplyRetention_KeepsMinCount(t *testing.T) {
	s := openStore(t)
	var jobs []catalog.Record
	for i := 0; i < 5; i++ {
		jobs = append(jobs, addJob(t, s, "h1", catalog.ModeIncremental, now.Add(-40*day+time.Duration(i)*time.Hour)))
	}

	cleaned, err := engine().ApplyRetention(context.Background(), s, Rule{Days: 30, MinCount: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID}, cleaned)

	for i, r := range jobs {
		got, err := s.Get(r.ID)
		require.NoError(t, err)
		assert.Equal(t, i < 3, got.Cleaned, "job %d", i)
		if i < 3 {
			assert.NoDirExists(t, r.Path)
		} else {
			assert.DirExists(t, r.Path)
		}
	}
}

func TestApplyRetention_Idempotent(t *testing.T) {
	s := openStore(t)
	for i := 0; i < 5; i++ {
		addJob(t, s, "h1", catalog.ModeFull, now.Add(-40*day+time.Duration(i)*time.Hour))
	}
	e := engine()
	rule := Rule{Days: 30, MinCount: 2}

	first, err := e.ApplyRetention(context.Background(), s, rule)
	require.NoError(t, err)
	require.Len(t, first, 3)
	before, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	second, err := e.ApplyRetention(context.Background(), s, rule)
	require.NoError(t, err)
	assert.Empty(t, second)
	after, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestApplyRetention_NeverBelowMinCount(t *testing.T) {
	for jobs := 0; jobs <= 6; jobs++ {
		for minCount := 0; minCount <= 7; minCount++ {
			t.Run(fmt.Sprintf("jobs=%d/min=%d", jobs, minCount), func(t *testing.T) {
				s := openStore(t)
				for i := 0; i < jobs; i++ {
					// Ages alternate around the 10 day threshold.
					age := time.Duration(5+i*3) * day
					addJob(t, s, "h1", catalog.ModeFull, now.Add(-age))
					addJob(t, s, "h2", catalog.ModeFull, now.Add(-age-time.Hour))
				}
				_, err := engine().ApplyRetention(context.Background(), s, Rule{Days: 10, MinCount: minCount})
				require.NoError(t, err)

				for _, host := range []string{"h1", "h2"} {
					survivors := 0
					for range s.Query(catalog.Filter{Host: host, Cleaned: catalog.Unset}) {
						survivors++
					}
					assert.GreaterOrEqual(t, survivors, min(jobs, minCount), host)
					for r := range s.Query(catalog.Filter{Host: host, Cleaned: catalog.Unset}) {
						if r.Age(now) > 10*day {
							assert.LessOrEqual(t, survivors, minCount, "expired job %s kept without need", r.ID)
						}
					}
				}
			})
		}
	}
}

func TestApplyRetention_SkipsRunningAndArchived(t *testing.T) {
	s := openStore(t)
	old := now.Add(-100 * day)
	running := catalog.Record{
		ID:     uuid.Must(uuid.NewV7()).String(),
		Host:   "h1",
		Mode:   catalog.ModeFull,
		OS:     catalog.OSUnix,
		Path:   filepath.Join(s.Root(), "h1", "running"),
		Start:  old,
		Status: catalog.Pending(),
	}
	require.NoError(t, s.Append(running))
	archived := addJob(t, s, "h1", catalog.ModeFull, old.Add(time.Hour))
	require.NoError(t, s.Update(archived.ID, catalog.MarkArchived("/elsewhere")))
	expired := addJob(t, s, "h1", catalog.ModeFull, old.Add(2*time.Hour))
	addJob(t, s, "h1", catalog.ModeFull, now)

	cleaned, err := engine().ApplyRetention(context.Background(), s, Rule{Days: 30, MinCount: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{expired.ID}, cleaned)
}

func TestApplyRetention_MissingDirectoryStillCleaned(t *testing.T) {
	s := openStore(t)
	gone := addJob(t, s, "h1", catalog.ModeFull, now.Add(-40*day))
	addJob(t, s, "h1", catalog.ModeFull, now)
	require.NoError(t, os.RemoveAll(gone.Path))

	cleaned, err := engine().ApplyRetention(context.Background(), s, Rule{Days: 30, MinCount: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{gone.ID}, cleaned)
}

func TestApplyRetention_DryRun(t *testing.T) {
	s := openStore(t)
	old := addJob(t, s, "h1", catalog.ModeFull, now.Add(-40*day))
	addJob(t, s, "h1", catalog.ModeFull, now)

	cleaned, err := engine(WithDryRun(true)).ApplyRetention(context.Background(), s, Rule{Days: 30, MinCount: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, cleaned)
	assert.DirExists(t, old.Path)
	got, err := s.Get(old.ID)
	require.NoError(t, err)
	assert.False(t, got.Cleaned)
}

func TestApplyRetention_InvalidRule(t *testing.T) {
	_, err := engine().ApplyRetention(context.Background(), openStore(t), Rule{Days: -1})
	require.ErrorIs(t, err, ErrInvalidRule)
}

func TestArchive_MovesExpiredJobsButKeepsLastFull(t *testing.T) {
	s := openStore(t)
	dest := t.TempDir()
	oldFull := addJob(t, s, "h1", catalog.ModeFull, now.Add(-60*day))
	lastFull := addJob(t, s, "h1", catalog.ModeFull, now.Add(-50*day))
	incr := addJob(t, s, "h1", catalog.ModeIncremental, now.Add(-45*day))
	recent := addJob(t, s, "h1", catalog.ModeIncremental, now.Add(-day))

	archived, err := engine().Archive(context.Background(), s, 30, dest)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{oldFull.ID, incr.ID}, archived)

	for _, r := range []catalog.Record{oldFull, incr} {
		got, err := s.Get(r.ID)
		require.NoError(t, err)
		want := filepath.Join(dest, "h1", filepath.Base(r.Path))
		assert.True(t, got.Archived)
		assert.Equal(t, want, got.Path)
		assert.NoDirExists(t, r.Path)
		assert.FileExists(t, filepath.Join(want, "etc", "hosts"))
	}
	for _, r := range []catalog.Record{lastFull, recent} {
		got, err := s.Get(r.ID)
		require.NoError(t, err)
		assert.False(t, got.Archived)
		assert.DirExists(t, r.Path)
	}

	again, err := engine().Archive(context.Background(), s, 30, dest)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestArchive_Compressed(t *testing.T) {
	s := openStore(t)
	dest := t.TempDir()
	old := addJob(t, s, "h1", catalog.ModeIncremental, now.Add(-60*day))
	addJob(t, s, "h1", catalog.ModeFull, now)

	archived, err := engine(WithCompression(true)).Archive(context.Background(), s, 30, dest)
	require.NoError(t, err)
	require.Equal(t, []string{old.ID}, archived)

	got, err := s.Get(old.ID)
	require.NoError(t, err)
	base := filepath.Base(old.Path)
	require.Equal(t, filepath.Join(dest, "h1", base+ArchiveExt), got.Path)

	f, err := os.Open(got.Path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()

	contents := map[string]string{}
	tr := tar.NewReader(zr)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if h.Typeflag == tar.TypeReg {
			data, err := io.ReadAll(tr)
			require.NoError(t, err)
			contents[h.Name] = string(data)
		}
	}
	assert.Equal(t, map[string]string{base + "/etc/hosts": "127.0.0.1 localhost\n"}, contents)
}

func TestArchive_MissingDestination(t *testing.T) {
	_, err := engine().Archive(context.Background(), openStore(t), 30, filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}
