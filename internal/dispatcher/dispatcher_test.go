package dispatcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kebairia/rbackup/internal/catalog"
	"github.com/kebairia/rbackup/internal/rsync"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeCopier records every spec it receives and answers with a fixed code.
type fakeCopier struct {
	mu    sync.Mutex
	specs []rsync.Spec
	code  int
	err   error
}

func (f *fakeCopier) Run(_ context.Context, spec rsync.Spec) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	return f.code, f.err
}

func (f *fakeCopier) last() rsync.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.specs[len(f.specs)-1]
}

func setup(t *testing.T, copier rsync.Primitive, opts ...Option) (*Dispatcher, *catalog.Store, *testclock.Clock) {
	t.Helper()
	store, err := catalog.Open(t.TempDir())
	require.NoError(t, err)
	clk := testclock.NewClock(t0)
	opts = append([]Option{WithClock(clk)}, opts...)
	return New(store, copier, opts...), store, clk
}

func request(mode catalog.Mode) Request {
	return Request{Mode: mode, OS: catalog.OSUnix, DataSets: []string{AliasUser, AliasConfig}}
}

func TestRun_FullThenIncremental(t *testing.T) {
	copier := &fakeCopier{}
	d, store, clk := setup(t, copier)
	host := Host{Name: "h1", User: "root", Port: 2222}

	out := d.Run(context.Background(), host, request(catalog.ModeFull))
	require.NoError(t, out.Err)
	assert.Equal(t, Succeeded, out.Result)
	require.NotNil(t, out.Record)

	records := collect(store, catalog.Filter{})
	require.Len(t, records, 1)
	full := records[0]
	assert.Equal(t, *out.Record, full)
	assert.Equal(t, catalog.Exited(0), full.Status)
	assert.True(t, full.Complete())
	assert.Equal(t, filepath.Join(store.Root(), "h1", t0.Format(DefaultTimestampFormat)), full.Path)
	assert.Equal(t, []string{AliasUser, AliasConfig}, full.IncludedPaths)
	assert.DirExists(t, full.Path)

	spec := copier.last()
	assert.Equal(t, []string{"root@h1:/home", "root@h1:/etc"}, spec.Sources)
	assert.Equal(t, 2222, spec.Port)
	assert.Empty(t, spec.LinkDest)

	link, err := os.Readlink(filepath.Join(store.Root(), "h1", LastBackupLink))
	require.NoError(t, err)
	assert.Equal(t, full.Path, link)

	clk.Advance(time.Hour)
	out = d.Run(context.Background(), host, request(catalog.ModeIncremental))
	require.NoError(t, out.Err)
	assert.Equal(t, catalog.ModeIncremental, out.Record.Mode)
	require.NotNil(t, out.Resolution.Baseline)
	assert.Equal(t, full.ID, out.Resolution.Baseline.ID)
	assert.Equal(t, full.Path, copier.last().LinkDest)
	assert.Equal(t, catalog.ModeIncremental, copier.last().Mode)
	assert.Equal(t, 2, store.Len())
}

func TestRun_IncrementalWithoutHistoryRunsFull(t *testing.T) {
	copier := &fakeCopier{}
	d, _, _ := setup(t, copier)

	out := d.Run(context.Background(), Host{Name: "h1"}, request(catalog.ModeIncremental))
	require.NoError(t, out.Err)
	assert.True(t, out.Resolution.Downgraded)
	assert.Equal(t, catalog.ModeFull, out.Record.Mode)
	assert.Equal(t, catalog.ModeFull, copier.last().Mode)
}

func TestRun_StartFromFullUsesCopyDest(t *testing.T) {
	copier := &fakeCopier{}
	d, _, clk := setup(t, copier)
	first := d.Run(context.Background(), Host{Name: "h1"}, request(catalog.ModeFull))
	require.NoError(t, first.Err)

	clk.Advance(time.Minute)
	req := request(catalog.ModeFull)
	req.StartFrom = first.Record.ShortID()
	out := d.Run(context.Background(), Host{Name: "h1"}, req)
	require.NoError(t, out.Err)
	assert.Equal(t, first.Record.Path, copier.last().CopyDest)
	assert.Empty(t, copier.last().LinkDest)
}

func TestRun_DryRunLeavesNoTrace(t *testing.T) {
	copier := &fakeCopier{}
	d, store, _ := setup(t, copier)
	req := request(catalog.ModeFull)
	req.DryRun = true
	req.LogFile = true

	out := d.Run(context.Background(), Host{Name: "h1"}, req)
	require.NoError(t, out.Err)
	assert.True(t, out.DryRun)
	assert.Nil(t, out.Record)
	assert.Equal(t, 0, store.Len())
	assert.NoDirExists(t, filepath.Join(store.Root(), "h1"))
	_, err := os.Stat(store.Path())
	assert.True(t, os.IsNotExist(err))

	spec := copier.last()
	assert.True(t, spec.DryRun)
	assert.Empty(t, spec.LogFile)
}

func TestRun_ExitCodes(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		skipError bool
		want      Result
	}{
		{"partial is fatal by default", 23, false, Failed},
		{"partial is a warning under skip_error", 24, true, Warning},
		{"other codes stay fatal", 12, true, Failed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, store, _ := setup(t, &fakeCopier{code: tt.code})
			req := request(catalog.ModeFull)
			req.SkipError = tt.skipError

			out := d.Run(context.Background(), Host{Name: "h1"}, req)
			assert.Equal(t, tt.want, out.Result)
			assert.Equal(t, tt.code, out.ExitCode())
			var failure *CopyFailure
			require.ErrorAs(t, out.Err, &failure)
			assert.Equal(t, tt.code, failure.Code)

			got, err := store.Get(out.Record.ID)
			require.NoError(t, err)
			assert.Equal(t, catalog.Exited(tt.code), got.Status)
			assert.True(t, got.Complete())

			_, err = os.Lstat(filepath.Join(store.Root(), "h1", LastBackupLink))
			assert.Equal(t, tt.want == Failed, os.IsNotExist(err))
		})
	}
}

func TestRun_LaunchFailure(t *testing.T) {
	boom := errors.New("exec: rsync: not found")
	d, store, _ := setup(t, &fakeCopier{code: -1, err: boom})

	out := d.Run(context.Background(), Host{Name: "h1"}, request(catalog.ModeFull))
	assert.Equal(t, Failed, out.Result)
	assert.ErrorIs(t, out.Err, boom)
	assert.Equal(t, 1, out.ExitCode())

	got, err := store.Get(out.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.LaunchFailed(), got.Status)
}

func TestRun_UnreachableHost(t *testing.T) {
	copier := &fakeCopier{}
	unreachable := func(context.Context, string, int) error { return errors.New("connection refused") }
	d, store, _ := setup(t, copier, WithProbe(unreachable))

	out := d.Run(context.Background(), Host{Name: "web-1"}, request(catalog.ModeFull))
	assert.Equal(t, Failed, out.Result)
	assert.Nil(t, out.Record)
	assert.Equal(t, 0, store.Len())
	assert.Empty(t, copier.specs)

	// Local hosts are never probed and use plain paths.
	out = d.Run(context.Background(), Host{Name: "localhost", User: "root"}, request(catalog.ModeFull))
	require.NoError(t, out.Err)
	assert.Equal(t, []string{"/home", "/etc"}, copier.last().Sources)
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	copier := &fakeCopier{}
	d, store, _ := setup(t, copier)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := d.Run(ctx, Host{Name: "h1"}, request(catalog.ModeFull))
	assert.Equal(t, Skipped, out.Result)
	assert.Equal(t, 0, store.Len())
	assert.Empty(t, copier.specs)
}

func TestRun_BaselineNotFound(t *testing.T) {
	d, store, _ := setup(t, &fakeCopier{})
	req := request(catalog.ModeIncremental)
	req.StartFrom = "01234567"

	out := d.Run(context.Background(), Host{Name: "h1"}, req)
	assert.Equal(t, Failed, out.Result)
	assert.Equal(t, 0, store.Len())
}

func TestSourcePaths(t *testing.T) {
	assert.Equal(t, []string{"/"}, SourcePaths(catalog.OSUnix, []string{"user", "System"}))
	assert.Equal(t, []string{"/cygdrive/c"}, SourcePaths(catalog.OSWindows, []string{"system"}))
	assert.Equal(t, []string{"/Users", "/srv/data"}, SourcePaths(catalog.OSMacOS, []string{"user", "/srv/data"}))
	assert.Equal(t, []string{"/cygdrive/c/Program Files"}, SourcePaths(catalog.OSWindows, []string{"Application"}))
}

func TestAliasFor(t *testing.T) {
	alias, ok := AliasFor(catalog.OSMacOS, "etc")
	require.True(t, ok)
	assert.Equal(t, AliasConfig, alias)

	alias, ok = AliasFor(catalog.OSWindows, "Program Files/")
	require.True(t, ok)
	assert.Equal(t, AliasApplication, alias)

	_, ok = AliasFor(catalog.OSUnix, "srv")
	assert.False(t, ok)
}

func TestOutcome_Worse(t *testing.T) {
	ok := Outcome{Result: Succeeded}
	warn := Outcome{Result: Warning, Code: 24}
	fatal := Outcome{Result: Failed, Code: 12}
	launch := Outcome{Result: Failed, Code: -1}

	assert.True(t, warn.Worse(ok))
	assert.True(t, fatal.Worse(warn))
	assert.True(t, fatal.Worse(launch))
	assert.False(t, ok.Worse(ok))
}

func collect(s *catalog.Store, f catalog.Filter) []catalog.Record {
	var out []catalog.Record
	for r := range s.Query(f) {
		out = append(out, r)
	}
	return out
}

func TestRun_SameSecondJobsGetDistinctDirectories(t *testing.T) {
	copier := &fakeCopier{}
	d, store, _ := setup(t, copier)
	host := Host{Name: "h1"}

	full := d.Run(context.Background(), host, request(catalog.ModeFull))
	require.NoError(t, full.Err)
	incr := d.Run(context.Background(), host, request(catalog.ModeIncremental))
	require.NoError(t, incr.Err)

	stamp := filepath.Join(store.Root(), "h1", t0.Format(DefaultTimestampFormat))
	assert.Equal(t, stamp, full.Record.Path)
	assert.Equal(t, stamp+"_"+incr.Record.ID, incr.Record.Path)
	assert.Equal(t, full.Record.Path, copier.last().LinkDest)
	assert.Equal(t, incr.Record.Path, copier.last().Destination)

	// cleaning the older job must leave the newer one intact
	require.NoError(t, os.RemoveAll(full.Record.Path))
	assert.DirExists(t, incr.Record.Path)
}

func TestRun_InvalidHostName(t *testing.T) {
	copier := &fakeCopier{}
	d, store, _ := setup(t, copier)

	for _, name := range []string{"", "..", "../x", "a/b"} {
		out := d.Run(context.Background(), Host{Name: name}, request(catalog.ModeFull))
		assert.Equal(t, Failed, out.Result, name)
		assert.ErrorIs(t, out.Err, catalog.ErrInvalidHost, name)
	}
	assert.Equal(t, 0, store.Len())
	assert.Empty(t, copier.specs)
	assert.NoDirExists(t, filepath.Join(filepath.Dir(store.Root()), "x"))
}

func TestIsAlias(t *testing.T) {
	assert.True(t, IsAlias("user"))
	assert.True(t, IsAlias("System"))
	assert.False(t, IsAlias("/srv/data"))
	assert.False(t, IsAlias("srv"))
}
