package operations

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/kebairia/rbackup/internal/catalog"
	"github.com/kebairia/rbackup/internal/rsync"
)

// ListOptions filters the catalog listing.
type ListOptions struct {
	ID          string
	HostPattern string
	// Archived and Cleaned restrict the listing to jobs with the flag set.
	Archived bool
	Cleaned  bool
	// Last keeps the newest job of each host.
	Last    bool
	Oneline bool
}

func (o ListOptions) filter() catalog.Filter {
	f := catalog.Filter{ID: o.ID, HostPattern: o.HostPattern, Last: o.Last}
	if o.Archived {
		f.Archived = catalog.Set
	}
	if o.Cleaned {
		f.Cleaned = catalog.Set
	}
	return f
}

// List prints the jobs matching opts and returns how many it printed.
func (om *OperationManager) List(opts ListOptions) (int, error) {
	f := opts.filter()
	if err := f.Validate(); err != nil {
		return 0, err
	}
	store, err := om.openStore(false)
	if err != nil {
		return 0, err
	}
	now := om.clock.Now()

	if opts.Oneline {
		n := 0
		for r := range store.Query(f) {
			fmt.Fprintf(om.out, "%s %s %s %s\n", r.ShortID(), r.Host, r.Mode, r.Start.Local().Format("2006-01-02 15:04:05"))
			n++
		}
		return n, nil
	}

	tw := tabwriter.NewWriter(om.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tHOST\tMODE\tOS\tSTARTED\tDURATION\tSTATUS\tFLAGS\tPATH")
	n := 0
	for r := range store.Query(f) {
		duration := "-"
		if r.Complete() {
			duration = r.End.Sub(r.Start).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ShortID(),
			r.Host,
			r.Mode,
			r.OS,
			humanize.RelTime(r.Start, now, "ago", "from now"),
			duration,
			r.Status,
			flags(r),
			r.Path,
		)
		n++
	}
	if err := tw.Flush(); err != nil {
		return n, err
	}
	return n, nil
}

func flags(r catalog.Record) string {
	var set []string
	if r.Archived {
		set = append(set, "archived")
	}
	if r.Cleaned {
		set = append(set, "cleaned")
	}
	if len(set) == 0 {
		return "-"
	}
	return strings.Join(set, ",")
}

// Detail prints every field of one job followed by the files it holds.
// Cleaned jobs and compressed archives get no file listing.
func (om *OperationManager) Detail(ctx context.Context, id string) error {
	store, err := om.openStore(false)
	if err != nil {
		return err
	}
	r, err := store.Lookup(id)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(om.out, 0, 0, 1, ' ', 0)
	rows := [][2]string{
		{"id", r.ID},
		{"host", r.Host},
		{"mode", r.Mode.String()},
		{"os", r.OS.String()},
		{"path", r.Path},
		{"start", r.Start.Local().String()},
		{"end", endString(r)},
		{"age", humanize.RelTime(r.Start, om.clock.Now(), "ago", "from now")},
		{"status", r.Status.String()},
		{"included", strings.Join(r.IncludedPaths, ", ")},
		{"archived", fmt.Sprint(r.Archived)},
		{"cleaned", fmt.Sprint(r.Cleaned)},
	}
	if r.Archived {
		var meta Metadata
		switch err := meta.Load(r.Path + MetadataSuffix); {
		case err == nil:
			rows = append(rows, [2]string{"exported", meta.ExportedAt.Local().String()})
		case !errors.Is(err, fs.ErrNotExist):
			om.log.Warn("unreadable export metadata", "id", r.ID, "error", err.Error())
		}
	}
	for _, row := range rows {
		fmt.Fprintf(tw, "%s:\t%s\n", row[0], row[1])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if r.Cleaned || filepath.Ext(r.Path) == ".zst" {
		return nil
	}

	fmt.Fprintln(om.out)
	spec := rsync.Spec{
		Action:  rsync.ActionList,
		Sources: []string{r.Path + string(filepath.Separator)},
	}
	code, runErr := om.lister.Run(ctx, spec)
	return om.copyFailure(r.Host, code, runErr)
}

func endString(r catalog.Record) string {
	if !r.Complete() {
		return "running"
	}
	return r.End.Local().String()
}
