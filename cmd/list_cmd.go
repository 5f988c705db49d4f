package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kebairia/rbackup/internal/operations"
)

var (
	listOpts   operations.ListOptions
	listDetail string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalogued backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		om, err := newManager(cmd)
		if err != nil {
			return err
		}
		if listDetail != "" {
			return om.Detail(cmd.Context(), listDetail)
		}
		_, err = om.List(listOpts)
		return err
	},
}

func init() {
	f := listCmd.Flags()
	f.StringVar(&listOpts.ID, "id", "", "backup id or its 8-character prefix")
	f.StringVarP(&listOpts.HostPattern, "host", "H", "", "host glob, e.g. web-*")
	f.BoolVar(&listOpts.Archived, "archived", false, "only archived backups")
	f.BoolVar(&listOpts.Cleaned, "cleaned", false, "only cleaned backups")
	f.BoolVar(&listOpts.Last, "last", false, "only the newest backup of each host")
	f.BoolVar(&listOpts.Oneline, "oneline", false, "one short line per backup")
	f.StringVar(&listDetail, "detail", "", "show every field and the files of one backup")
}
