package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kebairia/rbackup/internal/operations"
)

var exportOpts operations.ExportOptions

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Copy one backup, or the whole root, elsewhere",
	RunE: func(cmd *cobra.Command, args []string) error {
		om, err := newManager(cmd)
		if err != nil {
			return err
		}
		_, err = om.Export(cmd.Context(), exportOpts)
		return err
	},
}

func init() {
	f := exportCmd.Flags()
	f.StringVar(&exportOpts.ID, "id", "", "backup id or its 8-character prefix")
	f.BoolVar(&exportOpts.All, "all", false, "export the whole destination root")
	f.StringVarP(&exportOpts.Destination, "to", "t", "", "export destination")
	f.BoolVar(&exportOpts.Mirror, "mirror", false, "delete destination files missing from the source")
	f.BoolVar(&exportOpts.Cut, "cut", false, "remove the source once exported")
	f.StringSliceVar(&exportOpts.Includes, "include", nil, "only copy matching paths")
	f.StringSliceVar(&exportOpts.Excludes, "exclude", nil, "skip matching paths")
}
