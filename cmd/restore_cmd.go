package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kebairia/rbackup/internal/operations"
)

var restoreOpts operations.RestoreOptions

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a backup onto a host",
	Long: `Restore copies each top-level folder of a backup back to a host. Folders
of known data sets are mapped onto the layout of --os; anything else lands in
restore_<timestamp> under the system root of the target.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		om, err := newManager(cmd)
		if err != nil {
			return err
		}
		_, err = om.Restore(cmd.Context(), restoreOpts)
		return err
	},
}

func init() {
	f := restoreCmd.Flags()
	f.StringVar(&restoreOpts.ID, "id", "", "backup id or its 8-character prefix")
	f.BoolVar(&restoreOpts.Last, "last", false, "restore the newest backup of --host")
	f.StringVarP(&restoreOpts.Host, "host", "H", "", "target host (defaults to the host of the backup)")
	f.StringVar(&restoreOpts.OS, "os", "", "layout of the target: unix, macos or windows")
	f.BoolVar(&restoreOpts.Mirror, "mirror", false, "delete target files missing from the backup")
	f.BoolVarP(&restoreOpts.Yes, "yes", "y", false, "do not ask before each folder")
}
