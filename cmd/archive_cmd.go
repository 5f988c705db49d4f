package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var archiveFlags struct {
	destination string
	days        int
	compress    bool
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Move old backups to an archive location",
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		if f.Changed("to") {
			cfg.Archive.Destination = archiveFlags.destination
		}
		if f.Changed("days") {
			cfg.Archive.Days = archiveFlags.days
		}
		if f.Changed("compress") {
			cfg.Archive.Compress = archiveFlags.compress
		}
		om, err := newManager(cmd)
		if err != nil {
			return err
		}
		ids, err := om.Archive(cmd.Context())
		for _, id := range ids {
			fmt.Fprintf(cmd.OutOrStdout(), "archived %s\n", id)
		}
		return err
	},
}

func init() {
	f := archiveCmd.Flags()
	f.StringVarP(&archiveFlags.destination, "to", "t", "", "archive destination")
	f.IntVar(&archiveFlags.days, "days", 0, "archive backups older than this many days")
	f.BoolVarP(&archiveFlags.compress, "compress", "z", false, "write <name>.tar.zst instead of a copy")
}
