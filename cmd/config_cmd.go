package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kebairia/rbackup/internal/retention"
)

var assumeYes bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Maintain the backup catalog",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Empty the catalog, keeping the backup data",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		om, err := newManager(cmd)
		if err != nil {
			return err
		}
		return om.InitCatalog(assumeYes)
	},
}

var configPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop records whose backup directory no longer exists",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		om, err := newManager(cmd)
		if err != nil {
			return err
		}
		_, err = om.Prune()
		return err
	},
}

var configCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Fill defaults into incomplete catalog sections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		om, err := newManager(cmd)
		if err != nil {
			return err
		}
		_, err = om.Clean()
		return err
	},
}

var configDeleteHostCmd = &cobra.Command{
	Use:   "delete-host HOST",
	Short: "Delete every backup of a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		om, err := newManager(cmd)
		if err != nil {
			return err
		}
		ids, err := om.DeleteHost(args[0], assumeYes)
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d backups of %s\n", len(ids), args[0])
		return err
	},
}

var configVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Report records whose backup directory is missing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		om, err := newManager(cmd)
		if err != nil {
			return err
		}
		broken, err := om.Verify()
		if err != nil {
			return err
		}
		if len(broken) > 0 {
			return &exitError{code: 1}
		}
		return nil
	},
}

var configRetentionCmd = &cobra.Command{
	Use:   "retention DAYS,MIN",
	Short: "Clean backups older than DAYS, keeping at least MIN per host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, minCount, err := parseRetention(args[0])
		if err != nil {
			return err
		}
		om, err := newManager(cmd)
		if err != nil {
			return err
		}
		ids, err := om.ApplyRetention(cmd.Context(), retention.Rule{Days: days, MinCount: minCount})
		for _, id := range ids {
			fmt.Fprintf(cmd.OutOrStdout(), "cleaned %s\n", id)
		}
		return err
	},
}

func init() {
	configCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")
	configCmd.AddCommand(
		configInitCmd,
		configPruneCmd,
		configCleanCmd,
		configDeleteHostCmd,
		configVerifyCmd,
		configRetentionCmd,
	)
}
