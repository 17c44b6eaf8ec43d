package main

import (
	"github.com/spf13/cobra"

	"github.com/lyndonlyu/freemark/internal/plan"
)

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove XOVI and everything installed with it",
	Long: "Takes a backup, deactivates the xochitl overlay, and removes the\n" +
		"framework, launcher, and optional components from the device.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()
		return eng.execute(ctx, plan.Uninstall, plan.Options{})
	},
}

func init() {
	rootCmd.AddCommand(uninstallCmd)
}
