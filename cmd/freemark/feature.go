package main

import (
	"github.com/spf13/cobra"

	"github.com/lyndonlyu/freemark/internal/plan"
)

var featureCmd = &cobra.Command{
	Use:   "feature",
	Short: "Manage optional features",
}

var featureEnableCmd = &cobra.Command{
	Use:   "enable [koreader|tripletap]",
	Short: "Enable an optional feature on an installed device",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		var opts plan.Options
		for _, name := range args {
			opts.Features = append(opts.Features, plan.Feature(name))
		}
		return eng.execute(ctx, plan.EnableFeature, opts)
	},
}

func init() {
	featureCmd.AddCommand(featureEnableCmd)
	rootCmd.AddCommand(featureCmd)
}
