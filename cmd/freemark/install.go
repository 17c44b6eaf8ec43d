package main

import (
	"github.com/spf13/cobra"

	"github.com/lyndonlyu/freemark/internal/plan"
)

var (
	flagWithKOReader  bool
	flagWithTripleTap bool
	flagLauncherOnly  bool
	flagAllowWiFi     bool
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install XOVI and AppLoad on the device",
	Long: "Detects the device generation, takes a verified backup, then installs\n" +
		"the XOVI framework, its extensions, and the AppLoad launcher. A failed\n" +
		"install is rolled back to the backup automatically.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		if flagAllowWiFi {
			eng.cfg.Device.AllowWiFi = true
		}

		intent := plan.InstallFull
		if flagLauncherOnly {
			intent = plan.InstallLauncherOnly
		}
		var opts plan.Options
		if flagWithKOReader {
			opts.Features = append(opts.Features, plan.FeatureReader)
		}
		if flagWithTripleTap {
			opts.Features = append(opts.Features, plan.FeatureTripleTap)
		}

		return eng.execute(ctx, intent, opts)
	},
}

func init() {
	installCmd.Flags().BoolVar(&flagWithKOReader, "with-koreader", false, "also install the KOReader app")
	installCmd.Flags().BoolVar(&flagWithTripleTap, "with-tripletap", false, "also install the triple-tap activation service")
	installCmd.Flags().BoolVar(&flagLauncherOnly, "launcher-only", false, "skip optional apps, install framework and launcher only")
	installCmd.Flags().BoolVar(&flagAllowWiFi, "allow-wifi", false, "permit installing over a Wi-Fi connection")
	rootCmd.AddCommand(installCmd)
}
