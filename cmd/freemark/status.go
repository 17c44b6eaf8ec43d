package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lyndonlyu/freemark/internal/statedb"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show device state and component presence",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		fmt.Println(styleBanner.Render(fmt.Sprintf("%s (%s), OS %s",
			eng.profile.Generation, eng.profile.Arch, orUnknown(eng.profile.OSVersion))))
		fmt.Printf("  framework:  %s\n", presence(eng.state.FrameworkInstalled))
		fmt.Printf("  launcher:   %s\n", presence(eng.state.LauncherInstalled))
		fmt.Printf("  koreader:   %s\n", presence(eng.state.ReaderInstalled))
		fmt.Printf("  triple-tap: %s\n", presence(eng.state.TripleTapInstalled))
		fmt.Printf("  overlay:    %s\n", presence(eng.state.OverlayActive))
		if eng.state.FrameworkInstalled {
			fmt.Printf("  extensions: %d\n", eng.state.ExtensionCount)
		}
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStateDB()
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.ListRuns(20)
		if err != nil {
			return err
		}
		fmt.Print(statedb.FormatRunList(runs))
		return nil
	},
}

func presence(ok bool) string {
	if ok {
		return styleSuccess.Render("installed")
	}
	return styleDim.Render("absent")
}

func init() {
	rootCmd.AddCommand(statusCmd, runsCmd)
}
