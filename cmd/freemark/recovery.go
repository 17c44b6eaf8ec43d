package main

import (
	"fmt"

	"github.com/charmbracelet/glamour"

	"github.com/lyndonlyu/freemark/internal/device"
	"github.com/lyndonlyu/freemark/internal/runner"
)

// renderRecovery prints manual recovery guidance after a failed rollback.
// The snapshot is still on the device, so recovery is a matter of copying
// it back once the underlying problem (usually the connection) is fixed.
func renderRecovery(res *runner.Result) {
	md := fmt.Sprintf(`# Manual recovery

The run failed and the automatic restore did not complete. Your data is
safe: a verified snapshot of the modified paths was taken before anything
changed.

- Snapshot id: %s
- Snapshot location on device: %s/%s

## Steps

1. Fix the connection (reseat the USB cable, or check the device address).
2. Retry the restore:

   freemark backup restore %s

3. If the device is unreachable over SSH, reboot it by holding the power
   button for 10 seconds. The UI starts without the framework unless the
   systemd override at %s is present.

Stage that failed: %s
Restore error: %v
`,
		res.BackupID, device.BackupRoot, res.BackupID,
		res.BackupID,
		device.OverridePath,
		res.StageErr.Stage, res.RestoreErr)

	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		fmt.Print(md)
		return
	}
	out, err := r.Render(md)
	if err != nil {
		fmt.Print(md)
		return
	}
	fmt.Print(out)
}
