package progress

import "fmt"

// FormatEvent renders one event as a single console line.
func FormatEvent(e Event) string {
	line := fmt.Sprintf("[%d/%d] %s: %s", e.Ordinal+1, e.Total, e.Stage, e.Status)
	if e.Message != "" {
		line += " " + e.Message
	}
	return line
}
