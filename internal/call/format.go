package call

import (
	"fmt"
	"time"
)

// FormatDuration renders a call duration as mm:ss, or hh:mm:ss from one
// hour on.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	h, m, s := total/3600, (total/60)%60, total%60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// FormatSeconds is FormatDuration for a whole-second count.
func FormatSeconds(n int) string {
	return FormatDuration(time.Duration(n) * time.Second)
}
