package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// FormatUntil renders the span between now and target the way schedule
// confirmations read it: "2d 3h 4m", "45m", "in the past".
func FormatUntil(now, target time.Time) string {
	d := target.Sub(now)
	if d <= 0 {
		return "in the past"
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	parts := make([]string, 0, 3)
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	return strings.Join(parts, " ")
}
