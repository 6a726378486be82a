package util

import (
	"fmt"
	"time"
)

// RelativeTime renders a timestamp the way the portal's thread list shows
// it: "just now" under a minute, then minutes, hours, days, and a plain
// date beyond a week.
func RelativeTime(at, now time.Time) string {
	elapsed := now.Sub(at)
	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm ago", int(elapsed.Minutes()))
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(elapsed.Hours()))
	case elapsed < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(elapsed.Hours()/24))
	default:
		return at.Format("Jan 2, 2006")
	}
}
