package utility

import (
	"fmt"
	"math"
	"time"
)

func TimeAgo(t time.Time) string {
	duration := time.Since(t).Round(time.Minute)
	minutes := int(math.Abs(duration.Minutes()))
	if minutes == 0 {
		return "just now"
	} else if minutes == 1 {
		return "1 minute ago"
	} else if minutes < 60 {
		return fmt.Sprintf("%d minutes ago", minutes)
	} else if minutes < 120 {
		return "1 hour ago"
	} else if minutes < 1440 {
		return fmt.Sprintf("%d hours ago", minutes/60)
	} else if minutes < 2880 {
		return "1 day ago"
	} else {
		return fmt.Sprintf("%d days ago", minutes/1440)
	}
}

// TimeStr formats a timestamp for session history and the API, "N/A" for zero
func TimeStr(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}
	return t.Format("2006-01-02 15:04:05")
}

// DurationStr presents a duration as [H]HH:MM:SS
func DurationStr(dur time.Duration) string {
	seconds := int(dur.Seconds())
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds%60)
}

// NextTopOfHour returns a time interval/2 before the next top of the hour
func NextTopOfHour(now time.Time, interval time.Duration) time.Time {
	next := now.Truncate(time.Hour).Add(time.Hour)
	return next.Add(-interval / 2)
}
