package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"adzanbot/internal/alerts"
	"adzanbot/internal/timetable"
	"adzanbot/pkg/prayertime"
)

func displayName(lang string, p prayertime.Prayer) string { return alerts.PrayerName(lang, p) }

// formatView renders a timetable for chat, one prayer per line.
func formatView(v timetable.View) string {
	var b strings.Builder
	place := v.Place
	if place == "" {
		place = fmt.Sprintf("%.4f, %.4f", v.Latitude, v.Longitude)
	}
	fmt.Fprintf(&b, "%s · %s\n", v.Date, place)
	fmt.Fprintf(&b, "method: %s\n\n", v.Convention)
	for _, p := range v.Prayers {
		mark := "  "
		if p.Completed {
			mark = "✓ "
		}
		line := fmt.Sprintf("%s%-8s %s", mark, p.Name, p.Time)
		if p.Next {
			line += "  ← next, " + p.Relative
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if v.Sunrise != "" {
		fmt.Fprintf(&b, "\nsunrise %s\n", v.Sunrise)
	}
	if v.HighLatitude {
		b.WriteString("high-latitude rule applied\n")
	}
	for _, w := range v.Warnings {
		b.WriteString("! " + w + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatNext(p timetable.PrayerView, now time.Time) string {
	return fmt.Sprintf("next: %s at %s (%s)", p.Name, p.Time, humanize.RelTime(p.At, now, "ago", "from now"))
}
