package alerts

import (
	"fmt"
	"strings"
	"time"

	"adzanbot/pkg/prayertime"
)

const (
	LangEnglish    = "en"
	LangIndonesian = "id"
)

var indonesianNames = [prayertime.NumPrayers]string{"Subuh", "Dzuhur", "Ashar", "Maghrib", "Isya"}

// PrayerName is the display name of p in lang.
func PrayerName(lang string, p prayertime.Prayer) string {
	if normLang(lang) == LangIndonesian && p.Valid() {
		return indonesianNames[p]
	}
	return p.Title()
}

// Text builds the alert title and body. at must already be in the display
// timezone.
func Text(lang string, p prayertime.Prayer, at time.Time, place string) (title, body string) {
	name := PrayerName(lang, p)
	clock := at.Format(prayertime.Clock)
	place = strings.TrimSpace(place)
	switch normLang(lang) {
	case LangIndonesian:
		title = "Waktu " + name
		body = fmt.Sprintf("Sudah masuk waktu %s (%s)", name, clock)
		if place != "" {
			body += " untuk wilayah " + place
		}
	default:
		title = name + " prayer time"
		body = fmt.Sprintf("It is time for %s (%s)", name, clock)
		if place != "" {
			body += " in " + place
		}
	}
	return title, body + "."
}

func normLang(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "id", "id-id", "in", "indonesian":
		return LangIndonesian
	default:
		return LangEnglish
	}
}
