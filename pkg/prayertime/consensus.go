package prayertime

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// DisagreementThreshold is the spread from the median at which a prayer's
// confidence reaches zero.
const DisagreementThreshold = 10 * time.Minute

// Resolve merges results computed for the same date and location into one
// set. Each prayer takes the median of its candidates; with an even count the
// earlier of the two middle values wins. Confidence falls linearly from 1 to 0
// as the largest deviation from the median grows to DisagreementThreshold.
//
// A single result is returned unchanged apart from its confidence, which is
// reset to 1.0.
func Resolve(results []PrayerTimeSet) (PrayerTimeSet, error) {
	if len(results) == 0 {
		return PrayerTimeSet{}, ErrEmptyResults
	}
	first := results[0]
	for i, r := range results[1:] {
		if r.Date != first.Date || r.Location != first.Location {
			return PrayerTimeSet{}, fmt.Errorf("%w: #%d is %s@%s, #0 is %s@%s",
				ErrMismatchedResults, i+1, r.Date, r.Location, first.Date, first.Location)
		}
	}

	if len(results) == 1 {
		out := first
		for _, p := range Prayers {
			out.Confidence[p] = 1
		}
		return out, nil
	}

	out := PrayerTimeSet{
		Date:       first.Date,
		Location:   first.Location,
		Convention: mergedConventionID(results),
	}
	candidates := make([]time.Time, len(results))
	for _, p := range Prayers {
		for i, r := range results {
			candidates[i] = r.Times[p]
		}
		med, dev := medianDeviation(candidates)
		out.Times[p] = med
		out.Confidence[p] = confidenceFor(dev)
	}
	for i, r := range results {
		candidates[i] = r.Sunrise
		out.HighLatitude = out.HighLatitude || r.HighLatitude
	}
	out.Sunrise, _ = medianDeviation(candidates)

	if err := out.CheckOrder(); err != nil {
		return PrayerTimeSet{}, fmt.Errorf("resolve %s: %w", out.Convention, err)
	}
	return out, nil
}

// medianDeviation sorts ts in place and returns the lower median and the
// largest absolute distance of any candidate from it.
func medianDeviation(ts []time.Time) (time.Time, time.Duration) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	med := ts[(len(ts)-1)/2]
	lo, hi := med.Sub(ts[0]), ts[len(ts)-1].Sub(med)
	if hi > lo {
		return med, hi
	}
	return med, lo
}

func confidenceFor(dev time.Duration) float64 {
	c := 1 - dev.Minutes()/DisagreementThreshold.Minutes()
	return math.Max(0, math.Min(1, c))
}

// mergedConventionID joins the distinct input ids in sorted order, so the
// merged id does not depend on evaluation order.
func mergedConventionID(results []PrayerTimeSet) string {
	seen := make(map[string]struct{}, len(results))
	ids := make([]string, 0, len(results))
	for _, r := range results {
		if _, ok := seen[r.Convention]; ok {
			continue
		}
		seen[r.Convention] = struct{}{}
		ids = append(ids, r.Convention)
	}
	sort.Strings(ids)
	return strings.Join(ids, "+")
}
