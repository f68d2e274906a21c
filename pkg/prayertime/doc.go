// Package prayertime computes the five daily prayer times from a location and
// a calendar date.
//
// The package is pure: no I/O, no clocks, no hidden state. It holds:
//   - Compute: the solar-position calculator (hour-angle equations, twilight
//     angles, Asr shadow rule, high-latitude fallbacks)
//   - Registry: the immutable set of calculation conventions
//   - Resolve: median consensus across several computed sets
//   - ApplyOffsets: per-prayer manual minute offsets
//   - Detector: significant location change (great-circle distance)
//
// Instants keep sub-minute precision. Rounding to whole minutes happens only
// in Minute and Format.
package prayertime
