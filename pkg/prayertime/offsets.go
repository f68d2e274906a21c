package prayertime

import (
	"fmt"
	"time"
)

const (
	MinOffsetMinutes = -60
	MaxOffsetMinutes = 60
)

// OffsetSet holds user adjustments in whole minutes per prayer.
type OffsetSet struct {
	Fajr    int `json:"fajr" yaml:"fajr"`
	Dhuhr   int `json:"dhuhr" yaml:"dhuhr"`
	Asr     int `json:"asr" yaml:"asr"`
	Maghrib int `json:"maghrib" yaml:"maghrib"`
	Isha    int `json:"isha" yaml:"isha"`
}

func (o OffsetSet) Minutes(p Prayer) int {
	switch p {
	case Fajr:
		return o.Fajr
	case Dhuhr:
		return o.Dhuhr
	case Asr:
		return o.Asr
	case Maghrib:
		return o.Maghrib
	case Isha:
		return o.Isha
	}
	return 0
}

// With returns a copy of o with p set to minutes.
func (o OffsetSet) With(p Prayer, minutes int) OffsetSet {
	switch p {
	case Fajr:
		o.Fajr = minutes
	case Dhuhr:
		o.Dhuhr = minutes
	case Asr:
		o.Asr = minutes
	case Maghrib:
		o.Maghrib = minutes
	case Isha:
		o.Isha = minutes
	}
	return o
}

func (o OffsetSet) IsZero() bool { return o == OffsetSet{} }

// Validate checks every offset against [MinOffsetMinutes, MaxOffsetMinutes].
func (o OffsetSet) Validate() error {
	for _, p := range Prayers {
		m := o.Minutes(p)
		if m < MinOffsetMinutes || m > MaxOffsetMinutes {
			return fmt.Errorf("%w: %s offset %d outside [%d,%d]",
				ErrInvalidOffsetConfiguration, p, m, MinOffsetMinutes, MaxOffsetMinutes)
		}
	}
	return nil
}

// ApplyOffsets returns set shifted by o. The input is not modified. It fails
// with ErrInvalidOffsetConfiguration when an offset is out of range or the
// shifted times are no longer strictly increasing.
func ApplyOffsets(set PrayerTimeSet, o OffsetSet) (PrayerTimeSet, error) {
	if err := o.Validate(); err != nil {
		return PrayerTimeSet{}, err
	}
	out := set
	for _, p := range Prayers {
		out.Times[p] = set.Times[p].Add(time.Duration(o.Minutes(p)) * time.Minute)
	}
	if err := out.CheckOrder(); err != nil {
		return PrayerTimeSet{}, fmt.Errorf("%w: %v", ErrInvalidOffsetConfiguration, err)
	}
	return out, nil
}
