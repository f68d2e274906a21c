package prayertime

import (
	"fmt"
	"strings"
)

// AsrMethod selects the shadow-length rule for Asr.
type AsrMethod int

const (
	AsrStandard AsrMethod = iota // shadow = object length + noon shadow
	AsrHanafi                    // shadow = 2x object length + noon shadow
)

func (m AsrMethod) String() string {
	if m == AsrHanafi {
		return "hanafi"
	}
	return "standard"
}

func (m AsrMethod) shadowFactor() float64 {
	if m == AsrHanafi {
		return 2
	}
	return 1
}

// ParseAsrMethod maps "" and "standard"/"shafii" to AsrStandard and "hanafi" to AsrHanafi.
func ParseAsrMethod(s string) (AsrMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard", "shafii", "jumhur":
		return AsrStandard, nil
	case "hanafi":
		return AsrHanafi, nil
	default:
		return AsrStandard, fmt.Errorf("unknown asr method %q (want standard or hanafi)", s)
	}
}

// HighLatitudeRule decides Fajr and Isha when the twilight angle is never
// reached or the twilight interval is longer than a portion of the night.
type HighLatitudeRule int

const (
	MiddleOfNight HighLatitudeRule = iota
	SeventhOfNight
	TwilightAngle
)

func (r HighLatitudeRule) String() string {
	switch r {
	case SeventhOfNight:
		return "seventh_of_night"
	case TwilightAngle:
		return "twilight_angle"
	default:
		return "middle_of_night"
	}
}

// nightPortion is the fraction of the night (sunset to sunrise) allowed
// between the twilight event and sunset/sunrise.
func (r HighLatitudeRule) nightPortion(angle float64) float64 {
	switch r {
	case SeventhOfNight:
		return 1.0 / 7.0
	case TwilightAngle:
		return angle / 60.0
	default:
		return 0.5
	}
}

// Convention is a named, immutable set of calculation parameters.
type Convention struct {
	ID          string
	Name        string
	FajrAngle   float64 // degrees below the horizon
	IshaAngle   float64 // degrees below the horizon; unused when IshaMinutes > 0
	IshaMinutes float64 // fixed interval after Maghrib; 0 means angle-based
	Asr         AsrMethod
	HighLat     HighLatitudeRule

	// Margins are per-prayer safety minutes (ihtiyat) added to the raw times.
	Margins [NumPrayers]float64
}

// WithAsrMethod derives a variant using m. The variant id carries the method so
// cache keys never mix the two rules.
func (c Convention) WithAsrMethod(m AsrMethod) Convention {
	if c.Asr == m {
		return c
	}
	base := c.ID
	if i := strings.IndexByte(base, '/'); i >= 0 {
		base = base[:i]
	}
	c.Asr = m
	c.ID = base
	if m == AsrHanafi {
		c.ID = base + "/" + m.String()
	}
	return c
}

func (c Convention) IshaIsFixed() bool { return c.IshaMinutes > 0 }

func (c Convention) validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("convention id required")
	}
	if c.FajrAngle <= 0 || c.FajrAngle > 30 {
		return fmt.Errorf("convention %s: fajr angle %v outside (0,30]", c.ID, c.FajrAngle)
	}
	if c.IshaIsFixed() {
		if c.IshaMinutes > 180 {
			return fmt.Errorf("convention %s: isha minutes %v too large", c.ID, c.IshaMinutes)
		}
	} else if c.IshaAngle <= 0 || c.IshaAngle > 30 {
		return fmt.Errorf("convention %s: isha angle %v outside (0,30]", c.ID, c.IshaAngle)
	}
	if c.Asr != AsrStandard && c.Asr != AsrHanafi {
		return fmt.Errorf("convention %s: invalid asr method", c.ID)
	}
	if c.HighLat < MiddleOfNight || c.HighLat > TwilightAngle {
		return fmt.Errorf("convention %s: invalid high latitude rule", c.ID)
	}
	for p, m := range c.Margins {
		if m < -10 || m > 10 {
			return fmt.Errorf("convention %s: %s margin %v outside [-10,10]", c.ID, Prayer(p), m)
		}
	}
	// Near the polar fallback the twilight interval after sunset shrinks to a
	// few minutes, so Isha must never be pulled back relative to Maghrib.
	if !c.IshaIsFixed() && c.Margins[Isha] < c.Margins[Maghrib] {
		return fmt.Errorf("convention %s: isha margin below maghrib margin", c.ID)
	}
	return nil
}

// DefaultConventionID is used when a configured id is unknown.
const DefaultConventionID = "MWL"

// Registry is the process-wide, read-only convention table.
type Registry struct {
	order []string
	byKey map[string]Convention
}

// NewRegistry builds a registry and panics on an invalid or duplicate entry:
// conventions are code, not data.
func NewRegistry(conventions ...Convention) *Registry {
	r := &Registry{byKey: make(map[string]Convention, len(conventions))}
	for _, c := range conventions {
		if err := c.validate(); err != nil {
			panic("prayertime: " + err.Error())
		}
		k := strings.ToLower(c.ID)
		if _, dup := r.byKey[k]; dup {
			panic("prayertime: duplicate convention " + c.ID)
		}
		r.byKey[k] = c
		r.order = append(r.order, c.ID)
	}
	return r
}

// Get looks up a convention by id, case-insensitively. A "/hanafi" suffix
// selects the Hanafi Asr variant of the base convention.
func (r *Registry) Get(id string) (Convention, error) {
	k := strings.ToLower(strings.TrimSpace(id))
	base, variant, _ := strings.Cut(k, "/")
	c, ok := r.byKey[base]
	if !ok {
		return Convention{}, fmt.Errorf("%w: %q", ErrUnknownConvention, id)
	}
	switch variant {
	case "":
		return c, nil
	case "hanafi":
		return c.WithAsrMethod(AsrHanafi), nil
	case "standard":
		return c.WithAsrMethod(AsrStandard), nil
	default:
		return Convention{}, fmt.Errorf("%w: %q", ErrUnknownConvention, id)
	}
}

// List returns ids in registration order. The slice is a fresh copy.
func (r *Registry) List() []string {
	return append([]string(nil), r.order...)
}

var defaultRegistry = NewRegistry(
	Convention{ID: "MWL", Name: "Muslim World League", FajrAngle: 18, IshaAngle: 17, HighLat: MiddleOfNight},
	Convention{ID: "ISNA", Name: "Islamic Society of North America", FajrAngle: 15, IshaAngle: 15, HighLat: MiddleOfNight},
	Convention{ID: "Egypt", Name: "Egyptian General Authority of Survey", FajrAngle: 19.5, IshaAngle: 17.5, HighLat: MiddleOfNight},
	Convention{ID: "UmmAlQura", Name: "Umm al-Qura University, Makkah", FajrAngle: 18.5, IshaMinutes: 90, HighLat: MiddleOfNight},
	Convention{ID: "Karachi", Name: "University of Islamic Sciences, Karachi", FajrAngle: 18, IshaAngle: 18, HighLat: MiddleOfNight},
	Convention{ID: "Turkey", Name: "Diyanet İşleri Başkanlığı", FajrAngle: 18, IshaAngle: 17, HighLat: SeventhOfNight,
		Margins: [NumPrayers]float64{0, 5, 4, 7, 7}},
	Convention{ID: "Kemenag", Name: "Kementerian Agama Republik Indonesia", FajrAngle: 20, IshaAngle: 18, HighLat: MiddleOfNight,
		Margins: [NumPrayers]float64{2, 2, 2, 2, 2}},
	Convention{ID: "JAKIM", Name: "Jabatan Kemajuan Islam Malaysia", FajrAngle: 20, IshaAngle: 18, HighLat: MiddleOfNight,
		Margins: [NumPrayers]float64{1, 1, 1, 1, 1}},
	Convention{ID: "Singapore", Name: "Majlis Ugama Islam Singapura", FajrAngle: 20, IshaAngle: 18, HighLat: MiddleOfNight,
		Margins: [NumPrayers]float64{0, 1, 0, 0, 0}},
	Convention{ID: "Dubai", Name: "Dubai (UAE)", FajrAngle: 18.2, IshaAngle: 18.2, HighLat: MiddleOfNight,
		Margins: [NumPrayers]float64{0, 3, 3, 3, 3}},
	Convention{ID: "Gulf", Name: "Gulf Region", FajrAngle: 19.5, IshaMinutes: 90, HighLat: MiddleOfNight},
	Convention{ID: "Kuwait", Name: "Kuwait", FajrAngle: 18, IshaAngle: 17.5, HighLat: MiddleOfNight},
	Convention{ID: "Qatar", Name: "Qatar", FajrAngle: 18, IshaMinutes: 90, HighLat: MiddleOfNight},
	Convention{ID: "France", Name: "Union des Organisations Islamiques de France", FajrAngle: 12, IshaAngle: 12, HighLat: TwilightAngle},
)

// DefaultRegistry returns the built-in registry.
func DefaultRegistry() *Registry { return defaultRegistry }

// GetOrDefault is Get with a fallback to DefaultConventionID. When id is
// unknown the default is returned together with the lookup error, which
// callers treat as an advisory.
func (r *Registry) GetOrDefault(id string) (Convention, error) {
	c, err := r.Get(id)
	if err == nil {
		return c, nil
	}
	def, derr := r.Get(DefaultConventionID)
	if derr != nil {
		return Convention{}, err
	}
	return def, err
}
