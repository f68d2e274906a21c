package prayertime

import (
	"errors"
	"testing"
)

func TestRegistryGet(t *testing.T) {
	t.Parallel()
	reg := DefaultRegistry()
	tests := []struct {
		id     string
		wantID string
		asr    AsrMethod
	}{
		{id: "MWL", wantID: "MWL", asr: AsrStandard},
		{id: "ummalqura", wantID: "UmmAlQura", asr: AsrStandard},
		{id: " Kemenag ", wantID: "Kemenag", asr: AsrStandard},
		{id: "karachi/hanafi", wantID: "Karachi/hanafi", asr: AsrHanafi},
		{id: "Turkey/standard", wantID: "Turkey", asr: AsrStandard},
	}
	for _, tt := range tests {
		c, err := reg.Get(tt.id)
		if err != nil {
			t.Fatalf("Get(%q) error: %v", tt.id, err)
		}
		if c.ID != tt.wantID || c.Asr != tt.asr {
			t.Fatalf("Get(%q) = %s/%s, want %s/%s", tt.id, c.ID, c.Asr, tt.wantID, tt.asr)
		}
	}
	for _, id := range []string{"", "Jafari", "MWL/shia"} {
		if _, err := reg.Get(id); !errors.Is(err, ErrUnknownConvention) {
			t.Fatalf("Get(%q) error = %v, want ErrUnknownConvention", id, err)
		}
	}
}

func TestRegistryListIsStableCopy(t *testing.T) {
	t.Parallel()
	reg := DefaultRegistry()
	a := reg.List()
	if len(a) == 0 || a[0] != DefaultConventionID {
		t.Fatalf("List()[0] = %v, want %s", a, DefaultConventionID)
	}
	a[0] = "mutated"
	b := reg.List()
	if b[0] != DefaultConventionID {
		t.Fatalf("List returned shared slice")
	}
	for _, id := range b {
		c, err := reg.Get(id)
		if err != nil {
			t.Fatalf("Get(%q) error: %v", id, err)
		}
		if err := c.validate(); err != nil {
			t.Fatalf("registered %s invalid: %v", id, err)
		}
	}
}

func TestNewRegistryPanicsOnDuplicate(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatalf("NewRegistry did not panic")
		}
	}()
	c := Convention{ID: "X", FajrAngle: 18, IshaAngle: 17}
	NewRegistry(c, Convention{ID: "x", FajrAngle: 18, IshaAngle: 17})
}

func TestParsePrayer(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Prayer{"fajr": Fajr, "Subuh": Fajr, "DZUHUR": Dhuhr, "ashar": Asr, "maghrib": Maghrib, "isya": Isha} {
		got, err := ParsePrayer(in)
		if err != nil || got != want {
			t.Fatalf("ParsePrayer(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParsePrayer("tahajjud"); !errors.Is(err, ErrUnknownPrayer) {
		t.Fatalf("ParsePrayer(tahajjud) error = %v", err)
	}
}

func TestRegistryGetOrDefault(t *testing.T) {
	t.Parallel()
	c, err := DefaultRegistry().GetOrDefault("Atlantis")
	if !errors.Is(err, ErrUnknownConvention) {
		t.Fatalf("GetOrDefault error = %v, want ErrUnknownConvention", err)
	}
	if c.ID != DefaultConventionID {
		t.Fatalf("fallback = %s, want %s", c.ID, DefaultConventionID)
	}
	c, err = DefaultRegistry().GetOrDefault("egypt")
	if err != nil || c.ID != "Egypt" {
		t.Fatalf("GetOrDefault(egypt) = %s, %v", c.ID, err)
	}
}
