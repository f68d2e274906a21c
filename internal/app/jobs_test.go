package app

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"adzanbot/internal/task/engine"
	"adzanbot/pkg/prayertime"
)

func TestPermanentMarksConfigErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("compute: %w", prayertime.ErrInvalidCoordinates), true},
		{prayertime.ErrUnknownConvention, true},
		{prayertime.ErrInvalidOffsetConfiguration, true},
		{context.DeadlineExceeded, false},
		{errors.New("store closed"), false},
	}
	for _, tc := range cases {
		got := permanent(tc.err)
		if engine.IsNoRetry(got) != tc.want {
			t.Fatalf("permanent(%v) no-retry = %v, want %v", tc.err, !tc.want, tc.want)
		}
		if !errors.Is(got, tc.err) {
			t.Fatalf("permanent(%v) lost the cause", tc.err)
		}
	}
	if permanent(nil) != nil {
		t.Fatalf("permanent(nil) != nil")
	}
}
