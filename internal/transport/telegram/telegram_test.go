package telegram

import (
	"strings"
	"testing"

	"adzanbot/pkg/logx"
)

func TestSplitText(t *testing.T) {
	t.Parallel()
	line := strings.Repeat("a", 30)
	long := strings.Repeat(line+"\n", 10) // 310 runes

	tests := []struct {
		name  string
		in    string
		limit int
		parts int
	}{
		{"short", "hello", 100, 1},
		{"exact", strings.Repeat("x", 100), 100, 1},
		{"newline split", long, 100, 4},
		{"hard split", strings.Repeat("x", 250), 100, 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := splitText(tc.in, tc.limit)
			if len(got) != tc.parts {
				t.Fatalf("parts = %d, want %d", len(got), tc.parts)
			}
			for _, p := range got {
				if n := len([]rune(p)); n > tc.limit {
					t.Fatalf("chunk of %d runes exceeds limit", n)
				}
			}
		})
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: " "}, logx.Nop()); err == nil {
		t.Fatalf("empty token accepted")
	}
	a, err := New(Config{Token: "123:abc", Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New offline: %v", err)
	}
	if a.cfg.PollTimeout == 0 {
		t.Fatalf("poll timeout default not applied")
	}
}
