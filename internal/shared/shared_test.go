package shared

import (
	"strings"
	"testing"
	"time"
)

func TestHelpers(t *testing.T) {
	t.Run("NormalizeTrackKey", func(t *testing.T) {
		cases := []struct {
			title, artist, want string
		}{
			{"Windowlicker", "Aphex Twin", "windowlicker|aphex twin"},
			{"  Windowlicker  ", "APHEX  TWIN", "windowlicker|aphex twin"},
			{"", "", "|"},
		}
		for _, c := range cases {
			if got := NormalizeTrackKey(c.title, c.artist); got != c.want {
				t.Errorf("NormalizeTrackKey(%q, %q) = %q, want %q", c.title, c.artist, got, c.want)
			}
		}
	})

	t.Run("UTC", func(t *testing.T) {
		if !UTC(time.Time{}).IsZero() {
			t.Error("zero time should pass through unchanged")
		}

		loc := time.FixedZone("PST", -8*3600)
		local := time.Date(2026, 3, 1, 12, 0, 0, 0, loc)
		got := UTC(local)
		if got.Location() != time.UTC {
			t.Errorf("expected UTC location, got %v", got.Location())
		}
		if !got.Equal(local) {
			t.Error("normalization must not change the instant")
		}
	})

	t.Run("GenerateID", func(t *testing.T) {
		a, b := GenerateID(), GenerateID()
		if a == b {
			t.Error("expected unique ids")
		}
		if len(a) != 36 {
			t.Errorf("expected uuid string, got %q", a)
		}
	})

	t.Run("GenerateState", func(t *testing.T) {
		a, err := GenerateState()
		if err != nil {
			t.Fatalf("GenerateState failed: %v", err)
		}
		b, err := GenerateState()
		if err != nil {
			t.Fatalf("GenerateState failed: %v", err)
		}
		if a == b {
			t.Error("expected unique state tokens")
		}
		if len(a) != 32 {
			t.Errorf("expected 32 hex chars, got %d", len(a))
		}
	})

	t.Run("MarshalJSON", func(t *testing.T) {
		data, err := MarshalJSON(map[string]int{"n": 1}, false)
		if err != nil {
			t.Fatalf("MarshalJSON failed: %v", err)
		}
		if string(data) != `{"n":1}` {
			t.Errorf("unexpected compact output %s", data)
		}

		pretty, err := MarshalJSON(map[string]int{"n": 1}, true)
		if err != nil {
			t.Fatalf("MarshalJSON failed: %v", err)
		}
		if !strings.Contains(string(pretty), "\n") {
			t.Errorf("expected indented output, got %s", pretty)
		}
	})
}
