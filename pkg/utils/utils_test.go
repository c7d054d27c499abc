package utils

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateConnectionID(t *testing.T) {
	id1 := GenerateConnectionID(MediaConnPrefix)
	id2 := GenerateConnectionID(MediaConnPrefix)

	if id1 == id2 {
		t.Error("expected different IDs")
	}
	if !strings.HasPrefix(id1, "mc_") {
		t.Errorf("expected prefix 'mc_', got %s", id1)
	}
	if !strings.HasPrefix(GenerateConnectionID(DataConnPrefix), "dc_") {
		t.Error("expected data connection prefix 'dc_'")
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"normal string", "hello", "hello"},
		{"with control chars", "hello\x00world", "helloworld"},
		{"with newline", "hello\nworld", "hello\nworld"},
		{"with whitespace", "  hello  ", "hello"},
		{"only whitespace", " \t ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SanitizeString(tt.input)
			if result != tt.expected {
				t.Errorf("SanitizeString(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"short string", "hello", 10, "hello"},
		{"long string", "hello world", 5, "he..."},
		{"very short max", "hello", 2, "he"},
		{"exact length", "hello", 5, "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := TruncateString(tt.input, tt.maxLen)
			if result != tt.expected {
				t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, result, tt.expected)
			}
		})
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("0f3c2a9e-1111-2222"); got != "0f3c2a9e" {
		t.Errorf("ShortID() = %q", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Errorf("ShortID() = %q", got)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{100 * time.Millisecond, "100ms"},
		{2 * time.Second, "2.00s"},
		{2*time.Minute + 30*time.Second, "2m30s"},
		{2*time.Hour + 30*time.Minute, "2h30m"},
	}

	for _, tt := range tests {
		t.Run(tt.duration.String(), func(t *testing.T) {
			if result := FormatDuration(tt.duration); result != tt.expected {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.duration, result, tt.expected)
			}
		})
	}
}

func TestManualClock_FiresInDeadlineOrder(t *testing.T) {
	start := time.Unix(1700000000, 0)
	clock := NewManualClock(start)

	var fired []string
	clock.AfterFunc(3*time.Second, func() { fired = append(fired, "late") })
	clock.AfterFunc(time.Second, func() { fired = append(fired, "early") })
	clock.AfterFunc(10*time.Second, func() { fired = append(fired, "never") })

	clock.Advance(5 * time.Second)

	if len(fired) != 2 || fired[0] != "early" || fired[1] != "late" {
		t.Fatalf("fired = %v, want [early late]", fired)
	}
	if got := clock.Now(); !got.Equal(start.Add(5 * time.Second)) {
		t.Errorf("Now() = %v, want start+5s", got)
	}
	if clock.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", clock.Pending())
	}
}

func TestManualClock_Stop(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	fired := false
	timer := clock.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("first Stop should report true")
	}
	if timer.Stop() {
		t.Error("second Stop should report false")
	}
	clock.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestManualClock_CallbackCanSchedule(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		clock.AfterFunc(time.Second, tick)
	}
	clock.AfterFunc(time.Second, tick)

	clock.Advance(3 * time.Second)
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}
