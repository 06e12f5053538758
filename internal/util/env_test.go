package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"true", false, true},
		{" YES ", false, true},
		{"on", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
		{"maybe", false, false},
	}
	for _, tt := range tests {
		t.Setenv("ALLYGATE_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("ALLYGATE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v): expected %v, got %v", tt.value, tt.def, tt.want, got)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("ALLYGATE_TEST_INT", "")
	if got := ParseIntEnv("ALLYGATE_TEST_INT", 3); got != 3 {
		t.Errorf("expected default 3, got %d", got)
	}
	t.Setenv("ALLYGATE_TEST_INT", " 7 ")
	if got := ParseIntEnv("ALLYGATE_TEST_INT", 3); got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
	t.Setenv("ALLYGATE_TEST_INT", "seven")
	if got := ParseIntEnv("ALLYGATE_TEST_INT", 3); got != 3 {
		t.Errorf("expected default 3 for invalid value, got %d", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("ALLYGATE_TEST_DURATION", "90s")
	if got := ParseDurationEnv("ALLYGATE_TEST_DURATION", time.Minute); got != 90*time.Second {
		t.Errorf("expected 90s, got %v", got)
	}
	t.Setenv("ALLYGATE_TEST_DURATION", "-5m")
	if got := ParseDurationEnv("ALLYGATE_TEST_DURATION", time.Minute); got != time.Minute {
		t.Errorf("expected default for negative duration, got %v", got)
	}
	t.Setenv("ALLYGATE_TEST_DURATION", "soon")
	if got := ParseDurationEnv("ALLYGATE_TEST_DURATION", time.Minute); got != time.Minute {
		t.Errorf("expected default for invalid duration, got %v", got)
	}
}

func TestGetenvDefault(t *testing.T) {
	t.Setenv("ALLYGATE_TEST_STRING", "   ")
	if got := GetenvDefault("ALLYGATE_TEST_STRING", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %q", got)
	}
	t.Setenv("ALLYGATE_TEST_STRING", " value ")
	if got := GetenvDefault("ALLYGATE_TEST_STRING", "fallback"); got != "value" {
		t.Errorf("expected value, got %q", got)
	}
}
