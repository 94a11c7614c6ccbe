package version

import (
	"strings"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		input string
		major uint16
		minor uint16
	}{
		{"1.1", 1, 1},
		{"1.0", 1, 0},
		{"1", 1, 0},
		{"10.23", 10, 23},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tt.input, err)
			}
			if v.Major != tt.major || v.Minor != tt.minor {
				t.Errorf("Parse(%q) = %s, want %d.%d", tt.input, v, tt.major, tt.minor)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, input := range []string{"", "abc", "1.0.0", "1.x", "-1.0", ".1", "1."} {
		t.Run(input, func(t *testing.T) {
			if _, err := Parse(input); err == nil {
				t.Errorf("Parse(%q) should return error", input)
			}
		})
	}
}

func TestCompatible(t *testing.T) {
	v1, _ := Parse("1.0")
	v11, _ := Parse("1.1")
	v2, _ := Parse("2.0")

	if !v1.Compatible(v11) || !v11.Compatible(v1) {
		t.Error("1.0 and 1.1 should be compatible")
	}
	if v1.Compatible(v2) {
		t.Error("1.0 should NOT be compatible with 2.0")
	}
}

func TestSupports(t *testing.T) {
	if !Supports(Protocol) {
		t.Errorf("Supports(%q) = false", Protocol)
	}
	if !Supports("1.0") {
		t.Error("Supports(1.0) = false")
	}
	if Supports("2.0") || Supports("") {
		t.Error("Supports should reject other majors and garbage")
	}
}

func TestString(t *testing.T) {
	s := String()
	if !strings.Contains(s, Version) || !strings.Contains(s, Protocol) {
		t.Errorf("String() = %q, want version and protocol", s)
	}
}
