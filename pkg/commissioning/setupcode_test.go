package commissioning

import (
	"errors"
	"testing"
)

func TestParseSetupCode(t *testing.T) {
	tests := []struct {
		in      string
		want    SetupCode
		wantErr bool
	}{
		{"12345678", 12345678, false},
		{"123-45-678", 12345678, false},
		{" 00000001 ", 1, false},
		{"1234567", 0, true},
		{"1234567a", 0, true},
		{"123456789", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSetupCode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSetupCode(%q) error = %v", tt.in, err)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidSetupCode) {
				t.Errorf("error = %v, want ErrInvalidSetupCode", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSetupCodeFormatting(t *testing.T) {
	sc := MustParseSetupCode("01234567")
	if sc.String() != "01234567" {
		t.Errorf("String = %q", sc.String())
	}
	if sc.Formatted() != "012-34-567" {
		t.Errorf("Formatted = %q", sc.Formatted())
	}
	if string(sc.Password()) != "012-34-567" {
		t.Errorf("Password = %q", sc.Password())
	}
}

func TestGenerateSetupCode(t *testing.T) {
	for i := 0; i < 20; i++ {
		sc, err := GenerateSetupCode()
		if err != nil {
			t.Fatalf("GenerateSetupCode failed: %v", err)
		}
		if sc.IsTrivial() {
			t.Errorf("generated trivial code %s", sc)
		}
		if err := sc.Validate(); err != nil {
			t.Errorf("generated invalid code: %v", err)
		}
	}
	if !MustParseSetupCode("12345678").IsTrivial() {
		t.Error("12345678 should be trivial")
	}
}
