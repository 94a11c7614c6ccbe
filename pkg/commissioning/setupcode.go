package commissioning

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Setup code constants.
const (
	// SetupCodeLength is the number of digits in a setup code.
	SetupCodeLength = 8

	// SetupCodeMax is the maximum setup code value (99999999).
	SetupCodeMax = 99999999
)

// ErrInvalidSetupCode is returned for malformed setup codes.
var ErrInvalidSetupCode = errors.New("invalid setup code")

// trivialCodes are rejected by controllers that enforce code strength.
var trivialCodes = map[SetupCode]bool{
	0: true, 11111111: true, 22222222: true, 33333333: true, 44444444: true,
	55555555: true, 66666666: true, 77777777: true, 88888888: true,
	99999999: true, 12345678: true, 87654321: true,
}

// SetupCode represents an 8-digit setup code.
type SetupCode uint32

// GenerateSetupCode generates a random, non-trivial setup code.
func GenerateSetupCode() (SetupCode, error) {
	max := big.NewInt(SetupCodeMax + 1)
	for {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return 0, fmt.Errorf("failed to generate random setup code: %w", err)
		}
		if sc := SetupCode(n.Uint64()); !sc.IsTrivial() {
			return sc, nil
		}
	}
}

// ParseSetupCode parses "12345678" or "123-45-678".
func ParseSetupCode(s string) (SetupCode, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	if len(s) != SetupCodeLength {
		return 0, fmt.Errorf("%w: must be %d digits", ErrInvalidSetupCode, SetupCodeLength)
	}

	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidSetupCode, err)
	}

	return SetupCode(n), nil
}

// MustParseSetupCode parses a setup code string and panics on error.
// Use only in tests or when the setup code is known to be valid.
func MustParseSetupCode(s string) SetupCode {
	sc, err := ParseSetupCode(s)
	if err != nil {
		panic(err)
	}
	return sc
}

// String returns the setup code as an 8-digit string with leading zeros.
func (sc SetupCode) String() string {
	return fmt.Sprintf("%08d", uint32(sc))
}

// Formatted returns the code as XXX-XX-XXX, the form shown to the operator.
func (sc SetupCode) Formatted() string {
	s := sc.String()
	return s[:3] + "-" + s[3:5] + "-" + s[5:]
}

// Password returns the SRP password bytes.
func (sc SetupCode) Password() []byte {
	return []byte(sc.Formatted())
}

// IsTrivial reports codes that controllers may refuse.
func (sc SetupCode) IsTrivial() bool {
	return trivialCodes[sc]
}

// Validate checks the code range.
func (sc SetupCode) Validate() error {
	if sc > SetupCodeMax {
		return fmt.Errorf("%w: exceeds maximum value", ErrInvalidSetupCode)
	}
	return nil
}
