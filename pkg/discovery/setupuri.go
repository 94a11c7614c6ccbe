package discovery

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hearthkit/hearthd/pkg/commissioning"
)

// SetupURIPrefix starts every setup payload.
const SetupURIPrefix = "X-HM://"

// setupFlagIP marks an accessory reachable over IP.
const setupFlagIP = 2

// SetupPayload is the decoded content of a setup URI.
type SetupPayload struct {
	Code     commissioning.SetupCode
	Category int
	SetupID  string
}

// SetupURI renders the payload shown as a QR code.
//
// Format: X-HM://<9 base36 digits><setup id>, where the number packs
// version(3) reserved(4) category(8) flags(4) code(27) from high to low bits.
func SetupURI(code commissioning.SetupCode, category int, setupID string) (string, error) {
	if err := code.Validate(); err != nil {
		return "", err
	}
	if !ValidSetupID(setupID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSetupID, setupID)
	}
	var n uint64
	n |= uint64(category&0xff) << 31
	n |= uint64(setupFlagIP) << 27
	n |= uint64(code) & 0x7ffffff

	enc := strings.ToUpper(strconv.FormatUint(n, 36))
	if len(enc) < 9 {
		enc = strings.Repeat("0", 9-len(enc)) + enc
	}
	return SetupURIPrefix + enc + setupID, nil
}

// ParseSetupURI decodes a URI produced by SetupURI.
func ParseSetupURI(uri string) (*SetupPayload, error) {
	rest, ok := strings.CutPrefix(uri, SetupURIPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s prefix", ErrInvalidSetupURI, SetupURIPrefix)
	}
	if len(rest) != 9+SetupIDLength {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSetupURI, len(rest))
	}
	n, err := strconv.ParseUint(strings.ToLower(rest[:9]), 36, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSetupURI, err)
	}
	p := &SetupPayload{
		Code:     commissioning.SetupCode(n & 0x7ffffff),
		Category: int(n>>31) & 0xff,
		SetupID:  rest[9:],
	}
	if !ValidSetupID(p.SetupID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSetupID, p.SetupID)
	}
	return p, nil
}
