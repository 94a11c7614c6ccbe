package discovery

import (
	"crypto/sha512"
	"encoding/base64"
)

// SetupHash is the sh value: the first four bytes of
// SHA-512(setupID || deviceID), base64 encoded.
func SetupHash(setupID, deviceID string) string {
	sum := sha512.Sum512([]byte(setupID + deviceID))
	return base64.StdEncoding.EncodeToString(sum[:4])
}

// ValidSetupID reports whether id is four characters of 0-9 or A-Z.
func ValidSetupID(id string) bool {
	if len(id) != SetupIDLength {
		return false
	}
	for _, c := range id {
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}
