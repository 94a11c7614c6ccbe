package commissioning

import (
	"crypto/sha512"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of every derived symmetric key.
const KeySize = chacha20poly1305.KeySize

// HKDF salt/info labels.
const (
	setupEncryptSalt = "Pair-Setup-Encrypt-Salt"
	setupEncryptInfo = "Pair-Setup-Encrypt-Info"

	setupControllerSignSalt = "Pair-Setup-Controller-Sign-Salt"
	setupControllerSignInfo = "Pair-Setup-Controller-Sign-Info"

	setupAccessorySignSalt = "Pair-Setup-Accessory-Sign-Salt"
	setupAccessorySignInfo = "Pair-Setup-Accessory-Sign-Info"

	verifyEncryptSalt = "Pair-Verify-Encrypt-Salt"
	verifyEncryptInfo = "Pair-Verify-Encrypt-Info"

	controlSalt      = "Control-Salt"
	controlReadInfo  = "Control-Read-Encryption-Key"
	controlWriteInfo = "Control-Write-Encryption-Key"
)

// Per-message nonces for the encrypted sub-TLVs.
const (
	nonceSetupM5  = "PS-Msg05"
	nonceSetupM6  = "PS-Msg06"
	nonceVerifyM2 = "PV-Msg02"
	nonceVerifyM3 = "PV-Msg03"
)

// deriveKey runs HKDF-SHA512 and returns a KeySize key.
func deriveKey(secret []byte, salt, info string) ([]byte, error) {
	r := hkdf.New(sha512.New, secret, []byte(salt), []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive %s: %w", info, err)
	}
	return key, nil
}

// namedNonce left-pads a message label to the 12-byte AEAD nonce.
func namedNonce(label string) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	copy(nonce[len(nonce)-len(label):], label)
	return nonce
}

func seal(key []byte, label string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, namedNonce(label), plaintext, nil), nil
}

func open(key []byte, label string, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, namedNonce(label), ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt %s", ErrAuthenticationFailed, label)
	}
	return pt, nil
}

// SessionKeys are the per-direction transport keys produced by Pair-Verify.
type SessionKeys struct {
	// Read decrypts controller-to-accessory traffic on the accessory.
	Read []byte

	// Write encrypts accessory-to-controller traffic on the accessory.
	Write []byte
}

// deriveSessionKeys returns the accessory-side keys. The controller uses them
// swapped.
func deriveSessionKeys(shared []byte) (SessionKeys, error) {
	read, err := deriveKey(shared, controlSalt, controlWriteInfo)
	if err != nil {
		return SessionKeys{}, err
	}
	write, err := deriveKey(shared, controlSalt, controlReadInfo)
	if err != nil {
		return SessionKeys{}, err
	}
	return SessionKeys{Read: read, Write: write}, nil
}

// Swap returns the keys as seen from the other end.
func (k SessionKeys) Swap() SessionKeys {
	return SessionKeys{Read: k.Write, Write: k.Read}
}
