// Package commissioning implements accessory pairing: Pair-Setup, which
// establishes long-term trust from the 8-digit setup code, and Pair-Verify,
// which derives fresh transport keys for every connection.
//
// Both exchanges are explicit state machines. A SetupServer or VerifyServer
// is advanced one message at a time by Handle, which takes the decoded TLV8
// request and returns the TLV8 response to send. The machines never touch a
// network connection, so they can be driven directly from tests. SetupClient
// and VerifyClient implement the controller side of the same exchanges.
//
// # Pair-Setup
//
//	M1 controller -> accessory   State=1, Method
//	M2 accessory  -> controller  State=2, Salt, PublicKey (SRP B)
//	M3 controller -> accessory   State=3, PublicKey (SRP A), Proof
//	M4 accessory  -> controller  State=4, Proof
//	M5 controller -> accessory   State=5, EncryptedData {Identifier, PublicKey, Signature}
//	M6 accessory  -> controller  State=6, EncryptedData {Identifier, PublicKey, Signature}
//
// SRP-6a runs over the 3072-bit group with SHA-512 and the password formatted
// as XXX-XX-XXX. Sub-keys are derived with HKDF-SHA512 and sealed with
// ChaCha20-Poly1305.
//
// # Pair-Verify
//
//	M1 controller -> accessory   State=1, PublicKey (X25519)
//	M2 accessory  -> controller  State=2, PublicKey, EncryptedData {Identifier, Signature}
//	M3 controller -> accessory   State=3, EncryptedData {Identifier, Signature}
//	M4 accessory  -> controller  State=4
//
// On success both sides derive one key per direction for the encrypted
// transport.
package commissioning
