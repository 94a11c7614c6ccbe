// Package transport carries the accessory protocol over TCP.
//
// A connection starts as plain HTTP/1.1. Once Pair-Verify completes the
// connection is upgraded and every byte in either direction travels in
// encrypted frames:
//
//	┌────────────────────────────────────────────┐
//	│ HTTP/1.1 requests, responses, EVENT/1.0    │
//	├────────────────────────────────────────────┤
//	│ len (2B LE) │ ChaCha20-Poly1305(≤1024) │ tag│
//	├────────────────────────────────────────────┤
//	│                    TCP                     │
//	└────────────────────────────────────────────┘
//
// The length prefix is the AEAD additional data and the nonce is a 64-bit
// little-endian counter per direction. A frame that fails authentication
// ends the connection: ErrReplayDetected when it repeats a recently
// accepted frame, ErrSessionCorrupted otherwise.
package transport
