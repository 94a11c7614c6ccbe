// Package pairing persists the accessory's long-term identity and the set of
// paired controllers.
//
// A Store is opened once per process and handed to every component that needs
// it. All mutations are serialized by the store and are durably committed
// before the call returns, so a controller is never told it is paired while the
// record could still be lost in a crash.
//
// On-disk layout (FileBackend):
//
//	<dir>/identity.json              device id + Ed25519 key pair
//	<dir>/meta.json                  configuration number and accessory database hash
//	<dir>/controllers/<hex id>.json  one file per paired controller
//
// The identity is generated only when no identity and no controllers exist.
// An unreadable identity is reported as an error instead of being replaced,
// since a new identity silently invalidates every existing pairing.
package pairing
