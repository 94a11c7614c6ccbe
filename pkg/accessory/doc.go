// Package accessory is the accessory database the protocol server exposes.
//
// The database is a bridge (aid 1) followed by one accessory per pin. Each
// pin accessory carries an On characteristic bound to the Pin Store; every
// other characteristic is a constant. Model resolves reads and writes
// against the Pin Store, keeps per-session event subscriptions, and fans
// pin changes out to sessions through non-blocking channels.
package accessory
