// Package discovery advertises the bridge over mDNS/DNS-SD and browses for
// other accessories.
//
// # Service
//
// The bridge registers one instance of _hap._tcp.local. named after the
// configured bridge name. Its TXT record carries:
//
//	c#  configuration number, bumped when the accessory layout changes
//	ff  feature flags (always 0)
//	id  accessory pairing id, "AA:BB:CC:DD:EE:FF"
//	md  model name
//	pv  protocol version (1.1)
//	s#  state number (always 1)
//	sf  status flags, 1 while unpaired and 0 once an admin is paired
//	ci  accessory category identifier
//	sh  setup hash, only when a setup id is configured
//
// Manager keeps the advertisement in step with pairing and layout changes
// and re-announces it periodically.
//
// # Setup URI
//
// SetupURI renders the X-HM:// payload encoded in the pairing QR code.
package discovery
