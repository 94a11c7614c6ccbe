// Package log captures a machine-readable trace of the accessory protocol.
//
// Operational logging goes through slog. This package is separate: it
// records every transport frame, HTTP exchange, session transition and
// pin change as an Event so a session can be replayed offline with
// `hearthd log view`.
//
//	// Console during development
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// File capture
//	cfg.ProtocolLogger, _ = log.NewFileLogger("/var/log/hearthd/hap.hlog")
//
// Files are a stream of CBOR-encoded events (.hlog). Pairing bodies are
// never recorded because they carry key material.
package log
