// Package session tracks accessory-protocol sessions.
//
// A Session follows one connection through its phases:
//
//	Unpaired ──M1──▶ PairSetupInProgress ──M5/M6──▶ PairSetupComplete
//	    │                    │ M3 fails                     │
//	    │                    ▼                              │
//	    │                Unpaired                           │
//	    └──────────── verify M1 ────▶ PairVerifyInProgress ◀┘
//	                                        │ M3/M4
//	                                        ▼
//	                                     Verified
//
// Any phase may move to Closed. Only Verified sessions may touch the
// accessory database or receive events. The Manager owns every live
// session and closes them when their controller is removed.
package session
