// Package service runs the accessory-protocol server of hearthd.
//
// AccessoryServer ties the lower layers together:
//   - transport accepts TCP connections and frames HTTP/1.1 over them,
//     encrypted once Pair-Verify completes
//   - commissioning runs Pair-Setup and Pair-Verify against the pairing store
//   - session tracks each connection's phase, controller and subscriptions
//   - accessory serves /accessories and /characteristics from the pin store
//   - discovery keeps the _hap._tcp advertisement in step with the pairing state
//
// Example usage:
//
//	srv, err := service.NewAccessoryServer(service.AccessoryConfig{
//		ListenAddress: ":51826",
//		SetupCode:     code,
//		Pairings:      store,
//		Model:         model,
//		AttemptPolicy: service.DefaultAttemptPolicy(),
//	})
//	if err != nil {
//		return err
//	}
//	if err := srv.Start(ctx); err != nil {
//		return err
//	}
//	defer srv.Stop()
//
// # Pair-Setup guard
//
// Only one Pair-Setup runs at a time across every connection. Wrong setup
// codes are counted by SetupAttemptTracker; after the free failures each
// attempt waits for an exponentially growing delay, and after MaxTries the
// accessory refuses setup until the pairing store is reset.
//
// # Events
//
// OnEvent handlers see connections, verified sessions, pairings added or
// removed and failed setup attempts. Handlers run synchronously and must
// not block.
package service
