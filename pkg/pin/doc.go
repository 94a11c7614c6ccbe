// Package pin holds the authoritative logical state of every controlled relay.
//
// The Store is shared by every network surface. Store.Set is the only path to
// the hardware: it is mutually exclusive per pin, so two callers can never be
// mid-toggle on the same pin, while different pins proceed in parallel. A
// driver failure leaves the recorded state untouched and is reported as
// ErrHardwareFault.
//
// Listeners registered with Subscribe observe every committed change in commit
// order. They run while the pin's write lock is held, so they must not block
// and must not call Set.
package pin
