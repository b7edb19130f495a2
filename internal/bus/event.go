package bus

import "time"

// Event is a domain event published on the bus.
//
// Kinds are dot-namespaced:
//
//	entry.*    entry registry changes
//	message.*  message store changes and send lifecycle
//	upload.*   upload job lifecycle
//	sync.*     history synchronization progress
//	session.*  session/auth lifecycle (reauth_required, unreachable, ...)
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
