// Package types provides the shared value types of the service worker
// coordinator: identifiers, origins, registration keys, lifecycle states,
// job descriptions, snapshots and job errors.
package types

import (
	"fmt"
	"sync/atomic"
)

// ConnectionIdentifier names a client connection.
type ConnectionIdentifier uint64

// ContextConnectionIdentifier names a connection to a worker execution host.
type ContextConnectionIdentifier uint64

// JobIdentifier is unique per connection.
type JobIdentifier uint64

// RegistrationIdentifier is unique and stable for the process lifetime.
type RegistrationIdentifier uint64

// WorkerIdentifier names one service worker version.
type WorkerIdentifier uint64

// ClientIdentifier names a script execution context (document or worker) in
// a client connection.
type ClientIdentifier uint64

// JobDataIdentifier is the process-wide identity of a job: the requesting
// connection plus the connection-local job id.
type JobDataIdentifier struct {
	Connection ConnectionIdentifier
	Job        JobIdentifier
}

func (id JobDataIdentifier) String() string {
	return fmt.Sprintf("%d-%d", id.Connection, id.Job)
}

// IsZero reports whether the identifier is unset.
func (id JobDataIdentifier) IsZero() bool {
	return id.Connection == 0 && id.Job == 0
}

// Generator hands out monotonically increasing identifiers starting at 1.
// Zero is reserved for "none". Safe for concurrent use.
type Generator[T ~uint64] struct {
	next atomic.Uint64
}

// Next returns a fresh identifier.
func (g *Generator[T]) Next() T {
	return T(g.next.Add(1))
}
