// Package host declares the small interfaces the sandbox core expects from
// its external collaborators: the OS-specific interception layer and the
// build engine's own report sink (spec section 1, "treated as external
// collaborators"; section 4.8 and 4.5). No OS-specific implementation lives
// here; this package only captures the shape of what the core calls.
package host

// InterceptionListener is installed and torn down on the 0↔≥1 connected-
// client transition (spec section 4.8). Initialize and Uninitialize are
// each called on a fresh goroutine, so Uninitialize never runs on a stack
// that may be unwinding from a crashed tool thread.
type InterceptionListener interface {
	Initialize() error
	Uninitialize() error
}

// SharedIOQueue is the destination a ReportQueue forwards completed access
// reports into (spec section 4.5). Enqueue returns false when the
// underlying transport has no room, which the report queue treats as an
// unrecoverable, terminal condition.
type SharedIOQueue interface {
	Enqueue(report interface{}) bool
}

// AsyncFailureStatus identifies the kind of unrecoverable failure reported
// through an AsyncFailureCallback (spec section 9, "Async callbacks").
type AsyncFailureStatus uint8

const (
	// FailureNoMemory indicates the report queue could not obtain room for
	// a new entry (spec section 4.5, "Overflow").
	FailureNoMemory AsyncFailureStatus = iota
	// FailureInternalError indicates a failure not otherwise classified.
	FailureInternalError
)

// AsyncFailureCallback notifies the host of a failure the core cannot
// itself recover from. user is the opaque object the host supplied when
// registering the callback, returned unmodified so the host can correlate
// the notification without the core needing to know its type.
type AsyncFailureCallback struct {
	Func func(status AsyncFailureStatus, user any)
	User any
}

// Invoke calls the callback if one is set; it is a no-op otherwise.
func (c AsyncFailureCallback) Invoke(status AsyncFailureStatus) {
	if c.Func != nil {
		c.Func(status, c.User)
	}
}
