// Package er holds the core's result type. The original mosquitto
// database.c this broker is modeled on overloads plain ints (0/1/2) as
// its return codes; the core here uses a small sum type instead and
// lets the transport layer translate it into wire-level behavior.
package er

import "errors"

// Kind distinguishes the possible outcomes of a core operation.
type Kind int

const (
	// KindOK means the operation completed and, for message_insert,
	// the message was published directly (no queueing needed).
	KindOK Kind = iota
	// KindQueued means the record was queued or dropped for flow
	// control reasons; DropReason is empty when queued, set when
	// dropped.
	KindQueued
	// KindNotFound means a lookup (mid, client id) failed; treated as
	// success in delete paths, as diagnostic in update/release paths.
	KindNotFound
	// KindInvalid means the caller violated a precondition — a
	// programming error, not a runtime condition.
	KindInvalid
)

// DropReason explains why a KindQueued result carried no message.
type DropReason int

const (
	// NotDropped means the record was queued, not dropped.
	NotDropped DropReason = iota
	// DroppedQueueFull means the per-client Queued backlog was at
	// max_queued.
	DroppedQueueFull
	// DroppedQoS0Disconnected means a QoS 0 message was discarded for a
	// disconnected client because queue_qos0_messages is false.
	DroppedQoS0Disconnected
	// DroppedDuplicate means the client already received this stored
	// message (dest_ids dedup) and it was silently dropped.
	DroppedDuplicate
)

// Result is returned by every store/queue/broker operation in place of
// the original's overloaded int return codes.
type Result struct {
	Kind   Kind
	Reason DropReason
	Err    error
}

// OK is the zero-value successful result.
var OK = Result{Kind: KindOK}

// Queued reports a record accepted into the Queued state.
func Queued() Result { return Result{Kind: KindQueued, Reason: NotDropped} }

// Dropped reports a record that was discarded at admission time.
func Dropped(reason DropReason) Result {
	return Result{Kind: KindQueued, Reason: reason}
}

// NotFound reports a lookup miss.
func NotFound() Result { return Result{Kind: KindNotFound} }

// Invalid reports a precondition violation, optionally wrapping the
// violated invariant as an error.
func Invalid(err error) Result { return Result{Kind: KindInvalid, Err: err} }

// ErrOutOfMemory names the out-of-memory outcome of the original's
// return-code set. Go's runtime allocator does not fail in practice and
// no operation in this module returns it: Store.Store has no failure
// path.
var ErrOutOfMemory = errors.New("out of memory")

// Dropped reports whether the result represents a drop (as opposed to
// a successful queue admission).
func (r Result) Dropped() bool {
	return r.Kind == KindQueued && r.Reason != NotDropped
}

// IsOK reports whether the operation fully succeeded.
func (r Result) IsOK() bool { return r.Kind == KindOK }
