// Package fetchevent models the events a broker connection's read loop can
// produce as a single tagged-variant type, replacing the dynamically typed
// sentinel values (Reconnected/Poison mixed with byte payloads on one
// channel) that the source system used. Workers classify events by Kind
// instead of by runtime type.
package fetchevent

import "github.com/twmb/franz-go/pkg/kgo"

// Kind tags the variant carried by an Event.
type Kind int

const (
	// KindData carries a decoded fetch batch ready for the Reader.
	KindData Kind = iota
	// KindReconnected signals the underlying client recovered from a
	// transient disconnect; no payload, the worker should keep waiting.
	KindReconnected
	// KindPoison signals the connection is permanently unusable; the
	// worker should fail the current unit without retrying.
	KindPoison
	// KindError carries a transport-level error.
	KindError
)

// Event is the single value type sent on a ProducerConn's read channel.
type Event struct {
	Kind    Kind
	Fetches kgo.Fetches
	Err     error
}

// Data constructs a KindData event.
func Data(fetches kgo.Fetches) Event { return Event{Kind: KindData, Fetches: fetches} }

// Reconnected constructs a KindReconnected event.
func Reconnected() Event { return Event{Kind: KindReconnected} }

// Poison constructs a KindPoison event.
func Poison() Event { return Event{Kind: KindPoison} }

// Error constructs a KindError event.
func Error(err error) Event { return Event{Kind: KindError, Err: err} }
