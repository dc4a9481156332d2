package hub

// EventType names the kinds of events a publisher can broadcast.
// These map one-to-one onto SSE event names on the wire.
type EventType string

const (
	EventMeta    EventType = "meta"
	EventDelta   EventType = "delta"
	EventDropped EventType = "dropped"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// Event is a single broadcast unit. Data carries the JSON-marshalable
// payload for the wire; the hub itself never inspects it.
type Event struct {
	Type EventType
	Data any
}
