package relay

// EventType is the SSE event name of a relay event.
type EventType string

const (
	EventMessage EventType = "message"
	EventError   EventType = "error"
)

// Event is one frame delivered to the client. A stream carries zero or more content events followed
// by exactly one terminal event (Done is true), unless the stream was abandoned on idle timeout or
// client disconnect, in which case the channel is closed without a terminal event.
type Event struct {
	Type    EventType
	Content string
	Error   string
	Done    bool

	// Err is the raw cause of a failed stream. It is for the caller's logs and is never serialized.
	Err error
}

func contentEvent(content string) Event {
	return Event{Type: EventMessage, Content: content}
}

func doneEvent() Event {
	return Event{Type: EventMessage, Done: true}
}

func errorEvent(c Classification, cause error) Event {
	return Event{Type: EventError, Error: c.Message, Done: true, Err: cause}
}

// Data returns the JSON payload of the event's SSE frame.
func (e Event) Data() string {
	switch {
	case e.Type == EventError:
		return `{"error":"` + EscapeJSON(e.Error) + `","done":true}`
	case e.Done:
		return `{"done":true}`
	default:
		return `{"content":"` + EscapeJSON(e.Content) + `","done":false}`
	}
}
