package assessment

// EventType names a session event streamed to observers.
type EventType string

const (
	EventMessageAppended EventType = "message_appended"
	EventMessageRevealed EventType = "message_revealed"
	EventPhaseChanged    EventType = "phase_changed"
	EventNotification    EventType = "notification"
	EventClosed          EventType = "closed"
)

// Notification is the payload of an EventNotification.
type Notification struct {
	Kind NotificationKind `json:"kind"`
	Text string           `json:"text"`
}

// Event is one observable change of a session.
type Event struct {
	Type         EventType     `json:"type"`
	SessionID    string        `json:"session_id"`
	Message      *Message      `json:"message,omitempty"`
	Phase        Phase         `json:"phase,omitempty"`
	Outcome      Outcome       `json:"outcome,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// Publisher receives session events in order. Publish is called with the
// session lock held and must not block or call back into the session.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

// Publish implements Publisher.
func (f PublisherFunc) Publish(e Event) { f(e) }

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
