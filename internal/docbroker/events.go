package docbroker

import "fmt"

type EventKind int

const (
	EventUploaded EventKind = iota + 1
	EventError
	EventDataLoss
)

func (k EventKind) String() string {
	switch k {
	case EventUploaded:
		return "uploaded"
	case EventError:
		return "error"
	case EventDataLoss:
		return "dataloss"
	default:
		return "unknown"
	}
}

// Storage error messages delivered to the session layer.
const (
	MsgSaveFailed       = "error: cmd=storage kind=savefailed"
	MsgDocumentConflict = "error: cmd=storage kind=documentconflict"
	MsgSaveUnauthorized = "error: cmd=storage kind=saveunauthorized"
)

// Event is one lifecycle notification. Success is set for Uploaded, Message
// carries the error text or the data-loss reason, Conflict is set on
// document conflict errors.
type Event struct {
	Kind     EventKind
	Key      string
	Success  bool
	Message  string
	Conflict *ConflictEvent
	Err      error
}

func (e Event) String() string {
	switch e.Kind {
	case EventUploaded:
		return fmt.Sprintf("uploaded(%t)", e.Success)
	default:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Message)
	}
}

type Listener interface {
	HandleEvent(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) HandleEvent(ev Event) {
	f(ev)
}
