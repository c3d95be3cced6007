package wopihost

import "sync"

type CallKind string

const (
	CallCheckFileInfo CallKind = "CheckFileInfo"
	CallGetFile       CallKind = "GetFile"
	CallPutFile       CallKind = "PutFile"
	CallPutRelative   CallKind = "PutRelativeFile"
	CallRenameFile    CallKind = "RenameFile"
)

// Call is one request the host answered.
type Call struct {
	Kind             CallKind
	FileID           string
	Status           int
	Forced           bool
	Timestamp        string
	IsAutosave       bool
	IsModifiedByUser bool
	Size             int
}

// Recorder observes every call the host answers. It lives outside the sync
// engine so tests can count calls without the engine keeping counters.
type Recorder interface {
	Record(Call)
}

// CallLog is a Recorder that keeps every call in order.
type CallLog struct {
	mu    sync.Mutex
	calls []Call
}

func NewCallLog() *CallLog {
	return &CallLog{}
}

func (l *CallLog) Record(c Call) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, c)
}

func (l *CallLog) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Call(nil), l.calls...)
}

func (l *CallLog) Count(kind CallKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// Forced lists the forced flag of every PutFile call in order.
func (l *CallLog) Forced() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []bool
	for _, c := range l.calls {
		if c.Kind == CallPutFile {
			out = append(out, c.Forced)
		}
	}
	return out
}

func (l *CallLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}
