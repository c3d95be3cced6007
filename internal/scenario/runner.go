package scenario

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"reflect"
	"sync"
	"time"

	"github.com/agentworkforce/docsync/internal/docbroker"
	"github.com/agentworkforce/docsync/internal/wopi"
	"github.com/agentworkforce/docsync/internal/wopihost"
)

const (
	DefaultWaitTimeout = 5 * time.Second
	documentID         = "doc"
	accessToken        = "scenario"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Runner struct {
	// WaitTimeout bounds every wait step and the final teardown.
	WaitTimeout time.Duration
	Logger      Logger
}

// Result is the outcome of one scenario run.
type Result struct {
	Name   string
	Pass   bool
	Errors []string
	Events []string
	Calls  []wopihost.Call
}

func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// Run executes sc against a fresh host. The returned error covers setup
// problems only; failed expectations are reported in the Result.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (*Result, error) {
	timeout := r.WaitTimeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	store, err := wopihost.NewFileStore(nil)
	if err != nil {
		return nil, err
	}
	if _, err := store.CreateWithID(documentID, sc.Document.Name, []byte(sc.Document.Content)); err != nil {
		return nil, fmt.Errorf("seed document: %w", err)
	}
	if sc.Document.ReadOnly {
		if err := store.SetReadOnly(documentID, true); err != nil {
			return nil, err
		}
	}

	calls := wopihost.NewCallLog()
	faults := newFaultPlan(sc.Faults)
	host := httptest.NewServer(wopihost.NewServer(store, wopihost.ServerConfig{
		PutFileHook: faults.hook,
		Recorder:    calls,
		Logger:      r.Logger,
	}))
	defer host.Close()

	clientOpts := sc.Config.ClientOptions(r.Logger)
	clientOpts.HTTPClient = host.Client()
	client := wopi.NewHTTPClient(clientOpts)

	events := newEventTracker()
	manager := docbroker.NewManager(docbroker.ManagerOptions{
		Broker:   sc.Config.BrokerOptions(client, events, r.Logger),
		LeaseTTL: sc.Config.LeaseTTL,
		Logger:   r.Logger,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = manager.CloseAll(closeCtx)
	}()

	key := host.URL + "/wopi/files/" + documentID + "?access_token=" + accessToken
	broker, err := manager.Open(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}

	policy := docbroker.ConflictPolicy{}
	if sc.OnConflict != "" {
		policy.Preferred, _ = docbroker.ParseAction(sc.OnConflict)
	}

	res := &Result{Name: sc.Name, Pass: true}
	exec := &execution{
		broker:  broker,
		store:   store,
		events:  events,
		policy:  policy,
		timeout: timeout,
		waited:  map[string]int{},
	}
	for i, step := range sc.Steps {
		if err := exec.apply(ctx, step); err != nil {
			res.AddError("step %d %s: %v", i, step, err)
			break
		}
	}

	res.Events = events.strings()
	res.Calls = calls.Calls()
	checkExpectations(res, sc.Expect, exec, calls)
	return res, nil
}

type execution struct {
	broker        *docbroker.Broker
	store         *wopihost.FileStore
	events        *eventTracker
	policy        docbroker.ConflictPolicy
	timeout       time.Duration
	waited        map[string]int
	rejectedEdits int
}

func (e *execution) apply(ctx context.Context, step Step) error {
	switch {
	case step.Edit != nil:
		err := e.broker.Edit([]byte(*step.Edit))
		if errors.Is(err, docbroker.ErrReadOnly) {
			e.rejectedEdits++
			return nil
		}
		return err
	case step.Save:
		return e.broker.Save()
	case step.Close:
		return e.broker.Close()
	case step.Disconnect:
		return e.broker.Disconnect()
	case step.ExternalWrite != nil:
		_, err := e.store.SetContent(documentID, []byte(*step.ExternalWrite))
		return err
	case step.Resolve:
		ev, ok := e.broker.Conflict()
		if !ok {
			return docbroker.ErrNoConflict
		}
		return docbroker.Apply(e.broker, docbroker.ChooseAction(e.broker.State(), ev, e.policy))
	case step.WaitEvent != "":
		return e.waitEvent(ctx, step.WaitEvent)
	case step.WaitState != "":
		return e.waitState(ctx, step.WaitState)
	}
	return fmt.Errorf("empty step")
}

// waitEvent waits for the next occurrence of kind that no earlier step
// already waited for.
func (e *execution) waitEvent(ctx context.Context, kind string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if kind == EventClosed {
		return e.broker.Wait(ctx)
	}
	e.waited[kind]++
	return e.events.waitFor(ctx, kind, e.waited[kind])
}

func (e *execution) waitState(ctx context.Context, state string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if e.broker.State().String() == state {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("document stayed %s: %w", e.broker.State(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func checkExpectations(res *Result, want Expect, e *execution, calls *wopihost.CallLog) {
	if want.Stores != nil {
		if got := calls.Count(wopihost.CallPutFile); got != *want.Stores {
			res.AddError("expected %d stores, got %d", *want.Stores, got)
		}
	}
	if want.Forced != nil {
		if got := calls.Forced(); !reflect.DeepEqual(got, want.Forced) {
			res.AddError("expected forced flags %v, got %v", want.Forced, got)
		}
	}
	if want.DataLoss != nil {
		if got := e.events.count(EventDataLoss); got != *want.DataLoss {
			res.AddError("expected %d data-loss reports, got %d", *want.DataLoss, got)
		}
	}
	if want.HostContent != nil {
		f, _ := e.store.Get(documentID)
		if string(f.Content) != *want.HostContent {
			res.AddError("expected host content %q, got %q", *want.HostContent, f.Content)
		}
	}
	if want.BrokerContent != nil {
		if got := string(e.broker.Content()); got != *want.BrokerContent {
			res.AddError("expected document content %q, got %q", *want.BrokerContent, got)
		}
	}
	if want.Errors != nil {
		if got := e.events.errorMessages(); !reflect.DeepEqual(got, want.Errors) {
			res.AddError("expected error messages %v, got %v", want.Errors, got)
		}
	}
	if want.State != "" {
		if got := e.broker.State().String(); got != want.State {
			res.AddError("expected state %s, got %s", want.State, got)
		}
	}
	if want.RejectedEdits != nil && e.rejectedEdits != *want.RejectedEdits {
		res.AddError("expected %d rejected edits, got %d", *want.RejectedEdits, e.rejectedEdits)
	}
}

type faultPlan struct {
	mu     sync.Mutex
	faults []Fault
	used   []int
}

func newFaultPlan(faults []Fault) *faultPlan {
	return &faultPlan{faults: faults, used: make([]int, len(faults))}
}

func (p *faultPlan) hook(wopihost.StoreCall) *wopihost.Fault {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.faults {
		if f.Times == 0 || p.used[i] < f.Times {
			p.used[i]++
			return &wopihost.Fault{Status: f.Status, Body: f.Body}
		}
	}
	return nil
}

// eventTracker records broker events and lets steps wait on them.
type eventTracker struct {
	mu      sync.Mutex
	events  []docbroker.Event
	changed chan struct{}
}

func newEventTracker() *eventTracker {
	return &eventTracker{changed: make(chan struct{})}
}

func (t *eventTracker) HandleEvent(ev docbroker.Event) {
	t.mu.Lock()
	t.events = append(t.events, ev)
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()
}

func (t *eventTracker) waitFor(ctx context.Context, kind string, n int) error {
	for {
		t.mu.Lock()
		got := t.countLocked(kind)
		changed := t.changed
		t.mu.Unlock()
		if got >= n {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s #%d (seen %d): %w", kind, n, got, ctx.Err())
		}
	}
}

func (t *eventTracker) count(kind string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countLocked(kind)
}

func (t *eventTracker) countLocked(kind string) int {
	n := 0
	for _, ev := range t.events {
		if eventName(ev) == kind {
			n++
		}
	}
	return n
}

func (t *eventTracker) errorMessages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := []string{}
	for _, ev := range t.events {
		if ev.Kind == docbroker.EventError {
			out = append(out, ev.Message)
		}
	}
	return out
}

func (t *eventTracker) strings() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.events))
	for _, ev := range t.events {
		out = append(out, ev.String())
	}
	return out
}

func eventName(ev docbroker.Event) string {
	switch ev.Kind {
	case docbroker.EventUploaded:
		if ev.Success {
			return EventUploaded
		}
		return EventUploadFailed
	case docbroker.EventError:
		if ev.Conflict != nil {
			return EventConflict
		}
		return EventError
	case docbroker.EventDataLoss:
		return EventDataLoss
	}
	return ""
}
