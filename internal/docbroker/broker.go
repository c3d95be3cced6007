// Package docbroker owns one actively edited document and keeps it in sync
// with its WOPI storage host.
package docbroker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/docsync/internal/wopi"
)

const (
	DefaultLimitStoreFailures = 5
	DefaultCallTimeout        = 10 * time.Second
	DefaultRetryDelay         = 500 * time.Millisecond
	DefaultMaxRetryDelay      = 10 * time.Second
)

var (
	ErrNotOpen     = errors.New("document is not open")
	ErrAlreadyOpen = errors.New("document is already open")
	ErrClosed      = errors.New("document is closed")
	ErrClosing     = errors.New("document is closing")
	ErrReadOnly    = errors.New("document is read-only")
	ErrNoConflict  = errors.New("document has no pending conflict")
)

type State int

const (
	StateIdle State = iota
	StateClean
	StateModified
	StateUploading
	StateConflicted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateClean:
		return "clean"
	case StateModified:
		return "modified"
	case StateUploading:
		return "uploading"
	case StateConflicted:
		return "conflicted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ExitSaveRule decides whether teardown stores a document that has no
// unsynced edits. It only applies with Policy.AlwaysSaveOnExit.
type ExitSaveRule int

const (
	ExitSaveIfModified ExitSaveRule = iota
	ExitSaveUnconditional
)

// Policy is fixed for the lifetime of a document.
type Policy struct {
	AlwaysSaveOnExit bool
	ExitSave         ExitSaveRule
}

type Resolution int

const (
	ResolveOverwrite Resolution = iota + 1
	ResolveDiscard
)

func (r Resolution) String() string {
	switch r {
	case ResolveOverwrite:
		return "overwrite"
	case ResolveDiscard:
		return "discard"
	default:
		return "none"
	}
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	// Key is the WOPISrc of the document, access token included.
	Key    string
	Client wopi.Client
	Policy Policy

	LimitStoreFailures int
	CallTimeout        time.Duration
	RetryDelay         time.Duration
	MaxRetryDelay      time.Duration
	// AutosaveInterval stores modified content periodically; zero disables it.
	AutosaveInterval time.Duration

	Listener Listener
	Logger   Logger
}

type teardownKind int

const (
	teardownNone teardownKind = iota
	teardownClose
	teardownDisconnect
)

type attempt struct {
	seq  int
	req  wopi.StoreRequest
	exit bool
}

type saveAsResult struct {
	loc wopi.Location
	err error
}

type saveAsCall struct {
	name   string
	mode   wopi.StoreAsMode
	result chan saveAsResult
}

type jobKind int

const (
	jobNone jobKind = iota
	jobStore
	jobReload
	jobSaveAs
	jobFinish
)

type job struct {
	kind    jobKind
	attempt attempt
	saveAs  *saveAsCall
	data    []byte
	reason  string
}

// Broker is the state machine of a single document. Every storage call is
// made from one worker goroutine, so at most one call per document is ever
// in flight; triggers only flip flags and wake the worker.
type Broker struct {
	key              string
	client           wopi.Client
	policy           Policy
	callTimeout      time.Duration
	autosaveInterval time.Duration
	listener         Listener
	logger           Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	mu          sync.Mutex
	state       State
	opening     bool
	name        string
	canWrite    bool
	content     []byte
	contentHash string
	syncedHash  string
	token       wopi.VersionToken

	retry    *RetryController
	dataLoss *DataLossReporter
	conflict *ConflictEvent

	resolution        Resolution
	saveRequested     bool
	autosaveRequested bool
	teardown          teardownKind
	exitForced        bool
	exitStored        bool
	saveAs            []*saveAsCall

	pending    *attempt
	retryDue   bool
	retryTimer *time.Timer
	retryGen   int
	seq        int

	outbox []Event
}

func NewBroker(opts Options) (*Broker, error) {
	key := strings.TrimSpace(opts.Key)
	if key == "" {
		return nil, fmt.Errorf("document key is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	limit := opts.LimitStoreFailures
	if limit < 0 {
		return nil, fmt.Errorf("limit_store_failures must be positive, got %d", limit)
	}
	if limit == 0 {
		limit = DefaultLimitStoreFailures
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	maxRetryDelay := opts.MaxRetryDelay
	if maxRetryDelay <= 0 {
		maxRetryDelay = DefaultMaxRetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		key:              key,
		client:           opts.Client,
		policy:           opts.Policy,
		callTimeout:      callTimeout,
		autosaveInterval: opts.AutosaveInterval,
		listener:         opts.Listener,
		logger:           opts.Logger,
		ctx:              ctx,
		cancel:           cancel,
		wake:             make(chan struct{}, 1),
		done:             make(chan struct{}),
		retry:            NewRetryController(limit, retryDelay, maxRetryDelay),
	}
	b.dataLoss = NewDataLossReporter(func(reason string) {
		b.emitLocked(Event{Kind: EventDataLoss, Message: reason})
	})
	return b, nil
}

// Open loads the document from the host and starts the worker.
func (b *Broker) Open(ctx context.Context) error {
	b.mu.Lock()
	if b.state == StateClosed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.state != StateIdle || b.opening {
		b.mu.Unlock()
		return ErrAlreadyOpen
	}
	b.opening = true
	b.mu.Unlock()

	info, content, err := b.load(ctx)

	b.mu.Lock()
	b.opening = false
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("open %s: %w", redactKey(b.key), err)
	}
	b.applyLoadLocked(info, content)
	b.state = StateClean
	b.mu.Unlock()

	b.logf("docbroker %s: opened %q (%d bytes, token %q, writable=%t)",
		redactKey(b.key), info.Name, len(content.Data), info.Token, info.UserCanWrite)
	go b.run()
	return nil
}

// Edit replaces the in-memory content. Edits coalesce: only the snapshot
// present when a store is issued gets sent.
func (b *Broker) Edit(content []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.acceptingLocked(); err != nil {
		return err
	}
	if !b.canWrite {
		return ErrReadOnly
	}
	b.content = append([]byte(nil), content...)
	b.contentHash = hashBytes(b.content)
	if b.state == StateClean || b.state == StateModified {
		b.settleLocked()
	}
	return nil
}

// Save requests a store of the current content. While a conflict is pending
// it retries the store against the cached token.
func (b *Broker) Save() error {
	b.mu.Lock()
	if err := b.acceptingLocked(); err != nil {
		b.mu.Unlock()
		return err
	}
	b.saveRequested = true
	b.mu.Unlock()
	b.signal()
	return nil
}

// Close tears the document down on behalf of the user.
func (b *Broker) Close() error {
	return b.requestTeardown(teardownClose)
}

// Disconnect tears the document down because its session went away. Nobody
// is left to resolve a conflict, so unsynced edits are stored forced.
func (b *Broker) Disconnect() error {
	return b.requestTeardown(teardownDisconnect)
}

func (b *Broker) requestTeardown(kind teardownKind) error {
	b.mu.Lock()
	switch b.state {
	case StateIdle:
		b.mu.Unlock()
		return ErrNotOpen
	case StateClosed:
		b.mu.Unlock()
		return ErrClosed
	}
	if kind > b.teardown {
		b.teardown = kind
	}
	b.mu.Unlock()
	b.signal()
	return nil
}

// Resolve executes the chosen resolution of a pending conflict.
func (b *Broker) Resolve(r Resolution) error {
	if r != ResolveOverwrite && r != ResolveDiscard {
		return fmt.Errorf("unknown resolution %d", r)
	}
	b.mu.Lock()
	if b.state == StateClosed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.state != StateConflicted {
		b.mu.Unlock()
		return ErrNoConflict
	}
	b.resolution = r
	b.mu.Unlock()
	b.signal()
	return nil
}

// SaveAs copies the current content to a new file next to the document, or
// renames the document in place.
func (b *Broker) SaveAs(ctx context.Context, name string, mode wopi.StoreAsMode) (wopi.Location, error) {
	call := &saveAsCall{name: name, mode: mode, result: make(chan saveAsResult, 1)}
	b.mu.Lock()
	if err := b.acceptingLocked(); err != nil {
		b.mu.Unlock()
		return wopi.Location{}, err
	}
	b.saveAs = append(b.saveAs, call)
	b.mu.Unlock()
	b.signal()

	select {
	case res := <-call.result:
		return res.loc, res.err
	case <-ctx.Done():
		return wopi.Location{}, ctx.Err()
	}
}

// Done is closed once the document reached StateClosed and its worker
// exited.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

func (b *Broker) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) Key() string {
	return b.key
}

func (b *Broker) Name() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name
}

func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Broker) Content() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.content...)
}

func (b *Broker) Token() wopi.VersionToken {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token
}

func (b *Broker) Modified() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.modifiedLocked()
}

func (b *Broker) Conflict() (ConflictEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conflict == nil {
		return ConflictEvent{}, false
	}
	return *b.conflict, true
}

func (b *Broker) DataLossReported() bool {
	return b.dataLoss.Reported()
}

func (b *Broker) run() {
	defer close(b.done)
	defer b.cancel()

	var autosave <-chan time.Time
	if b.autosaveInterval > 0 {
		ticker := time.NewTicker(b.autosaveInterval)
		defer ticker.Stop()
		autosave = ticker.C
	}

	for {
		for {
			j := b.next()
			if j.kind == jobNone {
				break
			}
			b.execute(j)
			b.flush()
		}
		if b.State() == StateClosed {
			return
		}
		select {
		case <-b.wake:
		case <-autosave:
			b.mu.Lock()
			if b.modifiedLocked() {
				b.autosaveRequested = true
			}
			b.mu.Unlock()
		}
	}
}

// next picks the single piece of work the worker should do now and moves
// the state machine accordingly.
func (b *Broker) next() job {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed {
		return job{}
	}
	if len(b.saveAs) > 0 {
		call := b.saveAs[0]
		b.saveAs = b.saveAs[1:]
		return job{kind: jobSaveAs, saveAs: call, data: append([]byte(nil), b.content...)}
	}
	if b.state == StateConflicted {
		return b.nextConflictedLocked()
	}
	if b.teardown != teardownNone {
		return b.nextTeardownLocked()
	}
	if b.pending != nil {
		if !b.retryDue {
			return job{}
		}
		return b.reissueLocked()
	}
	if b.saveRequested || b.autosaveRequested {
		autosave := !b.saveRequested
		b.saveRequested = false
		b.autosaveRequested = false
		if b.modifiedLocked() {
			return b.storeJobLocked(false, false, autosave)
		}
	}
	return job{}
}

func (b *Broker) nextConflictedLocked() job {
	switch b.resolution {
	case ResolveOverwrite:
		b.resolution = 0
		exit := b.teardown != teardownNone
		if exit {
			b.exitForced = true
		}
		return b.storeJobLocked(true, exit, false)
	case ResolveDiscard:
		b.resolution = 0
		return job{kind: jobReload}
	}

	if b.teardown != teardownNone {
		if b.policy.AlwaysSaveOnExit && !b.exitForced {
			b.exitForced = true
			return b.storeJobLocked(true, true, b.teardown == teardownDisconnect)
		}
		if b.teardown == teardownDisconnect || b.exitForced {
			return job{kind: jobFinish, reason: "document closed with an unresolved storage conflict"}
		}
		// An explicit close waits for the user to resolve.
		return job{}
	}
	b.autosaveRequested = false
	if b.saveRequested {
		b.saveRequested = false
		return b.storeJobLocked(false, false, false)
	}
	return job{}
}

func (b *Broker) nextTeardownLocked() job {
	if b.pending != nil && !b.pending.exit {
		b.cancelRetryLocked()
	}
	if b.pending != nil {
		if !b.retryDue {
			return job{}
		}
		return b.reissueLocked()
	}
	if !b.needsExitStoreLocked() {
		return job{kind: jobFinish}
	}
	forced := b.policy.AlwaysSaveOnExit || b.teardown == teardownDisconnect
	if forced {
		if b.exitForced {
			return job{kind: jobFinish, reason: "final forced store did not persist the document"}
		}
		b.exitForced = true
	}
	// Only a lost session counts as an autosave; a close is the user's save.
	return b.storeJobLocked(forced, true, b.teardown == teardownDisconnect)
}

func (b *Broker) needsExitStoreLocked() bool {
	if b.modifiedLocked() {
		return true
	}
	return b.policy.AlwaysSaveOnExit && b.policy.ExitSave == ExitSaveUnconditional && !b.exitStored
}

func (b *Broker) storeJobLocked(forced, exit, autosave bool) job {
	b.seq++
	req := wopi.StoreRequest{
		Data:             append([]byte(nil), b.content...),
		IsAutosave:       autosave,
		IsModifiedByUser: b.modifiedLocked(),
	}
	if !forced {
		req.Token = b.token
	}
	b.state = StateUploading
	return job{kind: jobStore, attempt: attempt{seq: b.seq, req: req, exit: exit}}
}

// reissueLocked repeats a failed store unchanged: same bytes, same token.
func (b *Broker) reissueLocked() job {
	a := *b.pending
	b.pending = nil
	b.retryDue = false
	b.seq++
	a.seq = b.seq
	b.state = StateUploading
	return job{kind: jobStore, attempt: a}
}

func (b *Broker) execute(j job) {
	switch j.kind {
	case jobStore:
		ctx, cancel := context.WithTimeout(b.ctx, b.callTimeout)
		out := b.client.Store(ctx, b.key, j.attempt.req)
		cancel()
		b.mu.Lock()
		b.applyStoreLocked(j.attempt, out)
		b.mu.Unlock()
	case jobReload:
		b.reload()
	case jobSaveAs:
		b.runSaveAs(j.saveAs, j.data)
	case jobFinish:
		b.mu.Lock()
		if j.reason != "" && b.modifiedLocked() {
			b.dataLoss.Report(j.reason)
		}
		b.finishLocked()
		b.mu.Unlock()
	}
}

func (b *Broker) applyStoreLocked(a attempt, out wopi.Outcome) {
	decision := b.retry.Decide(out)
	switch out.Result {
	case wopi.ResultSuccess:
		if !out.Token.IsZero() {
			b.token = out.Token
		}
		b.syncedHash = hashBytes(a.req.Data)
		b.conflict = nil
		if a.exit {
			b.exitStored = true
		}
		b.settleLocked()
		b.logf("docbroker %s: store #%d succeeded (forced=%t), token %q",
			redactKey(b.key), a.seq, a.req.Forced(), out.Token)
		b.emitLocked(Event{Kind: EventUploaded, Success: true})
		return
	case wopi.ResultConflict:
		ev, _ := DetectConflict(a.req.Token, out)
		b.conflict = &ev
		b.state = StateConflicted
		b.logf("docbroker %s: store #%d conflicted, host token %q, cached %q",
			redactKey(b.key), a.seq, ev.HostToken, ev.CachedToken)
		b.emitLocked(Event{Kind: EventError, Message: MsgDocumentConflict, Conflict: &ev, Err: outcomeErr(out)})
		return
	}

	err := outcomeErr(out)
	if decision == DecisionRetry {
		b.scheduleRetryLocked(a)
		b.logf("docbroker %s: store #%d failed (%d/%d): %v",
			redactKey(b.key), a.seq, b.retry.Attempts(), b.retry.MaxAttempts(), err)
		b.emitLocked(Event{Kind: EventUploaded, Success: false, Err: err})
		return
	}

	msg := MsgSaveFailed
	detail := fmt.Sprintf("no retries remaining after %d failed stores", b.retry.Attempts())
	if errors.Is(err, wopi.ErrAuth) {
		msg = MsgSaveUnauthorized
		detail = "storage rejected the document credentials"
	}
	if err != nil {
		detail += ": " + err.Error()
	}
	b.logf("docbroker %s: store #%d failed, giving up: %v", redactKey(b.key), a.seq, err)
	b.emitLocked(Event{Kind: EventError, Message: msg, Err: err})
	if b.modifiedLocked() {
		b.dataLoss.Report(detail)
	}
	b.finishLocked()
}

func (b *Broker) scheduleRetryLocked(a attempt) {
	b.pending = &a
	b.retryDue = false
	b.state = StateUploading
	b.retryGen++
	gen := b.retryGen
	b.retryTimer = time.AfterFunc(b.retry.Delay(), func() {
		b.mu.Lock()
		if b.retryGen == gen && b.pending != nil {
			b.retryDue = true
		}
		b.mu.Unlock()
		b.signal()
	})
}

func (b *Broker) cancelRetryLocked() {
	if b.retryTimer != nil {
		b.retryTimer.Stop()
		b.retryTimer = nil
	}
	b.retryGen++
	b.pending = nil
	b.retryDue = false
}

func (b *Broker) reload() {
	info, content, err := b.load(b.ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		// The local bytes were discarded but the host's are not here yet, so
		// the conflict stands until a later resolution succeeds.
		b.logf("docbroker %s: reload after discard failed: %v", redactKey(b.key), err)
		b.emitLocked(Event{Kind: EventError, Message: MsgDocumentConflict, Err: err})
		return
	}
	b.applyLoadLocked(info, content)
	b.conflict = nil
	b.settleLocked()
}

func (b *Broker) load(ctx context.Context) (wopi.FileInfo, wopi.Content, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	info, err := b.client.CheckInfo(callCtx, b.key)
	cancel()
	if err != nil {
		return wopi.FileInfo{}, wopi.Content{}, err
	}
	callCtx, cancel = context.WithTimeout(ctx, b.callTimeout)
	content, err := b.client.Fetch(callCtx, b.key)
	cancel()
	if err != nil {
		return wopi.FileInfo{}, wopi.Content{}, err
	}
	return info, content, nil
}

func (b *Broker) applyLoadLocked(info wopi.FileInfo, content wopi.Content) {
	b.name = info.Name
	b.canWrite = info.UserCanWrite
	b.content = content.Data
	b.contentHash = hashBytes(b.content)
	b.syncedHash = b.contentHash
	b.token = info.Token
	if b.token.IsZero() {
		b.token = content.Token
	}
}

func (b *Broker) runSaveAs(call *saveAsCall, data []byte) {
	req := wopi.StoreAsRequest{Name: call.name, Mode: call.mode}
	if call.mode == wopi.StoreAsCopy {
		req.Data = data
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.callTimeout)
	loc, err := b.client.StoreAs(ctx, b.key, req)
	cancel()
	if err == nil && call.mode == wopi.StoreAsRename {
		b.mu.Lock()
		b.name = loc.Name
		b.mu.Unlock()
	}
	call.result <- saveAsResult{loc: loc, err: err}
}

func (b *Broker) finishLocked() {
	if b.state == StateClosed {
		return
	}
	b.cancelRetryLocked()
	b.state = StateClosed
	for _, call := range b.saveAs {
		call.result <- saveAsResult{err: ErrClosed}
	}
	b.saveAs = nil
	b.logf("docbroker %s: closed", redactKey(b.key))
}

func (b *Broker) settleLocked() {
	if b.modifiedLocked() {
		b.state = StateModified
		return
	}
	b.state = StateClean
}

func (b *Broker) modifiedLocked() bool {
	return b.contentHash != b.syncedHash
}

func (b *Broker) acceptingLocked() error {
	switch {
	case b.state == StateIdle:
		return ErrNotOpen
	case b.state == StateClosed:
		return ErrClosed
	case b.teardown != teardownNone:
		return ErrClosing
	}
	return nil
}

func (b *Broker) emitLocked(ev Event) {
	ev.Key = b.key
	b.outbox = append(b.outbox, ev)
}

// flush hands queued events to the listener outside the lock, in order.
func (b *Broker) flush() {
	b.mu.Lock()
	events := b.outbox
	b.outbox = nil
	b.mu.Unlock()
	if b.listener == nil {
		return
	}
	for _, ev := range events {
		b.listener.HandleEvent(ev)
	}
}

func (b *Broker) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Broker) logf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Printf(format, args...)
}

func outcomeErr(out wopi.Outcome) error {
	if out.Err == nil {
		return nil
	}
	return out.Err
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// redactKey drops the query of a WOPISrc so access tokens stay out of logs.
func redactKey(key string) string {
	if idx := strings.Index(key, "?"); idx >= 0 {
		return key[:idx]
	}
	return key
}
