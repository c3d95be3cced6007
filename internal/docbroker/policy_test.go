package docbroker

import (
	"testing"
	"time"

	"github.com/agentworkforce/docsync/internal/wopi"
)

func TestRetryControllerBudget(t *testing.T) {
	rc := NewRetryController(3, time.Millisecond, 10*time.Millisecond)
	failure := storageFailure(500)

	if got := rc.Decide(failure); got != DecisionRetry {
		t.Fatalf("expected retry after 1 failure, got %s", got)
	}
	if got := rc.Decide(wopi.Outcome{Result: wopi.ResultConflict}); got != DecisionContinue {
		t.Fatalf("expected conflict to continue, got %s", got)
	}
	if rc.Attempts() != 1 {
		t.Fatalf("expected conflict not to consume budget, got %d attempts", rc.Attempts())
	}
	if got := rc.Decide(failure); got != DecisionRetry {
		t.Fatalf("expected retry after 2 failures, got %s", got)
	}
	if got := rc.Decide(failure); got != DecisionGiveUp {
		t.Fatalf("expected give up after 3 failures, got %s", got)
	}
	if !rc.Exhausted() || rc.Attempts() != 3 {
		t.Fatalf("expected exhausted budget at 3 attempts, got %d", rc.Attempts())
	}
	if got := rc.Decide(failure); got != DecisionGiveUp || rc.Attempts() != 3 {
		t.Fatalf("expected attempts to stay capped, got %s with %d", got, rc.Attempts())
	}

	if got := rc.Decide(wopi.Outcome{Result: wopi.ResultSuccess}); got != DecisionContinue {
		t.Fatalf("expected success to continue, got %s", got)
	}
	if rc.Attempts() != 0 {
		t.Fatalf("expected success to reset attempts, got %d", rc.Attempts())
	}
}

func TestRetryControllerNeverRetriesAuth(t *testing.T) {
	rc := NewRetryController(10, time.Millisecond, time.Millisecond)
	if got := rc.Decide(storageFailure(401)); got != DecisionGiveUp {
		t.Fatalf("expected auth failure to give up, got %s", got)
	}
}

func TestRetryControllerTreatsNetworkAsRetryable(t *testing.T) {
	rc := NewRetryController(2, time.Millisecond, time.Millisecond)
	out := wopi.Outcome{Result: wopi.ResultFailure, Err: &wopi.Error{Op: "store", Kind: wopi.KindNetwork}}
	if got := rc.Decide(out); got != DecisionRetry {
		t.Fatalf("expected network failure to retry, got %s", got)
	}
}

func TestRetryControllerDelayBacksOff(t *testing.T) {
	rc := NewRetryController(5, 10*time.Millisecond, 25*time.Millisecond)
	rc.Decide(storageFailure(500))
	if got := rc.Delay(); got != 10*time.Millisecond {
		t.Fatalf("expected first delay 10ms, got %s", got)
	}
	rc.Decide(storageFailure(500))
	if got := rc.Delay(); got != 20*time.Millisecond {
		t.Fatalf("expected second delay 20ms, got %s", got)
	}
	rc.Decide(storageFailure(500))
	if got := rc.Delay(); got != 25*time.Millisecond {
		t.Fatalf("expected delay capped at 25ms, got %s", got)
	}
}

func TestDetectConflict(t *testing.T) {
	cached := wopi.NewVersionToken("t1")
	if _, ok := DetectConflict(cached, wopi.Outcome{Result: wopi.ResultSuccess}); ok {
		t.Fatalf("expected success not to be a conflict")
	}
	if _, ok := DetectConflict(cached, storageFailure(500)); ok {
		t.Fatalf("expected failure not to be a conflict")
	}

	ev, ok := DetectConflict(cached, wopi.Outcome{Result: wopi.ResultConflict, Token: wopi.NewVersionToken("t2")})
	if !ok {
		t.Fatalf("expected conflict")
	}
	if ev.HostToken.String() != "t2" || ev.CachedToken.String() != "t1" || ev.Forced {
		t.Fatalf("unexpected conflict event %+v", ev)
	}
	if !ev.Stale() {
		t.Fatalf("expected differing tokens to be stale")
	}

	ev, _ = DetectConflict(wopi.VersionToken{}, wopi.Outcome{Result: wopi.ResultConflict})
	if !ev.Forced {
		t.Fatalf("expected conflict against a forced store to be marked forced")
	}
}

func TestChooseAction(t *testing.T) {
	stale := ConflictEvent{HostToken: wopi.NewVersionToken("t2"), CachedToken: wopi.NewVersionToken("t1")}
	spurious := ConflictEvent{HostToken: wopi.NewVersionToken("t1"), CachedToken: wopi.NewVersionToken("t1")}

	cases := []struct {
		name   string
		state  State
		ev     ConflictEvent
		policy ConflictPolicy
		want   Action
	}{
		{"overwrite", StateConflicted, stale, ConflictPolicy{Preferred: ActionOverwrite}, ActionOverwrite},
		{"discard", StateConflicted, stale, ConflictPolicy{Preferred: ActionDiscard}, ActionDiscard},
		{"unset policy disconnects", StateConflicted, stale, ConflictPolicy{}, ActionDisconnect},
		{"matching tokens retry", StateConflicted, spurious, ConflictPolicy{Preferred: ActionDiscard}, ActionRetry},
		{"closed disconnects", StateClosed, spurious, ConflictPolicy{Preferred: ActionOverwrite}, ActionDisconnect},
	}
	for _, tc := range cases {
		if got := ChooseAction(tc.state, tc.ev, tc.policy); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestParseAction(t *testing.T) {
	if a, err := ParseAction("overwrite"); err != nil || a != ActionOverwrite {
		t.Fatalf("expected overwrite, got %s %v", a, err)
	}
	if _, err := ParseAction("merge"); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}

func TestDataLossReporterFiresOnce(t *testing.T) {
	var reasons []string
	r := NewDataLossReporter(func(reason string) { reasons = append(reasons, reason) })

	if !r.Report("no retries remaining") {
		t.Fatalf("expected first report to fire")
	}
	if r.Report("again") {
		t.Fatalf("expected second report to be suppressed")
	}
	if len(reasons) != 1 || reasons[0] != "Data-loss detected: no retries remaining" {
		t.Fatalf("unexpected reasons %v", reasons)
	}
	if !r.Reported() {
		t.Fatalf("expected reporter to remember it fired")
	}
}
