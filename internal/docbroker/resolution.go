package docbroker

import "fmt"

// Action is what to do about a pending conflict.
type Action int

const (
	ActionRetry Action = iota + 1
	ActionOverwrite
	ActionDiscard
	ActionDisconnect
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionOverwrite:
		return "overwrite"
	case ActionDiscard:
		return "discard"
	case ActionDisconnect:
		return "disconnect"
	default:
		return "none"
	}
}

func ParseAction(raw string) (Action, error) {
	switch raw {
	case "retry":
		return ActionRetry, nil
	case "overwrite":
		return ActionOverwrite, nil
	case "discard":
		return ActionDiscard, nil
	case "disconnect", "":
		return ActionDisconnect, nil
	}
	return 0, fmt.Errorf("unknown conflict action %q", raw)
}

// ConflictPolicy is the caller's standing answer to conflicts. A zero
// Preferred means nobody is there to decide, which disconnects.
type ConflictPolicy struct {
	Preferred Action
}

// ChooseAction maps a conflict to one action. A conflict whose host token
// still matches ours is retried before asking the policy.
func ChooseAction(state State, ev ConflictEvent, policy ConflictPolicy) Action {
	if state == StateClosed {
		return ActionDisconnect
	}
	if !ev.Forced && !ev.Stale() {
		return ActionRetry
	}
	if policy.Preferred == 0 {
		return ActionDisconnect
	}
	return policy.Preferred
}

// Apply executes action against b.
func Apply(b *Broker, action Action) error {
	switch action {
	case ActionRetry:
		return b.Save()
	case ActionOverwrite:
		return b.Resolve(ResolveOverwrite)
	case ActionDiscard:
		return b.Resolve(ResolveDiscard)
	case ActionDisconnect:
		return b.Disconnect()
	}
	return fmt.Errorf("unknown conflict action %d", action)
}
