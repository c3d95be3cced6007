package docbroker

import "github.com/agentworkforce/docsync/internal/wopi"

// ConflictEvent describes a store the host rejected because the document
// changed underneath us.
type ConflictEvent struct {
	// HostToken is the host's current token, zero when the host did not
	// report one.
	HostToken wopi.VersionToken
	// CachedToken is the token the rejected store was sent with.
	CachedToken wopi.VersionToken
	// Forced is set when the rejected store carried no token at all.
	Forced bool
}

// DetectConflict reports whether out requires an explicit resolution.
// Only Conflict outcomes do; a forced store has nothing to conflict against,
// so a host that still rejects one is surfaced with Forced set.
func DetectConflict(cached wopi.VersionToken, out wopi.Outcome) (ConflictEvent, bool) {
	if out.Result != wopi.ResultConflict {
		return ConflictEvent{}, false
	}
	return ConflictEvent{
		HostToken:   out.Token,
		CachedToken: cached,
		Forced:      cached.IsZero(),
	}, true
}

// Stale reports whether the host really holds a different version than the
// one we stored against. A conflict whose host token matches ours is worth
// a plain retry.
func (e ConflictEvent) Stale() bool {
	if e.HostToken.IsZero() {
		return true
	}
	return !e.HostToken.Equal(e.CachedToken)
}
