package wopi

import (
	"strings"
	"time"
)

// TimestampLayout is the wire format of LastModifiedTime and the
// X-LOOL-WOPI-Timestamp header.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// VersionToken is the host's opaque version of a document. Tokens are only
// ever compared for equality; the zero token means "unknown".
type VersionToken struct {
	value string
}

func NewVersionToken(raw string) VersionToken {
	return VersionToken{value: strings.TrimSpace(raw)}
}

func TokenFromTime(t time.Time) VersionToken {
	if t.IsZero() {
		return VersionToken{}
	}
	return VersionToken{value: t.UTC().Format(TimestampLayout)}
}

func (t VersionToken) IsZero() bool {
	return t.value == ""
}

func (t VersionToken) Equal(other VersionToken) bool {
	return t.value == other.value
}

func (t VersionToken) String() string {
	return t.value
}
