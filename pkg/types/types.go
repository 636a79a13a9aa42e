package types

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the operation type of a request.
type Kind int

const (
	Read Kind = iota
	Write
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is Read or Write.
func (k Kind) Valid() bool {
	return k == Read || k == Write
}

// PolicyID identifies a scheduling policy. The numeric values are persisted in
// the pattern-matching file and must not change.
type PolicyID int32

const (
	NOOP PolicyID = iota
	TO
	SJF
	TWINS
)

// NoPolicy marks the absence of a policy choice.
const NoPolicy PolicyID = -1

// AllPolicies lists every policy in identifier order. Iteration over policies
// that must be deterministic uses this order.
var AllPolicies = []PolicyID{NOOP, TO, SJF, TWINS}

// String returns the policy name
func (p PolicyID) String() string {
	switch p {
	case NOOP:
		return "NOOP"
	case TO:
		return "TO"
	case SJF:
		return "SJF"
	case TWINS:
		return "TWINS"
	case NoPolicy:
		return "NONE"
	default:
		return fmt.Sprintf("policy(%d)", int32(p))
	}
}

// Valid reports whether p names a known policy.
func (p PolicyID) Valid() bool {
	return p >= NOOP && p <= TWINS
}

// ParsePolicy parses a policy name, case-insensitively.
func ParsePolicy(name string) (PolicyID, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "NOOP":
		return NOOP, nil
	case "TO", "TIME_ORDER":
		return TO, nil
	case "SJF":
		return SJF, nil
	case "TWINS":
		return TWINS, nil
	default:
		return NoPolicy, fmt.Errorf("unknown scheduling policy: %q", name)
	}
}

// Request is one client request as handed back through the client callbacks.
type Request struct {
	FileID     string
	Kind       Kind
	Offset     int64
	Length     int64
	Tag        interface{}
	Queue      int
	Arrival    time.Time
	Dispatched time.Time
}

// End returns the first byte after the request.
func (r Request) End() int64 {
	return r.Offset + r.Length
}
