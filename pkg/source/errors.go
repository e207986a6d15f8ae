package source

import "fmt"

// RejectionReason classifies why the graph refused a mutation.
type RejectionReason string

const (
	// SsrcLimitExceeded: the endpoint would exceed the per-endpoint source or
	// group limit.
	SsrcLimitExceeded RejectionReason = "ssrc-limit-exceeded"
	// SsrcConflict: an SSRC is already owned by a different endpoint.
	SsrcConflict RejectionReason = "ssrc-conflict"
	// GroupInconsistent: a group references an SSRC that is not a source of
	// the same endpoint and media kind.
	GroupInconsistent RejectionReason = "group-inconsistent"
)

// ValidationError is returned by Graph.TryAdd when a mutation would violate
// one of the graph invariants. The graph is left untouched.
type ValidationError struct {
	Reason RejectionReason
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}
