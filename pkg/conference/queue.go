package conference

import "github.com/riverine/focus/pkg/source"

// changeKind distinguishes the two directions of a queued source change.
type changeKind int

const (
	sourceAdd changeKind = iota
	sourceRemove
)

// sourceChange is one pending Jingle source-add or source-remove for a
// participant.
type sourceChange struct {
	kind    changeKind
	sources source.ConferenceSourceMap
}

// changeQueue accumulates outgoing source changes while a participant's
// session is not yet able to receive them. Consecutive entries of the same
// kind are merged so a participant that was slow to accept gets one combined
// source-add instead of a burst.
type changeQueue struct {
	entries []sourceChange
}

func (q *changeQueue) Enqueue(kind changeKind, sources source.ConferenceSourceMap) {
	if sources.IsEmpty() {
		return
	}
	if n := len(q.entries); n > 0 && q.entries[n-1].kind == kind {
		q.entries[n-1].sources.AddMap(sources)
		return
	}
	q.entries = append(q.entries, sourceChange{kind: kind, sources: sources.Clone()})
}

// Drain returns the pending entries and empties the queue.
func (q *changeQueue) Drain() []sourceChange {
	entries := q.entries
	q.entries = nil
	return entries
}

func (q *changeQueue) Empty() bool {
	return len(q.entries) == 0
}
