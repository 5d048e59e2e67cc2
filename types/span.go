package types

// Span is a token-index range, End inclusive.
type Span struct {
	Begin int
	End   int
}

func (span Span) Equals(other Span) bool {
	return span.Begin == other.Begin && span.End == other.End
}

func (span Span) Overlaps(other Span) bool {
	return span.Begin <= other.End && other.Begin <= span.End
}

// Entity is a labeled span decoded from a tag sequence. Entities are
// transient: derived per batch during evaluation, never persisted.
type Entity struct {
	Span
	Label string
}
