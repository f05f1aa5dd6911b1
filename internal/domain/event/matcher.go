package event

// Matcher selects the events a handler is interested in.
// Implementations must be pure so they can be evaluated concurrently.
type Matcher interface {
	Match(e Event) bool
}

// MatchFunc adapts a predicate to the Matcher interface.
type MatchFunc func(e Event) bool

// Match implements Matcher.
func (f MatchFunc) Match(e Event) bool {
	return f(e)
}

// MatchEvents matches events whose type is in the list.
type MatchEvents []Type

// Match implements Matcher.
func (m MatchEvents) Match(e Event) bool {
	for _, t := range m {
		if e.Type == t {
			return true
		}
	}
	return false
}

// MatchAggregates matches events whose aggregate type is in the list.
type MatchAggregates []AggregateType

// Match implements Matcher.
func (m MatchAggregates) Match(e Event) bool {
	for _, t := range m {
		if e.AggregateType == t {
			return true
		}
	}
	return false
}

// MatchAny matches if any sub-matcher matches. An empty MatchAny matches nothing.
type MatchAny []Matcher

// Match implements Matcher.
func (m MatchAny) Match(e Event) bool {
	for _, sub := range m {
		if sub != nil && sub.Match(e) {
			return true
		}
	}
	return false
}

// MatchAll matches if every sub-matcher matches. An empty MatchAll matches everything.
type MatchAll []Matcher

// Match implements Matcher.
func (m MatchAll) Match(e Event) bool {
	for _, sub := range m {
		if sub != nil && !sub.Match(e) {
			return false
		}
	}
	return true
}
