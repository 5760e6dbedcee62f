// Package record defines the displayable content unit shared by the source
// watcher, the remote fetcher, and the broadcast server.
package record

import "strings"

// Record is one unit of displayable content tied to a human-readable
// reference. Records are value types: construct a new one rather than
// mutating in place.
type Record struct {
	Text      string `json:"text"`
	Reference string `json:"reference"`
	Book      string `json:"book"`
	Chapter   string `json:"chapter"`
	Verse     string `json:"verse"`
	HTML      string `json:"html,omitempty"`
}

// New builds a Record with its Reference composed from chapter and verse.
func New(book, chapter, verse, text string) Record {
	return Record{
		Text:      text,
		Reference: FormatReference(chapter, verse),
		Book:      book,
		Chapter:   chapter,
		Verse:     verse,
	}
}

// FormatReference composes the short reference form used on the wire,
// e.g. "3:16".
func FormatReference(chapter, verse string) string {
	return strings.TrimSpace(chapter) + ":" + strings.TrimSpace(verse)
}

// Set is an ordered group of related records from one refresh cycle. The
// first element is treated as the primary by display clients; order is
// otherwise not ranked.
type Set []Record

// Find returns the first record whose Reference equals ref.
func (s Set) Find(ref string) (Record, bool) {
	for _, r := range s {
		if r.Reference == ref {
			return r, true
		}
	}
	return Record{}, false
}

// Clone returns an independent copy so callers can hold a Set across
// subsequent state transitions.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	copy(out, s)
	return out
}
