package stream

import (
	"regexp"
	"sync"
)

// DefaultMarker is the record tag the agent backend uses in its trace output.
const DefaultMarker = "AIMessage"

var defaultExtractor = NewExtractor(DefaultMarker)

// Extractor pulls agent message records of the form
//
//	<Marker>(content='...')
//
// out of a raw trace. The content ends at the next single quote; quotes inside
// the message are not escaped by the backend, so such messages are truncated.
type Extractor struct {
	marker string
	once   sync.Once
	re     *regexp.Regexp
}

func NewExtractor(marker string) *Extractor {
	if marker == "" {
		marker = DefaultMarker
	}
	return &Extractor{marker: marker}
}

func (e *Extractor) pattern() *regexp.Regexp {
	e.once.Do(func() {
		e.re = regexp.MustCompile(regexp.QuoteMeta(e.marker) + `\(content='([^']*)'`)
	})
	return e.re
}

// ExtractAll returns the content of every record, in order of appearance.
func (e *Extractor) ExtractAll(raw string) []string {
	matches := e.pattern().FindAllStringSubmatch(raw, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// Extract returns the content of the last record, or "" when there is none.
func (e *Extractor) Extract(raw string) string {
	all := e.ExtractAll(raw)
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1]
}

// ExtractFinalMessage applies the default AIMessage extractor.
func ExtractFinalMessage(raw string) string {
	return defaultExtractor.Extract(raw)
}
