package orchestrator

import "strings"

const (
	titleOpen  = "<title>"
	titleClose = "</title>"
)

// InlineParser scans streamed text deltas for inline directives the model
// embeds in its visible output. Directives are stripped from the visible
// text and dispatched as side-effects. The scanner tolerates directives
// split across any number of deltas.
type InlineParser struct {
	onTitle func(title string)

	pending string
	inTitle bool
	title   strings.Builder
}

// NewInlineParser creates a parser dispatching <title> directives.
func NewInlineParser(onTitle func(string)) *InlineParser {
	return &InlineParser{onTitle: onTitle}
}

// Feed consumes one delta and returns the visible portion.
func (p *InlineParser) Feed(delta string) string {
	p.pending += delta
	var visible strings.Builder

	for {
		if p.inTitle {
			if idx := strings.Index(p.pending, titleClose); idx >= 0 {
				p.title.WriteString(p.pending[:idx])
				p.pending = p.pending[idx+len(titleClose):]
				p.inTitle = false
				if p.onTitle != nil {
					if title := strings.TrimSpace(p.title.String()); title != "" {
						p.onTitle(title)
					}
				}
				p.title.Reset()
				continue
			}
			// Keep a possible partial close tag; buffer the rest as title.
			keep := partialSuffix(p.pending, titleClose)
			p.title.WriteString(p.pending[:len(p.pending)-keep])
			p.pending = p.pending[len(p.pending)-keep:]
			return visible.String()
		}

		if idx := strings.Index(p.pending, titleOpen); idx >= 0 {
			visible.WriteString(p.pending[:idx])
			p.pending = p.pending[idx+len(titleOpen):]
			p.inTitle = true
			continue
		}
		keep := partialSuffix(p.pending, titleOpen)
		visible.WriteString(p.pending[:len(p.pending)-keep])
		p.pending = p.pending[len(p.pending)-keep:]
		return visible.String()
	}
}

// Flush returns any buffered text at stream end. An unterminated directive
// is surfaced verbatim rather than swallowed.
func (p *InlineParser) Flush() string {
	var out string
	if p.inTitle {
		out = titleOpen + p.title.String() + p.pending
		p.title.Reset()
		p.inTitle = false
	} else {
		out = p.pending
	}
	p.pending = ""
	return out
}

// partialSuffix returns the length of the longest suffix of s that is a
// proper prefix of tag.
func partialSuffix(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}
