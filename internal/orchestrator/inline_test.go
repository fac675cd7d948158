package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func feedAll(p *InlineParser, deltas ...string) string {
	var b strings.Builder
	for _, d := range deltas {
		b.WriteString(p.Feed(d))
	}
	b.WriteString(p.Flush())
	return b.String()
}

func TestInlineParserStripsTitle(t *testing.T) {
	var title string
	p := NewInlineParser(func(s string) { title = s })

	out := feedAll(p, "<title>My Session</title>Hello world")
	require.Equal(t, "Hello world", out)
	require.Equal(t, "My Session", title)
}

func TestInlineParserTagSplitAcrossDeltas(t *testing.T) {
	var title string
	p := NewInlineParser(func(s string) { title = s })

	out := feedAll(p, "Intro <ti", "tle>Spl", "it Title</ti", "tle> outro")
	require.Equal(t, "Intro  outro", out)
	require.Equal(t, "Split Title", title)
}

func TestInlineParserUnterminatedDirectiveSurfaced(t *testing.T) {
	called := false
	p := NewInlineParser(func(string) { called = true })

	out := feedAll(p, "before <title>never closed")
	require.Equal(t, "before <title>never closed", out)
	require.False(t, called)
}

func TestInlineParserPlainAngleBrackets(t *testing.T) {
	p := NewInlineParser(func(string) {})
	out := feedAll(p, "if a <", " b then", " x < y")
	require.Equal(t, "if a < b then x < y", out)
}

func TestInlineParserIgnoresEmptyTitle(t *testing.T) {
	called := false
	p := NewInlineParser(func(string) { called = true })

	out := feedAll(p, "a<title>  </title>b")
	require.Equal(t, "ab", out)
	require.False(t, called)
}

func TestInlineParserMultipleDirectivesAllDispatch(t *testing.T) {
	var titles []string
	p := NewInlineParser(func(s string) { titles = append(titles, s) })

	out := feedAll(p, "<title>One</title>mid<title>Two</title>end")
	require.Equal(t, "midend", out)
	require.Equal(t, []string{"One", "Two"}, titles)
}
