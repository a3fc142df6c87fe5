package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractFinalMessage(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{name: "no marker", raw: "{'messages': [HumanMessage(content='hi')]}", want: ""},
		{name: "empty", raw: "", want: ""},
		{name: "single", raw: "AIMessage(content='hello')", want: "hello"},
		{
			name: "last of two",
			raw:  "AIMessage(content='first', id='1') ... AIMessage(content='second', id='2')",
			want: "second",
		},
		{
			name: "embedded in trace",
			raw:  "...AIMessage(content='Result: 42')...",
			want: "Result: 42",
		},
		{
			name: "quote truncates",
			raw:  "AIMessage(content='it's fine')",
			want: "it",
		},
		{
			name: "empty content",
			raw:  "AIMessage(content='x') AIMessage(content='')",
			want: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ExtractFinalMessage(tc.raw))
		})
	}
}

func TestExtractor_CustomMarker(t *testing.T) {
	e := NewExtractor("ToolMessage")
	raw := "AIMessage(content='a') ToolMessage(content='b') ToolMessage(content='c')"
	require.Equal(t, []string{"b", "c"}, e.ExtractAll(raw))
	require.Equal(t, "c", e.Extract(raw))
}

func TestExtractor_MarkerIsLiteral(t *testing.T) {
	e := NewExtractor("A.B")
	require.Equal(t, "", e.Extract("AxB(content='nope')"))
	require.Equal(t, "yes", e.Extract("A.B(content='yes')"))
}
