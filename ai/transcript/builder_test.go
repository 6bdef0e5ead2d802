package transcript

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThinkThenText(t *testing.T) {
	b := NewBuilder()
	var deltas []string
	deltas = append(deltas, b.AddThinking("let me "))
	deltas = append(deltas, b.AddThinking("think"))
	deltas = append(deltas, b.AddText("Hello"))
	deltas = append(deltas, b.AddText(" world"))
	deltas = append(deltas, b.Finalize())

	want := "<think>\nlet me think\n</think>\n\nHello world"
	assert.Equal(t, want, b.String())
	assert.Equal(t, want, strings.Join(deltas, ""), "deltas concatenate to the persisted form")
	assert.Equal(t, "Hello world", b.TextOnly())
}

func TestToolRound(t *testing.T) {
	b := NewBuilder()
	var deltas []string
	deltas = append(deltas, b.AddThinking("searching"))
	deltas = append(deltas, b.StartToolCall("web_search", ""))
	deltas = append(deltas, b.AppendToolArgs(`{"query":`))
	deltas = append(deltas, b.AppendToolArgs(`"cats"}`))
	deltas = append(deltas, b.EndToolCall())
	deltas = append(deltas, b.AddToolResult("web_search", "1. cats are great", "success"))
	deltas = append(deltas, b.AddText("Cats!"))
	deltas = append(deltas, b.Finalize())

	got := b.String()
	assert.Equal(t, got, strings.Join(deltas, ""))
	assert.Contains(t, got, `<tool-call name="web_search" arguments=''>{"query":"cats"}</tool-call>`)
	assert.Contains(t, got, "<tool-result name=\"web_search\" status=\"success\">\n1. cats are great\n</tool-result>")

	// Every open tag has exactly one close tag.
	for _, tag := range []string{"think", "tool-call", "tool-result"} {
		opens := strings.Count(got, "<"+tag)
		closes := strings.Count(got, "</"+tag+">")
		assert.Equal(t, opens, closes, tag)
	}
}

func TestSingleQuoteEscaping(t *testing.T) {
	b := NewBuilder()
	b.StartToolCall("code_execute", `{"code":"print('hi')"}`)
	b.EndToolCall()
	assert.Contains(t, b.String(), `arguments='{"code":"print(\'hi\')"}'`)
}

func TestToolResultTruncation(t *testing.T) {
	b := NewBuilder()
	long := strings.Repeat("x", 5000)
	b.AddToolResult("web_open", long, "success")
	parts := Parse(b.String())
	require.Len(t, parts, 1)
	assert.Len(t, parts[0].Content, 2000)
}

func TestInterleavedThinkRounds(t *testing.T) {
	// think → tool round → think again → text, as interleaved providers
	// produce. Each think gets its own wrapped part.
	b := NewBuilder()
	var deltas []string
	deltas = append(deltas, b.AddThinking("first"))
	deltas = append(deltas, b.StartToolCall("web_find", ""))
	deltas = append(deltas, b.EndToolCall())
	deltas = append(deltas, b.AddToolResult("web_find", "no matches", "error"))
	deltas = append(deltas, b.AddThinking("second"))
	deltas = append(deltas, b.AddText("done"))
	deltas = append(deltas, b.Finalize())

	got := b.String()
	assert.Equal(t, got, strings.Join(deltas, ""))
	assert.Equal(t, 2, strings.Count(got, "<think>"))
	assert.Equal(t, 2, strings.Count(got, "</think>"))
}

func TestRoundTrip(t *testing.T) {
	b := NewBuilder()
	b.AddThinking("plan the answer")
	b.StartToolCall("web_search", "")
	b.AppendToolArgs(`{"query":"weather <today>"}`)
	b.EndToolCall()
	b.AddToolResult("web_search", "result with <angle> brackets", "success")
	b.AddText("It is sunny.\n\nEnjoy!")
	b.Finalize()

	parts := Parse(b.String())
	require.Len(t, parts, 4)

	assert.Equal(t, PartThink, parts[0].Type)
	assert.Equal(t, "plan the answer", parts[0].Content)

	assert.Equal(t, PartToolCall, parts[1].Type)
	assert.Equal(t, "web_search", parts[1].Name)
	assert.Equal(t, `{"query":"weather <today>"}`, parts[1].Content)

	assert.Equal(t, PartToolResult, parts[2].Type)
	assert.Equal(t, "success", parts[2].Status)
	assert.Equal(t, "result with <angle> brackets", parts[2].Content)

	assert.Equal(t, PartText, parts[3].Type)
	assert.Equal(t, "It is sunny.\n\nEnjoy!", parts[3].Content)
}

func TestParseUnescapesArgs(t *testing.T) {
	b := NewBuilder()
	b.StartToolCall("code_execute", `{"code":"print('2')"}`)
	b.EndToolCall()
	parts := Parse(b.String())
	require.Len(t, parts, 1)
	assert.Equal(t, `{"code":"print('2')"}`, parts[0].Args)
}

func TestEmptyBuilder(t *testing.T) {
	b := NewBuilder()
	assert.False(t, b.HasContent())
	assert.Equal(t, "", b.String())
	assert.Equal(t, "", b.Finalize())
	assert.Empty(t, Parse(""))
}
