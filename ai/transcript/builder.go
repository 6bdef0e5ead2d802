// Package transcript accumulates an agent run's structured reply — the
// interleaving of reasoning, tool calls, tool results and final text —
// as a streamable xmarkdown string. The same tagged form is stored in
// message.content, so the client parses identical markup live and from
// history.
//
// Tag format:
//
//	<think>reasoning</think>
//	<tool-call name="tool_name" arguments='{"key":"val"}'>streamed args</tool-call>
//	<tool-result name="tool_name" status="success">result text</tool-result>
//	plain markdown (final output)
package transcript

import (
	"fmt"
	"strings"
)

// PartType identifies one segment kind of the transcript.
type PartType string

const (
	PartThink      PartType = "think"
	PartToolCall   PartType = "tool_call"
	PartToolArgs   PartType = "tool_args"
	PartToolResult PartType = "tool_result"
	PartText       PartType = "text"
)

// maxToolResultLen bounds a persisted tool result body.
const maxToolResultLen = 2000

type part struct {
	ptype   PartType
	content string
}

// Builder accumulates parts. Every mutator returns the exact delta
// string to broadcast, structural bytes included, so the concatenation
// of all returned deltas is byte-identical to String() once the builder
// is finalized.
type Builder struct {
	parts       []part
	currentType PartType
}

func NewBuilder() *Builder {
	return &Builder{}
}

// sep returns the blank-line separator due before a new part.
func (b *Builder) sep() string {
	if len(b.parts) == 0 {
		return ""
	}
	return "\n\n"
}

// closeOpenThink emits the closing bytes of an open think part.
func (b *Builder) closeOpenThink() string {
	if b.currentType == PartThink {
		b.currentType = ""
		return "\n</think>"
	}
	return ""
}

// AddThinking appends reasoning text, opening a new think part when the
// current part is of another kind.
func (b *Builder) AddThinking(delta string) string {
	if b.currentType == PartThink {
		b.parts[len(b.parts)-1].content += delta
		return delta
	}
	prefix := b.closeOpenThink() + b.sep() + "<think>\n"
	b.currentType = PartThink
	b.parts = append(b.parts, part{PartThink, delta})
	return prefix + delta
}

// StartToolCall opens a tool_call part. Single quotes inside args are
// escaped so the attribute survives the quoting.
func (b *Builder) StartToolCall(name, args string) string {
	prefix := b.closeOpenThink() + b.sep()
	escaped := strings.ReplaceAll(args, "'", "\\'")
	tag := fmt.Sprintf("<tool-call name=%q arguments='%s'>", name, escaped)
	b.currentType = PartToolCall
	b.parts = append(b.parts, part{PartToolCall, tag})
	return prefix + tag
}

// AppendToolArgs appends streamed argument bytes inside the open
// tool_call part.
func (b *Builder) AppendToolArgs(delta string) string {
	if n := len(b.parts); n > 0 && b.parts[n-1].ptype == PartToolCall {
		b.parts[n-1].content += delta
	}
	return delta
}

// EndToolCall closes the open tool_call part.
func (b *Builder) EndToolCall() string {
	const tag = "</tool-call>"
	if n := len(b.parts); n > 0 && b.parts[n-1].ptype == PartToolCall {
		b.parts[n-1].content += tag
		b.currentType = ""
	}
	return tag
}

// AddToolResult appends a complete tool_result part. The body is
// truncated to the persisted bound.
func (b *Builder) AddToolResult(name, result, status string) string {
	prefix := b.closeOpenThink() + b.sep()
	if len(result) > maxToolResultLen {
		result = result[:maxToolResultLen]
	}
	tag := fmt.Sprintf("<tool-result name=%q status=%q>\n%s\n</tool-result>", name, status, result)
	b.currentType = PartToolResult
	b.parts = append(b.parts, part{PartToolResult, tag})
	return prefix + tag
}

// AddText appends final output text, opening a new text part when the
// current part is of another kind.
func (b *Builder) AddText(delta string) string {
	if b.currentType == PartText {
		b.parts[len(b.parts)-1].content += delta
		return delta
	}
	prefix := b.closeOpenThink() + b.sep()
	b.currentType = PartText
	b.parts = append(b.parts, part{PartText, delta})
	return prefix + delta
}

// Finalize closes any still-open think part and returns the closing
// bytes the caller must broadcast; "" when nothing was open.
func (b *Builder) Finalize() string {
	return b.closeOpenThink()
}

// String returns the full xmarkdown form: parts joined by a blank line,
// think parts wrapped in their tags.
func (b *Builder) String() string {
	sections := make([]string, 0, len(b.parts))
	for _, p := range b.parts {
		if p.ptype == PartThink {
			sections = append(sections, "<think>\n"+p.content+"\n</think>")
		} else {
			sections = append(sections, p.content)
		}
	}
	return strings.Join(sections, "\n\n")
}

// TextOnly returns the concatenation of text parts — the degenerate
// plain answer without think/tool markup.
func (b *Builder) TextOnly() string {
	var sb strings.Builder
	for _, p := range b.parts {
		if p.ptype == PartText {
			sb.WriteString(p.content)
		}
	}
	return sb.String()
}

// HasContent reports whether anything was accumulated.
func (b *Builder) HasContent() bool {
	return len(b.parts) > 0
}
