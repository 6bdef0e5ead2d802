package contextmgr

import (
	"fmt"
	"strings"

	"github.com/lumichat/agentd/ai/transcript"
)

const (
	// summaryMaxLen bounds a summarized historical transcript injected
	// into the prompt.
	summaryMaxLen    = 420
	argsPreviewLen   = 60
	resultPreviewLen = 100
)

// SummarizeTranscript reduces a persisted agent transcript for prompt
// injection: reasoning is elided, tool calls shrink to name(args),
// tool results to name/status: preview, plain text is kept. The whole
// summary is capped so historical runs cannot blow up the context, and
// the model never sees another run's reasoning verbatim.
func SummarizeTranscript(content string) string {
	return summarize(content, summaryMaxLen)
}

func summarize(content string, maxLen int) string {
	parts := transcript.Parse(content)
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case transcript.PartThink:
			// elided
		case transcript.PartToolCall:
			args := p.Args
			if args == "" {
				args = p.Content
			}
			segments = append(segments, fmt.Sprintf("%s(%s)", p.Name, preview(args, argsPreviewLen)))
		case transcript.PartToolResult:
			segments = append(segments, fmt.Sprintf("%s/%s: %s", p.Name, p.Status, preview(p.Content, resultPreviewLen)))
		case transcript.PartText:
			if text := collapseSpace(p.Content); text != "" {
				segments = append(segments, text)
			}
		}
	}
	return preview(strings.Join(segments, " "), maxLen)
}

// preview collapses whitespace and truncates to maxLen runes with an
// ellipsis.
func preview(s string, maxLen int) string {
	s = collapseSpace(s)
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
