package transcript

import (
	"regexp"
	"strings"
)

// Part is one parsed transcript segment. Content holds the inner body
// (reasoning text, streamed args, result body or plain text).
type Part struct {
	Type    PartType
	Content string
	Name    string // tool_call / tool_result
	Args    string // tool_call arguments attribute, unescaped
	Status  string // tool_result
}

var (
	toolCallOpenRe   = regexp.MustCompile(`^<tool-call name="([^"]*)" arguments='((?:\\'|[^'])*)'>`)
	toolResultOpenRe = regexp.MustCompile(`^<tool-result name="([^"]*)" status="([^"]*)">\n`)
)

// Parse reconstructs the part sequence from a persisted transcript.
// Bodies may contain '<' and '>'; only the exact closing tags end a
// part. Malformed tails degrade to text parts rather than failing.
func Parse(content string) []Part {
	parts := make([]Part, 0)
	rest := content
	for rest != "" {
		switch {
		case strings.HasPrefix(rest, "<think>\n"):
			body := rest[len("<think>\n"):]
			if idx := strings.Index(body, "\n</think>"); idx >= 0 {
				parts = append(parts, Part{Type: PartThink, Content: body[:idx]})
				rest = body[idx+len("\n</think>"):]
			} else {
				parts = append(parts, Part{Type: PartThink, Content: body})
				rest = ""
			}
		case strings.HasPrefix(rest, "<tool-call "):
			m := toolCallOpenRe.FindStringSubmatch(rest)
			end := strings.Index(rest, "</tool-call>")
			if m == nil || end < 0 {
				parts = append(parts, Part{Type: PartText, Content: rest})
				rest = ""
				break
			}
			parts = append(parts, Part{
				Type:    PartToolCall,
				Name:    m[1],
				Args:    strings.ReplaceAll(m[2], "\\'", "'"),
				Content: rest[len(m[0]):end],
			})
			rest = rest[end+len("</tool-call>"):]
		case strings.HasPrefix(rest, "<tool-result "):
			m := toolResultOpenRe.FindStringSubmatch(rest)
			end := strings.Index(rest, "\n</tool-result>")
			if m == nil || end < 0 {
				parts = append(parts, Part{Type: PartText, Content: rest})
				rest = ""
				break
			}
			parts = append(parts, Part{
				Type:    PartToolResult,
				Name:    m[1],
				Status:  m[2],
				Content: rest[len(m[0]):end],
			})
			rest = rest[end+len("\n</tool-result>"):]
		default:
			// Plain text runs until the next tagged part boundary.
			idx := nextTagBoundary(rest)
			if idx < 0 {
				parts = append(parts, Part{Type: PartText, Content: rest})
				rest = ""
			} else {
				parts = append(parts, Part{Type: PartText, Content: rest[:idx]})
				rest = rest[idx:]
			}
		}
		rest = strings.TrimPrefix(rest, "\n\n")
	}
	return parts
}

// nextTagBoundary finds the offset of the next "\n\n<tag" boundary, or
// -1 when the remainder is all text.
func nextTagBoundary(s string) int {
	offset := 0
	for {
		idx := strings.Index(s[offset:], "\n\n<")
		if idx < 0 {
			return -1
		}
		abs := offset + idx
		after := s[abs+2:]
		if strings.HasPrefix(after, "<think>\n") ||
			strings.HasPrefix(after, "<tool-call ") ||
			strings.HasPrefix(after, "<tool-result ") {
			return abs
		}
		offset = abs + 2
	}
}
