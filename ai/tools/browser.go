package tools

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

const (
	pageWrapWidth    = 100
	defaultViewLines = 50
	maxFindMatches   = 20
)

// Page is one entry in the browser's page stack: wrapped lines plus
// the numbered links the model may open next.
type Page struct {
	URL   string
	Title string
	Lines []string
	Links map[string]string // link id -> url
}

// BrowserState is the per-run page stack. Link ids are scoped to the
// run so parallel runs cannot cross-contaminate each other's results.
type BrowserState struct {
	mu    sync.Mutex
	stack []*Page
}

// NewBrowserState creates an empty browser state.
func NewBrowserState() *BrowserState {
	return &BrowserState{}
}

// Push appends a page and returns its cursor.
func (b *BrowserState) Push(page *Page) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stack = append(b.stack, page)
	return len(b.stack) - 1
}

// Get returns the page at cursor; -1 means the top of the stack.
func (b *BrowserState) Get(cursor int) (*Page, int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.stack) == 0 {
		return nil, -1, false
	}
	if cursor == -1 {
		cursor = len(b.stack) - 1
	}
	if cursor < 0 || cursor >= len(b.stack) {
		return nil, -1, false
	}
	return b.stack[cursor], cursor, true
}

// Len returns the page stack depth.
func (b *BrowserState) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.stack)
}

// wrapLines splits text into display lines, hard-wrapping anything
// longer than the page width.
func wrapLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		for len(line) > pageWrapWidth {
			cut := pageWrapWidth
			// Prefer breaking at the last space inside the width.
			if idx := strings.LastIndex(line[:cut], " "); idx > 0 {
				cut = idx
			}
			out = append(out, strings.TrimRight(line[:cut], " "))
			line = strings.TrimLeft(line[cut:], " ")
		}
		out = append(out, line)
	}
	return out
}

// formatPageView renders a window of a page with absolute line numbers
// and a scroll position header.
func formatPageView(page *Page, cursor, startLine, numLines int) string {
	total := len(page.Lines)
	if numLines <= 0 {
		numLines = defaultViewLines
	}
	if startLine < 0 {
		startLine = 0
	}
	if startLine > total {
		startLine = total
	}
	endLine := startLine + numLines
	if endLine > total {
		endLine = total
	}

	header := fmt.Sprintf("[%d] %s", cursor, page.Title)
	if page.URL != "" {
		header += fmt.Sprintf(" (%s)", extractDomain(page.URL))
	}
	scrollbar := fmt.Sprintf("**viewing lines [%d - %d] of %d**", startLine, endLine-1, total-1)

	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString("\n")
	sb.WriteString(scrollbar)
	sb.WriteString("\n\n")
	for i := startLine; i < endLine; i++ {
		sb.WriteString(fmt.Sprintf("L%d: %s\n", i, page.Lines[i]))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// findInPage returns up to maxFindMatches case-insensitive substring
// matches with one line of leading and trailing context each.
func findInPage(page *Page, pattern string) []string {
	needle := strings.ToLower(pattern)
	var matches []string
	for i, line := range page.Lines {
		if !strings.Contains(strings.ToLower(line), needle) {
			continue
		}
		start := i - 1
		if start < 0 {
			start = 0
		}
		end := i + 2
		if end > len(page.Lines) {
			end = len(page.Lines)
		}
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("【%d】match at L%d\n", len(matches), i))
		for j := start; j < end; j++ {
			sb.WriteString(fmt.Sprintf("L%d: %s\n", j, page.Lines[j]))
		}
		matches = append(matches, strings.TrimRight(sb.String(), "\n"))
		if len(matches) >= maxFindMatches {
			break
		}
	}
	return matches
}

func extractDomain(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	if len(raw) > 50 {
		return raw[:50]
	}
	return raw
}
