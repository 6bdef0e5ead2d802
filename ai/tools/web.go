package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/pkg/errors"
)

const (
	maxSearchResults = 10
	fetchBodyLimit   = 2 << 20 // 2 MiB of page body is plenty for text extraction
)

// SearchResult is one hit from the search backend.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Summary string `json:"summary"`
}

// SearchClient queries an external web search API.
type SearchClient interface {
	Search(ctx context.Context, query string, topn int) ([]SearchResult, error)
}

// ExaClient implements SearchClient against the Exa search API.
type ExaClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewExaClient creates a search client. baseURL defaults to the public
// Exa endpoint.
func NewExaClient(apiKey, baseURL string) *ExaClient {
	if baseURL == "" {
		baseURL = "https://api.exa.ai"
	}
	return &ExaClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *ExaClient) Search(ctx context.Context, query string, topn int) ([]SearchResult, error) {
	if c.apiKey == "" {
		return nil, errors.New("search api key not configured")
	}
	payload, err := json.Marshal(map[string]any{
		"query":      query,
		"numResults": topn,
		"contents":   map[string]any{"summary": true},
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode search request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build search request")
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "search request failed")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, errors.Errorf("search api error %d: %s", resp.StatusCode, string(body))
	}

	var decoded struct {
		Results []SearchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errors.Wrap(err, "decode search response")
	}
	return decoded.Results, nil
}

// Browser owns the per-run browser states and the page fetch path.
type Browser struct {
	search SearchClient
	http   *http.Client

	mu     sync.Mutex
	states map[string]*BrowserState
}

// NewBrowser creates the browser service shared by the web tools.
func NewBrowser(search SearchClient) *Browser {
	return &Browser{
		search: search,
		http:   &http.Client{Timeout: 30 * time.Second},
		states: make(map[string]*BrowserState),
	}
}

// stateFor returns the run's browser state, creating it on first use.
func (b *Browser) stateFor(runID string) *BrowserState {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[runID]
	if !ok {
		state = NewBrowserState()
		b.states[runID] = state
	}
	return state
}

// ReleaseRun drops the run's browser state; called when a run ends.
func (b *Browser) ReleaseRun(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, runID)
}

// fetchPage downloads a URL and extracts its readable text.
func (b *Browser) fetchPage(ctx context.Context, rawURL string) (*Page, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, errors.Errorf("invalid url: %s", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build page request")
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; agentd/1.0)")

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch %s", rawURL)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, fetchBodyLimit), parsed)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to extract readable text from %s", rawURL)
	}
	title := article.Title
	if title == "" {
		title = rawURL
	}
	return &Page{
		URL:   rawURL,
		Title: title,
		Lines: wrapLines(article.TextContent),
		Links: map[string]string{},
	}, nil
}

// WebSearchTool queries the search backend and registers the result
// page in the run's browser state.
type WebSearchTool struct {
	browser *Browser
}

func NewWebSearchTool(browser *Browser) *WebSearchTool {
	return &WebSearchTool{browser: browser}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web. Returns a numbered result page; pass a result number to web_open to read it."
}

func (t *WebSearchTool) Parameters() string {
	return `{"type":"object","properties":{"query":{"type":"string","description":"search query"},"topn":{"type":"integer","description":"number of results, max 10"}},"required":["query"],"additionalProperties":false}`
}

func (t *WebSearchTool) RequiresApproval() bool { return false }

func (t *WebSearchTool) Execute(ctx context.Context, args string) (string, error) {
	var params struct {
		Query string `json:"query"`
		TopN  int    `json:"topn"`
	}
	if err := json.Unmarshal([]byte(args), &params); err != nil {
		return "", errors.Wrap(err, "invalid web_search arguments")
	}
	if strings.TrimSpace(params.Query) == "" {
		return "", errors.New("query is required")
	}
	if params.TopN <= 0 || params.TopN > maxSearchResults {
		params.TopN = maxSearchResults
	}

	results, err := t.browser.search.Search(ctx, params.Query, params.TopN)
	if err != nil {
		return "", err
	}
	slog.Info("web search", "query", params.Query, "results", len(results))

	lines := []string{fmt.Sprintf("Search Results for: %s", params.Query), strings.Repeat("=", 50), ""}
	links := make(map[string]string, len(results))
	for i, r := range results {
		title := r.Title
		if title == "" {
			title = "Untitled"
		}
		lines = append(lines, fmt.Sprintf("【%d】%s", i, title))
		lines = append(lines, fmt.Sprintf("  URL: %s", r.URL))
		if summary := preview200(r.Summary); summary != "" {
			lines = append(lines, "  "+summary)
		}
		lines = append(lines, "")
		links[strconv.Itoa(i)] = r.URL
	}

	page := &Page{
		URL:   "search://" + url.QueryEscape(params.Query),
		Title: "Search: " + params.Query,
		Lines: wrapLines(strings.Join(lines, "\n")),
		Links: links,
	}
	state := t.browser.stateFor(CallMetaFrom(ctx).RunID)
	cursor := state.Push(page)
	return formatPageView(page, cursor, 0, -1), nil
}

// WebOpenTool opens a numbered result or a raw URL, or scrolls the
// current page when no target is given.
type WebOpenTool struct {
	browser *Browser
}

func NewWebOpenTool(browser *Browser) *WebOpenTool {
	return &WebOpenTool{browser: browser}
}

func (t *WebOpenTool) Name() string { return "web_open" }

func (t *WebOpenTool) Description() string {
	return "Open a link id from the current page or a full URL; omit id_or_url to scroll the current page from start_line."
}

func (t *WebOpenTool) Parameters() string {
	return `{"type":"object","properties":{"id_or_url":{"type":"string","description":"numbered link id or a full http(s) URL; omit to scroll"},"start_line":{"type":"integer","description":"first line to display"},"num_lines":{"type":"integer","description":"lines to display, default 50"}},"required":[],"additionalProperties":false}`
}

func (t *WebOpenTool) RequiresApproval() bool { return false }

func (t *WebOpenTool) Execute(ctx context.Context, args string) (string, error) {
	var params struct {
		IDOrURL   any `json:"id_or_url"`
		StartLine int `json:"start_line"`
		NumLines  int `json:"num_lines"`
	}
	if err := json.Unmarshal([]byte(args), &params); err != nil {
		return "", errors.Wrap(err, "invalid web_open arguments")
	}
	state := t.browser.stateFor(CallMetaFrom(ctx).RunID)

	target := normalizeTarget(params.IDOrURL)
	switch {
	case target == "":
		// Scroll the current page.
		page, cursor, ok := state.Get(-1)
		if !ok {
			return "", errors.New("no page to scroll, call web_search or open a URL first")
		}
		return formatPageView(page, cursor, params.StartLine, params.NumLines), nil

	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		page, err := t.browser.fetchPage(ctx, target)
		if err != nil {
			return "", err
		}
		cursor := state.Push(page)
		return formatPageView(page, cursor, params.StartLine, params.NumLines), nil

	default:
		// Numbered link on the current page.
		current, _, ok := state.Get(-1)
		if !ok {
			return "", errors.Errorf("invalid link id %q: no open page, call web_search first or pass a full URL", target)
		}
		linkURL, ok := current.Links[target]
		if !ok {
			return "", errors.Errorf("invalid link id %q: valid ids are [%s]", target, strings.Join(sortedLinkIDs(current.Links), ", "))
		}
		page, err := t.browser.fetchPage(ctx, linkURL)
		if err != nil {
			return "", err
		}
		cursor := state.Push(page)
		return formatPageView(page, cursor, params.StartLine, params.NumLines), nil
	}
}

// WebFindTool searches the current page's lines for a substring.
type WebFindTool struct {
	browser *Browser
}

func NewWebFindTool(browser *Browser) *WebFindTool {
	return &WebFindTool{browser: browser}
}

func (t *WebFindTool) Name() string { return "web_find" }

func (t *WebFindTool) Description() string {
	return "Case-insensitive substring search over the current page; returns up to 20 matching lines with context."
}

func (t *WebFindTool) Parameters() string {
	return `{"type":"object","properties":{"pattern":{"type":"string","description":"substring to find"}},"required":["pattern"],"additionalProperties":false}`
}

func (t *WebFindTool) RequiresApproval() bool { return false }

func (t *WebFindTool) Execute(ctx context.Context, args string) (string, error) {
	var params struct {
		Pattern string `json:"pattern"`
	}
	if err := json.Unmarshal([]byte(args), &params); err != nil {
		return "", errors.Wrap(err, "invalid web_find arguments")
	}
	if params.Pattern == "" {
		return "", errors.New("pattern is required")
	}
	state := t.browser.stateFor(CallMetaFrom(ctx).RunID)
	page, _, ok := state.Get(-1)
	if !ok {
		return "", errors.New("no page to search, open a page first")
	}

	matches := findInPage(page, params.Pattern)
	if len(matches) == 0 {
		return fmt.Sprintf("No matches found for: `%s`", params.Pattern), nil
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Find results for: `%s` in `%s`\n", params.Pattern, page.Title))
	sb.WriteString(strings.Repeat("=", 50))
	sb.WriteString("\n\n")
	sb.WriteString(strings.Join(matches, "\n\n"))
	return sb.String(), nil
}

// normalizeTarget folds the id_or_url argument, which models send as
// either a string or a bare number, into a string.
func normalizeTarget(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		s := strings.TrimSpace(t)
		if s == "-1" {
			return ""
		}
		return s
	case float64:
		if t < 0 {
			return ""
		}
		return strconv.Itoa(int(t))
	default:
		return fmt.Sprintf("%v", t)
	}
}

func sortedLinkIDs(links map[string]string) []string {
	ids := make([]string, 0, len(links))
	for id := range links {
		ids = append(ids, id)
	}
	// Link ids are small integers; numeric order reads better.
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, _ := strconv.Atoi(ids[i])
			b, _ := strconv.Atoi(ids[j])
			if b < a {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	return ids
}

func preview200(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}
