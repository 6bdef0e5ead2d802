package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Message represents a chat message. Assistant messages that requested
// tools carry ToolCalls; tool-role messages carry the ToolCallID they
// answer.
type Message struct {
	Role       string // system, user, assistant, tool
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// ToolDescriptor represents a function/tool advertised to the model.
type ToolDescriptor struct {
	Name        string
	Description string
	Parameters  string // JSON Schema string
}

// ToolCall represents a fully accumulated tool invocation request.
type ToolCall struct {
	// Index is the provider's slot for this call within its turn; it
	// pairs streamed fragments with the accumulated call.
	Index     int
	ID        string
	Name      string
	Arguments string
}

// StreamDelta is one incremental unit of a streamed response. Exactly
// one of the fields is set per delta.
type StreamDelta struct {
	// Reasoning is a chunk of the model's reasoning trace, for
	// providers that expose it (deepseek-reasoner and compatible).
	Reasoning string
	// Content is a chunk of the answer text.
	Content string
	// ToolCall is an incremental tool-call fragment: the first fragment
	// for an index carries ID and Name, later ones append ArgsDelta.
	ToolCall *ToolCallDelta
}

// ToolCallDelta is an incremental fragment of a streamed tool call.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	ArgsDelta string
}

// CallStats carries token usage and timing for one model call.
type CallStats struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	FirstTokenMs     int64 `json:"first_token_ms"`
	TotalMs          int64 `json:"total_ms"`
}

// Result is the accumulated outcome of one streamed model turn.
type Result struct {
	Content          string
	ReasoningContent string
	ToolCalls        []ToolCall
	FinishReason     string
	Stats            *CallStats
}

// Service is the model gateway used by the orchestrator.
type Service interface {
	// Chat performs a synchronous completion without tools.
	Chat(ctx context.Context, messages []Message) (string, *CallStats, error)

	// StreamChat streams one model turn. Deltas arrive on the first
	// channel as they are decoded; the accumulated Result (including
	// any tool calls the model requested) is sent once on the second
	// channel when the turn ends. All three channels are closed when
	// the goroutine exits.
	StreamChat(ctx context.Context, messages []Message, tools []ToolDescriptor) (<-chan StreamDelta, <-chan *Result, <-chan error)

	// Warmup sends a lightweight ping to establish the connection.
	Warmup(ctx context.Context)
}

// Config represents model gateway configuration.
type Config struct {
	Provider    string // openai, openrouter, deepseek, zai, ollama
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int     // default: 4096
	Temperature float32 // default: 0.7
	Timeout     int     // request timeout in seconds (default: 300)
}

type service struct {
	client      *openai.Client
	model       string
	provider    string
	maxTokens   int
	temperature float32
	timeout     int
}

// NewService creates a model gateway for any OpenAI-compatible
// provider.
func NewService(cfg *Config) (Service, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}

	httpClient := newHTTPClient()
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.HTTPClient = httpClient

	baseURL := cfg.BaseURL
	if baseURL == "" {
		switch cfg.Provider {
		case "openai":
			// keep the library default
		case "openrouter":
			baseURL = "https://openrouter.ai/api/v1"
		case "deepseek":
			baseURL = "https://api.deepseek.com"
		case "zai":
			baseURL = "https://open.bigmodel.cn/api/paas/v4"
		case "ollama":
			baseURL = "http://localhost:11434/v1"
		default:
			slog.Info("using generic OpenAI-compatible provider", "provider", cfg.Provider)
		}
	}
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.7
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 300
	}

	return &service{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		provider:    cfg.Provider,
		maxTokens:   maxTokens,
		temperature: temperature,
		timeout:     timeout,
	}, nil
}

func (s *service) Chat(ctx context.Context, messages []Message) (string, *CallStats, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeout)*time.Second)
	defer cancel()

	startTime := time.Now()
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
		Messages:    convertMessages(messages),
	})
	if err != nil {
		return "", nil, fmt.Errorf("llm chat failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil, fmt.Errorf("empty response from llm")
	}

	total := time.Since(startTime)
	stats := &CallStats{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		FirstTokenMs:     total.Milliseconds(),
		TotalMs:          total.Milliseconds(),
	}
	return resp.Choices[0].Message.Content, stats, nil
}

func (s *service) StreamChat(ctx context.Context, messages []Message, tools []ToolDescriptor) (<-chan StreamDelta, <-chan *Result, <-chan error) {
	deltaChan := make(chan StreamDelta, 16)
	resultChan := make(chan *Result, 1)
	errChan := make(chan error, 1)

	go func() {
		defer close(deltaChan)
		defer close(resultChan)
		defer close(errChan)

		ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeout)*time.Second)
		defer cancel()

		req := openai.ChatCompletionRequest{
			Model:         s.model,
			MaxTokens:     s.maxTokens,
			Temperature:   s.temperature,
			Messages:      convertMessages(messages),
			StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		}
		if len(tools) > 0 {
			req.Tools = convertTools(tools)
		}

		startTime := time.Now()
		slog.Debug("llm stream starting", "model", s.model, "messages", len(messages), "tools", len(tools))
		stream, err := s.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			select {
			case errChan <- fmt.Errorf("create stream failed: %w", err):
			case <-ctx.Done():
			}
			return
		}
		defer func() { _ = stream.Close() }()

		acc := newAccumulator()
		var firstChunkTime time.Time
		result := &Result{}

		for {
			response, err := stream.Recv()
			if err == io.EOF {
				break
			}
			if err != nil {
				select {
				case errChan <- fmt.Errorf("stream recv failed: %w", err):
				case <-ctx.Done():
				}
				return
			}

			if response.Usage != nil && response.Usage.TotalTokens > 0 {
				result.Stats = &CallStats{
					PromptTokens:     response.Usage.PromptTokens,
					CompletionTokens: response.Usage.CompletionTokens,
					TotalTokens:      response.Usage.TotalTokens,
				}
			}
			if len(response.Choices) == 0 {
				continue
			}
			choice := response.Choices[0]
			if choice.FinishReason != "" {
				result.FinishReason = string(choice.FinishReason)
			}

			for _, delta := range splitDelta(choice.Delta, acc) {
				if firstChunkTime.IsZero() {
					firstChunkTime = time.Now()
				}
				select {
				case deltaChan <- delta:
				case <-ctx.Done():
					slog.Warn("llm stream cancelled during send")
					return
				}
			}
		}

		total := time.Since(startTime)
		if result.Stats == nil {
			result.Stats = &CallStats{}
		}
		if !firstChunkTime.IsZero() {
			result.Stats.FirstTokenMs = firstChunkTime.Sub(startTime).Milliseconds()
		}
		result.Stats.TotalMs = total.Milliseconds()
		result.Content = acc.content.String()
		result.ReasoningContent = acc.reasoning.String()
		result.ToolCalls = acc.toolCalls()

		slog.Debug("llm stream completed",
			"reason", result.FinishReason,
			"tool_calls", len(result.ToolCalls),
			"total_tokens", result.Stats.TotalTokens,
			"duration_ms", total.Milliseconds(),
		)
		resultChan <- result
	}()

	return deltaChan, resultChan, errChan
}

func (s *service) Warmup(ctx context.Context) {
	warmupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	startTime := time.Now()
	_, err := s.client.CreateChatCompletion(warmupCtx, openai.ChatCompletionRequest{
		Model:     s.model,
		MaxTokens: 1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "Hi"},
		},
	})
	if err != nil {
		slog.Warn("llm warmup ping failed, first request may be slower",
			"provider", s.provider, "model", s.model, "error", err)
		return
	}
	slog.Info("llm connection warmed up",
		"provider", s.provider, "model", s.model, "duration_ms", time.Since(startTime).Milliseconds())
}

// splitDelta decomposes one wire delta into ordered StreamDeltas and
// feeds the accumulator.
func splitDelta(delta openai.ChatCompletionStreamChoiceDelta, acc *accumulator) []StreamDelta {
	out := make([]StreamDelta, 0, 2)
	if delta.ReasoningContent != "" {
		acc.reasoning.WriteString(delta.ReasoningContent)
		out = append(out, StreamDelta{Reasoning: delta.ReasoningContent})
	}
	if delta.Content != "" {
		acc.content.WriteString(delta.Content)
		out = append(out, StreamDelta{Content: delta.Content})
	}
	for _, tc := range delta.ToolCalls {
		index := 0
		if tc.Index != nil {
			index = *tc.Index
		}
		frag := acc.addToolCall(index, tc.ID, tc.Function.Name, tc.Function.Arguments)
		out = append(out, StreamDelta{ToolCall: frag})
	}
	return out
}

func convertTools(tools []ToolDescriptor) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Parameters),
			},
		}
	}
	return out
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		cm := openai.ChatCompletionMessage{
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		switch m.Role {
		case "system":
			cm.Role = openai.ChatMessageRoleSystem
		case "assistant":
			cm.Role = openai.ChatMessageRoleAssistant
		case "tool":
			cm.Role = openai.ChatMessageRoleTool
		default:
			cm.Role = openai.ChatMessageRoleUser
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out[i] = cm
	}
	return out
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// SystemPrompt builds a system-role message.
func SystemPrompt(content string) Message {
	return Message{Role: "system", Content: content}
}

// UserMessage builds a user-role message.
func UserMessage(content string) Message {
	return Message{Role: "user", Content: content}
}

// AssistantMessage builds an assistant-role message.
func AssistantMessage(content string) Message {
	return Message{Role: "assistant", Content: content}
}

// ToolResultMessage builds the tool-role reply for one executed call.
func ToolResultMessage(callID, name, content string) Message {
	return Message{Role: "tool", ToolCallID: callID, Name: name, Content: content}
}

// accumulator gathers streamed fragments into a complete Result.
type accumulator struct {
	content   strings.Builder
	reasoning strings.Builder
	calls     map[int]*ToolCall
}

func newAccumulator() *accumulator {
	return &accumulator{calls: map[int]*ToolCall{}}
}

// addToolCall merges one wire fragment and returns the normalized
// delta to forward downstream.
func (a *accumulator) addToolCall(index int, id, name, argsDelta string) *ToolCallDelta {
	call, ok := a.calls[index]
	if !ok {
		call = &ToolCall{Index: index}
		a.calls[index] = call
	}
	if id != "" {
		call.ID = id
	}
	if name != "" {
		call.Name = name
	}
	call.Arguments += argsDelta
	return &ToolCallDelta{Index: index, ID: call.ID, Name: call.Name, ArgsDelta: argsDelta}
}

// toolCalls returns the accumulated calls in index order.
func (a *accumulator) toolCalls() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]ToolCall, 0, len(indexes))
	for _, i := range indexes {
		out = append(out, *a.calls[i])
	}
	return out
}
