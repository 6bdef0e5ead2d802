package contextmgr

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumichat/agentd/ai/transcript"
	"github.com/lumichat/agentd/cache"
	"github.com/lumichat/agentd/store"
)

func seedMessages(fs *fakeStore, sessionID string, n int) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		fs.messages = append(fs.messages, &store.MessageWithSender{
			Message: store.Message{
				ID:          fmt.Sprintf("m%d", i),
				SessionID:   sessionID,
				SenderID:    "u1",
				MessageType: store.MessageTypeText,
				Content:     fmt.Sprintf("message %d", i),
				CreateTime:  base.Add(time.Duration(i) * time.Minute),
			},
			SenderNickname: "Ann",
		})
	}
}

func TestGetContextCacheMissLoadsFromDB(t *testing.T) {
	fc, fs := newFakeCache(), newFakeStore()
	seedMessages(fs, "s1", 5)
	loader := NewLoader(fc, fs, 30, time.Hour)

	messages, err := loader.GetContext(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, messages, 5)
	// Oldest first after the reverse.
	assert.Equal(t, "m0", messages[0].MessageID)
	assert.Equal(t, "m4", messages[4].MessageID)
	assert.Equal(t, "Ann", messages[0].Nickname)

	// The cache list was replaced atomically.
	cached, _ := fc.LRange(context.Background(), cache.ContextKey("s1"), 0, -1)
	assert.Len(t, cached, 5)
}

func TestGetContextCacheHitRefreshesTTL(t *testing.T) {
	fc, fs := newFakeCache(), newFakeStore()
	seedMessages(fs, "s1", 3)
	loader := NewLoader(fc, fs, 30, time.Hour)

	_, err := loader.GetContext(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Equal(t, 1, fs.listCalls)

	expiresBefore := fc.expires
	messages, err := loader.GetContext(context.Background(), "s1", 10)
	require.NoError(t, err)
	assert.Len(t, messages, 3)
	assert.Equal(t, 1, fs.listCalls, "second read served from cache")
	assert.Equal(t, expiresBefore+1, fc.expires, "cache hit refreshes TTL")
}

func TestAddMessageTrimsWindow(t *testing.T) {
	fc, fs := newFakeCache(), newFakeStore()
	loader := NewLoader(fc, fs, 3, time.Hour)

	for i := 0; i < 5; i++ {
		err := loader.AddMessage(context.Background(), "s1", &ContextMessage{
			MessageID: fmt.Sprintf("m%d", i),
			Content:   fmt.Sprintf("c%d", i),
		})
		require.NoError(t, err)
	}

	cached, _ := fc.LRange(context.Background(), cache.ContextKey("s1"), 0, -1)
	require.Len(t, cached, 3)
	assert.Contains(t, cached[0], `"m2"`, "oldest entries were trimmed from the head")
	assert.Contains(t, cached[2], `"m4"`)
}

func TestDisplayContent(t *testing.T) {
	cases := []struct {
		msgType int32
		content string
		want    string
	}{
		{store.MessageTypeText, "hello", "hello"},
		{store.MessageTypeImage, "ignored", "[image message]"},
		{store.MessageTypeFile, "report.pdf", "[file: report.pdf]"},
		{store.MessageTypeFile, "", "[file: unknown file]"},
		{store.MessageTypeVoice, "", "[voice message]"},
		{9, "", "[unknown message type 9]"},
	}
	for _, tc := range cases {
		msg := &ContextMessage{MessageType: tc.msgType, Content: tc.content}
		assert.Equal(t, tc.want, msg.DisplayContent())
	}
}

func TestSummarizeTranscript(t *testing.T) {
	b := transcript.NewBuilder()
	b.AddThinking("secret chain of thought that must never leak")
	b.StartToolCall("web_search", "")
	b.AppendToolArgs(`{"query":"weather"}`)
	b.EndToolCall()
	b.AddToolResult("web_search", "1. Sunny in Berlin\n2. Rain in Paris", "success")
	b.AddText("It is sunny in Berlin.")
	b.Finalize()

	summary := SummarizeTranscript(b.String())
	assert.NotContains(t, summary, "secret chain", "reasoning is elided")
	assert.Contains(t, summary, `web_search({"query":"weather"})`)
	assert.Contains(t, summary, "web_search/success: 1. Sunny in Berlin 2. Rain in Paris")
	assert.Contains(t, summary, "It is sunny in Berlin.")
}

func TestSummarizeTranscriptCaps(t *testing.T) {
	b := transcript.NewBuilder()
	b.AddText(strings.Repeat("long text ", 200))
	b.Finalize()
	summary := SummarizeTranscript(b.String())
	assert.LessOrEqual(t, len([]rune(summary)), 423, "420 plus ellipsis")
}

func TestDualWriterWaitDB(t *testing.T) {
	fc, fs := newFakeCache(), newFakeStore()
	loader := NewLoader(fc, fs, 30, time.Hour)
	writer := NewDualWriter(loader, fs)
	writer.Start(context.Background())
	defer writer.Stop()

	msg := &AgentMessage{
		MessageID:   "msg-1",
		SessionID:   "s1",
		AgentUserID: "agent-x",
		Content:     "<think>\nhm\n</think>\n\nHello",
	}
	require.NoError(t, writer.WriteAgentMessage(context.Background(), msg, "Bot", true))

	// waitDB returned only after the row was committed.
	fs.mu.Lock()
	row := fs.upserts["msg-1"]
	fs.mu.Unlock()
	require.NotNil(t, row)
	assert.Equal(t, "agent-x", row.SenderID)
	assert.Equal(t, store.MessageTypeText, row.MessageType)

	// The cache list got the context message synchronously.
	cached, _ := fc.LRange(context.Background(), cache.ContextKey("s1"), 0, -1)
	require.Len(t, cached, 1)
	assert.Contains(t, cached[0], `"is_agent":true`)
}

func TestDualWriterRetries(t *testing.T) {
	fc, fs := newFakeCache(), newFakeStore()
	fs.failures = 2
	loader := NewLoader(fc, fs, 30, time.Hour)
	writer := NewDualWriter(loader, fs)
	writer.retryBackoff = time.Millisecond
	writer.Start(context.Background())
	defer writer.Stop()

	msg := &AgentMessage{MessageID: "msg-1", SessionID: "s1", AgentUserID: "agent-x", Content: "hi"}
	require.NoError(t, writer.WriteAgentMessage(context.Background(), msg, "Bot", true))
	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.NotNil(t, fs.upserts["msg-1"], "write succeeded after transient failures")
}

func TestDualWriterIdempotentOnMessageID(t *testing.T) {
	fc, fs := newFakeCache(), newFakeStore()
	loader := NewLoader(fc, fs, 30, time.Hour)
	writer := NewDualWriter(loader, fs)
	writer.Start(context.Background())
	defer writer.Stop()

	first := &AgentMessage{MessageID: "msg-1", SessionID: "s1", AgentUserID: "agent-x", Content: "v1"}
	second := &AgentMessage{MessageID: "msg-1", SessionID: "s1", AgentUserID: "agent-x", Content: "v2"}
	require.NoError(t, writer.WriteAgentMessage(context.Background(), first, "Bot", true))
	require.NoError(t, writer.WriteAgentMessage(context.Background(), second, "Bot", true))

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Equal(t, "v2", fs.upserts["msg-1"].Content, "latest write wins")
	assert.Len(t, fs.upserts, 1)
}

func TestDualWriterStopFlushes(t *testing.T) {
	fc, fs := newFakeCache(), newFakeStore()
	loader := NewLoader(fc, fs, 30, time.Hour)
	writer := NewDualWriter(loader, fs)
	writer.Start(context.Background())

	for i := 0; i < 10; i++ {
		msg := &AgentMessage{MessageID: fmt.Sprintf("m%d", i), SessionID: "s1", AgentUserID: "agent-x", Content: "x"}
		require.NoError(t, writer.WriteAgentMessage(context.Background(), msg, "Bot", false))
	}
	writer.Stop()

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Len(t, fs.upserts, 10, "queued writes are flushed on stop")
}
