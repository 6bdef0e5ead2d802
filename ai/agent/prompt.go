package agent

import (
	"fmt"
	"strings"

	"github.com/lumichat/agentd/ai/contextmgr"
	"github.com/lumichat/agentd/store"
)

const (
	// promptHistoryLimit bounds how many context messages are spliced
	// into the system prompt.
	promptHistoryLimit = 20
	// promptLineLen bounds one history line inside the prompt.
	promptLineLen = 200
)

// systemPreamble encodes the agent's capabilities and tone. The agent's
// own identity and the conversation history are appended below it.
const systemPreamble = `You are %s, an assistant participating in a multi-user chat.
%s

Guidelines:
- Answer in the language the conversation is held in.
- Be concise; this is a chat, not an essay.
- You can search and read the web (web_search, web_open, web_find), run Python code in a sandbox (code_execute, needs user approval), and query the chat database (get_chat_history, get_session_members, get_user_info, search_messages, get_user_sessions).
- When other participants are mentioned, refer to them by nickname.
- Never fabricate chat history; use the tools to look it up.`

// BuildSystemPrompt renders the preamble, the agent identity and the
// summarized recent history into one system message.
func BuildSystemPrompt(agentUser *store.User, history []*contextmgr.ContextMessage) string {
	description := agentUser.Description
	if description == "" {
		description = "You are a helpful generalist."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, systemPreamble, agentUser.Nickname, description)

	if len(history) > 0 {
		sb.WriteString("\n\n## Recent conversation\n")
		start := len(history) - promptHistoryLimit
		if start < 0 {
			start = 0
		}
		for _, msg := range history[start:] {
			sb.WriteString(historyLine(msg))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// historyLine formats one context message for the prompt. Agent
// messages are prefixed and summarized so past transcripts do not leak
// reasoning or blow up the prompt.
func historyLine(msg *contextmgr.ContextMessage) string {
	name := msg.Nickname
	if name == "" {
		name = msg.UserID
	}
	if msg.IsAgent {
		summary := contextmgr.SummarizeTranscript(msg.Content)
		return truncateLine(fmt.Sprintf("[AI] %s: %s", name, summary))
	}
	return truncateLine(fmt.Sprintf("%s: %s", name, msg.DisplayContent()))
}

func truncateLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= promptLineLen {
		return s
	}
	return string(runes[:promptLineLen]) + "..."
}
