package agent

import (
	"encoding/json"
	"strings"

	"ChainPilot/internal/chat"
	"ChainPilot/internal/llm"
)

// toLLMMessages 把界面消息转换为模型对话。助手消息按步骤拆分为
// "助手发言 + 工具结果"，尚未结束的工具调用不会发送给模型。
func toLLMMessages(history []chat.Message) []llm.Message {
	var out []llm.Message
	for _, msg := range history {
		switch msg.Role {
		case chat.RoleUser:
			if text := msg.Text(); text != "" {
				out = append(out, llm.Message{Role: llm.RoleUser, Content: text})
			}
		case chat.RoleSystem:
			if text := msg.Text(); text != "" {
				out = append(out, llm.Message{Role: llm.RoleSystem, Content: text})
			}
		case chat.RoleAssistant:
			out = append(out, assistantMessages(msg.Parts)...)
		}
	}
	return out
}

func assistantMessages(parts chat.Parts) []llm.Message {
	var (
		out     []llm.Message
		text    strings.Builder
		calls   []llm.ToolCall
		results []llm.Message
	)
	flush := func() {
		if text.Len() > 0 || len(calls) > 0 {
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: text.String(), ToolCalls: calls})
			out = append(out, results...)
		}
		text.Reset()
		calls = nil
		results = nil
	}
	for _, part := range parts {
		switch p := part.(type) {
		case *chat.StepStartPart:
			flush()
		case *chat.TextPart:
			text.WriteString(p.Text)
		case *chat.ToolPart:
			result, ok := toolResult(p)
			if !ok {
				continue
			}
			calls = append(calls, llm.ToolCall{ID: p.ToolCallID, Name: p.ToolName, Arguments: p.Input})
			results = append(results, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: p.ToolCallID,
				Name:       p.ToolName,
				Content:    result,
			})
		}
	}
	flush()
	return out
}

func toolResult(part *chat.ToolPart) (string, bool) {
	switch part.State {
	case chat.ToolOutputAvailable:
		return string(part.Output), true
	case chat.ToolOutputError:
		return encodeResult(map[string]string{"error": part.ErrorText}), true
	case chat.ToolOutputDenied:
		result := map[string]string{"error": "the user denied this tool call"}
		if part.Approval != nil && part.Approval.Reason != "" {
			result["reason"] = part.Approval.Reason
		}
		return encodeResult(result), true
	}
	return "", false
}

func encodeResult(v map[string]string) string {
	encoded, _ := json.Marshal(v)
	return string(encoded)
}
