package chat

import (
	"encoding/json"
	"strings"
)

// EventType 是界面消息流中事件的类型。
type EventType string

const (
	EventStart               EventType = "start"
	EventStartStep           EventType = "start-step"
	EventTextStart           EventType = "text-start"
	EventTextDelta           EventType = "text-delta"
	EventTextEnd             EventType = "text-end"
	EventReasoningStart      EventType = "reasoning-start"
	EventReasoningDelta      EventType = "reasoning-delta"
	EventReasoningEnd        EventType = "reasoning-end"
	EventToolInputAvailable  EventType = "tool-input-available"
	EventToolApprovalRequest EventType = "tool-approval-request"
	EventToolOutputAvailable EventType = "tool-output-available"
	EventToolOutputError     EventType = "tool-output-error"
	EventToolOutputDenied    EventType = "tool-output-denied"
	EventFinishStep          EventType = "finish-step"
	EventFinish              EventType = "finish"
	EventError               EventType = "error"
)

// 应用自定义数据事件的名称。
const (
	DataChatTitle     = "chat-title"
	DataAppendMessage = "appendMessage"
)

// Event 是界面消息流中的一个事件，按类型填充不同字段。
type Event struct {
	Type         EventType       `json:"type"`
	ID           string          `json:"id,omitempty"`
	Delta        string          `json:"delta,omitempty"`
	MessageID    string          `json:"messageId,omitempty"`
	ToolCallID   string          `json:"toolCallId,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ApprovalID   string          `json:"approvalId,omitempty"`
	ErrorText    string          `json:"errorText,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Transient    bool            `json:"transient,omitempty"`
}

// Terminal 判断事件是否结束一次生成。
func (e Event) Terminal() bool {
	return e.Type == EventFinish || e.Type == EventError
}

// DataName 返回数据事件的名称，非数据事件返回空串。
func (e Event) DataName() string {
	if !strings.HasPrefix(string(e.Type), dataTypePrefix) {
		return ""
	}
	return strings.TrimPrefix(string(e.Type), dataTypePrefix)
}

// DataEvent 构造一个 data-<name> 事件。
func DataEvent(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EventType(dataTypePrefix + name), Data: data}, nil
}

// TitleEvent 构造会话标题事件。
func TitleEvent(title string) Event {
	event, _ := DataEvent(DataChatTitle, title)
	event.Transient = true
	return event
}

// AppendMessageEvent 构造断线续传时用于补齐最后一条消息的事件。
func AppendMessageEvent(msg Message) (Event, error) {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return Event{}, err
	}
	event, err := DataEvent(DataAppendMessage, string(encoded))
	if err != nil {
		return Event{}, err
	}
	event.Transient = true
	return event, nil
}
