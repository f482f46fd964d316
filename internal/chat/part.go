package chat

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	xerrors "ChainPilot/internal/errors"
)

const (
	toolTypePrefix = "tool-"
	dataTypePrefix = "data-"
)

// Part 是消息中的一个片段，序列化时以 type 字段区分具体类型。
type Part interface {
	// PartType 返回序列化后 type 字段的取值。
	PartType() string
}

// TextPart 是一段文本。
type TextPart struct {
	Text  string `json:"text"`
	State string `json:"state,omitempty"`
}

// PartType 实现 Part 接口。
func (*TextPart) PartType() string { return "text" }

// ReasoningPart 是模型的推理过程文本。
type ReasoningPart struct {
	Text  string `json:"text"`
	State string `json:"state,omitempty"`
}

// PartType 实现 Part 接口。
func (*ReasoningPart) PartType() string { return "reasoning" }

// FilePart 引用一个附件。
type FilePart struct {
	MediaType string `json:"mediaType"`
	Filename  string `json:"filename,omitempty"`
	URL       string `json:"url"`
}

// PartType 实现 Part 接口。
func (*FilePart) PartType() string { return "file" }

// StepStartPart 标记一次模型调用步骤的开始。
type StepStartPart struct{}

// PartType 实现 Part 接口。
func (*StepStartPart) PartType() string { return "step-start" }

// Approval 记录工具调用的审批信息。
type Approval struct {
	ID       string `json:"id"`
	Approved *bool  `json:"approved,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ToolPart 是一次工具调用及其生命周期状态，序列化类型为 tool-<name>。
type ToolPart struct {
	ToolName   string          `json:"-"`
	ToolCallID string          `json:"toolCallId"`
	State      ToolState       `json:"state"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`
	Approval   *Approval       `json:"approval,omitempty"`
}

// PartType 实现 Part 接口。
func (p *ToolPart) PartType() string { return toolTypePrefix + p.ToolName }

// DataPart 携带应用自定义数据，序列化类型为 data-<name>。
type DataPart struct {
	Name string          `json:"-"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data"`
}

// PartType 实现 Part 接口。
func (p *DataPart) PartType() string { return dataTypePrefix + p.Name }

// RawPart 保留无法识别的片段，以便原样回写。
type RawPart struct {
	Type string
	Raw  json.RawMessage
}

// PartType 实现 Part 接口。
func (p *RawPart) PartType() string { return p.Type }

// MarshalJSON 原样输出。
func (p *RawPart) MarshalJSON() ([]byte, error) {
	return p.Raw, nil
}

// Parts 是有序的片段列表。
type Parts []Part

// MarshalJSON 为每个片段写入 type 字段。
func (ps Parts) MarshalJSON() ([]byte, error) {
	if ps == nil {
		return []byte("[]"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, part := range ps {
		if i > 0 {
			buf.WriteByte(',')
		}
		encoded, err := marshalPart(part)
		if err != nil {
			return nil, err
		}
		buf.Write(encoded)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON 根据 type 字段还原具体片段类型。
func (ps *Parts) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return xerrors.Wrap(CodeInvalidPart, err, "消息片段必须是数组")
	}
	out := make(Parts, 0, len(raws))
	for _, raw := range raws {
		part, err := unmarshalPart(raw)
		if err != nil {
			return err
		}
		out = append(out, part)
	}
	*ps = out
	return nil
}

// Clone 通过编解码得到深拷贝。
func (ps Parts) Clone() Parts {
	if ps == nil {
		return nil
	}
	data, err := ps.MarshalJSON()
	if err != nil {
		return append(Parts(nil), ps...)
	}
	var clone Parts
	if err := clone.UnmarshalJSON(data); err != nil {
		return append(Parts(nil), ps...)
	}
	return clone
}

func marshalPart(part Part) ([]byte, error) {
	if part == nil {
		return nil, xerrors.New(CodeInvalidPart, "消息片段不能为空")
	}
	if raw, ok := part.(*RawPart); ok {
		return raw.MarshalJSON()
	}
	body, err := json.Marshal(part)
	if err != nil {
		return nil, err
	}
	tag := `{"type":` + strconv.Quote(part.PartType())
	if len(body) <= 2 {
		return []byte(tag + "}"), nil
	}
	out := make([]byte, 0, len(tag)+len(body))
	out = append(out, tag...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

func unmarshalPart(raw json.RawMessage) (Part, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, xerrors.Wrap(CodeInvalidPart, err, "无法解析消息片段")
	}
	var part Part
	switch {
	case head.Type == "":
		return nil, xerrors.New(CodeInvalidPart, "消息片段缺少 type 字段")
	case head.Type == "text":
		part = &TextPart{}
	case head.Type == "reasoning":
		part = &ReasoningPart{}
	case head.Type == "file":
		part = &FilePart{}
	case head.Type == "step-start":
		return &StepStartPart{}, nil
	case strings.HasPrefix(head.Type, toolTypePrefix):
		tool := &ToolPart{ToolName: strings.TrimPrefix(head.Type, toolTypePrefix)}
		if err := json.Unmarshal(raw, tool); err != nil {
			return nil, xerrors.Wrap(CodeInvalidPart, err, "无法解析工具片段")
		}
		if !tool.State.Valid() {
			return nil, xerrors.New(CodeInvalidPart, "未知的工具状态: "+string(tool.State))
		}
		return tool, nil
	case strings.HasPrefix(head.Type, dataTypePrefix):
		part = &DataPart{Name: strings.TrimPrefix(head.Type, dataTypePrefix)}
	default:
		return &RawPart{Type: head.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	if err := json.Unmarshal(raw, part); err != nil {
		return nil, xerrors.Wrap(CodeInvalidPart, err, "无法解析消息片段")
	}
	return part, nil
}
