// Package sse 实现界面消息流的 SSE 帧编码与增量重组。
//
// 每个帧形如 "data: <json>\n\n"，流以 "data: [DONE]\n\n" 结束。Framer
// 把任意切分的字节块重新拼装为完整帧，结果与切分方式无关。
package sse

import (
	"bytes"
	"encoding/json"
)

const (
	fieldPrefix = "data:"
	doneMarker  = "[DONE]"
)

var delimiter = []byte("\n\n")

// Done 是流结束帧的字节表示。
var Done = []byte("data: " + doneMarker + "\n\n")

// Frame 是一个完整的 SSE 帧。
type Frame struct {
	// Raw 为收到的原始帧内容，不含结尾分隔符。
	Raw []byte
	// Data 为 data 字段的负载。
	Data []byte
	// Type 为 JSON 负载中的 type 字段，无法解析时为空。
	Type string
	// Valid 表示负载是合法的 JSON 对象。
	Valid bool

	rewritten bool
}

// IsDone 判断是否为流结束帧。
func (f Frame) IsDone() bool {
	return string(bytes.TrimSpace(f.Data)) == doneMarker
}

// Bytes 返回用于转发的帧字节。未改写的帧原样输出。
func (f Frame) Bytes() []byte {
	if !f.rewritten {
		out := make([]byte, 0, len(f.Raw)+len(delimiter))
		out = append(out, f.Raw...)
		return append(out, delimiter...)
	}
	return encodeData(f.Data)
}

// Decode 将负载解码到 v。
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Data, v)
}

// Encode 把值编码为一个 SSE 帧。
func Encode(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return encodeData(payload), nil
}

func encodeData(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+len("data: ")+len(delimiter))
	out = append(out, "data: "...)
	out = append(out, payload...)
	return append(out, delimiter...)
}
