package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"

	"ChainPilot/pkg/logger"
)

// Framer 增量重组 SSE 帧，非并发安全。
type Framer struct {
	buf    []byte
	logger *slog.Logger
}

// Option 定义 Framer 的可选配置。
type Option func(*Framer)

// WithLogger 指定记录异常帧所用的日志器。
func WithLogger(l *slog.Logger) Option {
	return func(f *Framer) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFramer 创建 Framer。
func NewFramer(opts ...Option) *Framer {
	f := &Framer{}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.logger == nil {
		f.logger = logger.Named("sse")
	}
	return f
}

// Push 追加一段字节，返回其中已经完整的帧。未出现分隔符的尾部留在缓冲区。
func (f *Framer) Push(chunk []byte) []Frame {
	f.buf = append(f.buf, chunk...)
	var frames []Frame
	for {
		idx := bytes.Index(f.buf, delimiter)
		if idx < 0 {
			break
		}
		raw := append([]byte(nil), f.buf[:idx]...)
		f.buf = f.buf[idx+len(delimiter):]
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		frames = append(frames, f.parse(raw))
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return frames
}

// Pending 返回缓冲区中尚未成帧的字节数。
func (f *Framer) Pending() int {
	return len(f.buf)
}

func (f *Framer) parse(raw []byte) Frame {
	frame := Frame{Raw: raw, Data: extractData(raw)}
	if frame.Data == nil {
		f.logger.Warn("SSE 帧缺少 data 字段，原样透传", slog.Int("bytes", len(raw)))
		return frame
	}
	if frame.IsDone() {
		return frame
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame.Data, &fields); err != nil {
		f.logger.Warn("SSE 帧负载不是 JSON 对象，原样透传", slog.Any("error", err), slog.Int("bytes", len(raw)))
		return frame
	}
	frame.Valid = true
	if rawType, ok := fields["type"]; ok {
		_ = json.Unmarshal(rawType, &frame.Type)
	}
	if frame.Type == "finish" {
		if normalized, ok := normalizeFinishReason(fields["finishReason"]); ok {
			fields["finishReason"] = normalized
			if payload, err := json.Marshal(fields); err == nil {
				frame.Data = payload
				frame.rewritten = true
			}
		}
	}
	return frame
}

// extractData 取出帧内 data 字段的内容，多行 data 以换行拼接；没有 data 行时返回 nil。
func extractData(raw []byte) []byte {
	var data []byte
	found := false
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, []byte(fieldPrefix)) {
			continue
		}
		value := bytes.TrimPrefix(line, []byte(fieldPrefix))
		value = bytes.TrimPrefix(value, []byte(" "))
		if found {
			data = append(data, '\n')
		}
		data = append(data, value...)
		found = true
	}
	if !found {
		return nil
	}
	if data == nil {
		data = []byte{}
	}
	return data
}

// normalizeFinishReason 把对象形式的结束原因归一为字符串：优先取 unified，
// 否则取对象中的第一个值。
func normalizeFinishReason(raw json.RawMessage) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var object map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &object); err != nil {
		return nil, false
	}
	value, ok := object["unified"]
	if !ok {
		value, ok = firstValue(trimmed)
	}
	if !ok {
		return nil, false
	}
	var text string
	if err := json.Unmarshal(value, &text); err != nil {
		text = string(bytes.TrimSpace(value))
	}
	encoded, err := json.Marshal(text)
	if err != nil {
		return nil, false
	}
	return encoded, true
}

// firstValue 按出现顺序返回 JSON 对象中的第一个值。
func firstValue(object []byte) (json.RawMessage, bool) {
	dec := json.NewDecoder(bytes.NewReader(object))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, false
	}
	if !dec.More() {
		return nil, false
	}
	if _, err := dec.Token(); err != nil {
		return nil, false
	}
	var value json.RawMessage
	if err := dec.Decode(&value); err != nil {
		return nil, false
	}
	return value, true
}

// Source 是按块产出字节的数据源，结束时返回 io.EOF。
type Source interface {
	Recv(ctx context.Context) ([]byte, error)
}

// Frames 从数据源读取字节并逐个产出完整帧。数据源正常结束时序列结束，
// 结尾未闭合的残余字节被丢弃。
func Frames(ctx context.Context, src Source, opts ...Option) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		framer := NewFramer(opts...)
		for {
			chunk, err := src.Recv(ctx)
			if len(chunk) > 0 {
				for _, frame := range framer.Push(chunk) {
					if !yield(frame, nil) {
						return
					}
				}
			}
			if err == nil {
				continue
			}
			if errors.Is(err, io.EOF) {
				if pending := framer.Pending(); pending > 0 {
					framer.logger.Debug("数据源结束时存在未闭合的帧", slog.Int("bytes", pending))
				}
				return
			}
			yield(Frame{}, err)
			return
		}
	}
}

// ReaderSource 把 io.Reader 适配为 Source。
type ReaderSource struct {
	r   io.Reader
	buf []byte
}

// NewReaderSource 创建按 size 字节读取的 ReaderSource。
func NewReaderSource(r io.Reader, size int) *ReaderSource {
	if size <= 0 {
		size = 4096
	}
	return &ReaderSource{r: r, buf: make([]byte, size)}
}

// Recv 实现 Source 接口。读取本身不响应 ctx，只在每次读取前检查。
func (s *ReaderSource) Recv(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := s.r.Read(s.buf)
	if n == 0 {
		return nil, err
	}
	return append([]byte(nil), s.buf[:n]...), err
}

// ChanSource 把字节通道适配为 Source，通道关闭即结束。
type ChanSource <-chan []byte

// Recv 实现 Source 接口。
func (c ChanSource) Recv(ctx context.Context) ([]byte, error) {
	select {
	case chunk, ok := <-c:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
