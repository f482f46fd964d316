package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/sse"
	"ChainPilot/pkg/logger"
)

const readBufferSize = 4096

// Client 通过调用外部脚本实现流式推理。脚本从标准输入读取 JSON 请求，
// 并在标准输出上以 SSE 帧逐个写出 llm.Chunk。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
	logger     *slog.Logger
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
		logger:     logger.Named("llm.pythonbridge"),
	}, nil
}

// Stream 启动脚本并返回其输出流。ctx 结束时脚本进程被终止。
func (c *Client) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)
	stderr := &limitedBuffer{limit: 8192}
	command.Stderr = stderr

	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "创建脚本输出管道失败")
	}
	if err := command.Start(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderFailure, err, "启动 Python 脚本失败")
	}

	return &stream{
		cmd:    command,
		stdout: stdout,
		stderr: stderr,
		framer: sse.NewFramer(sse.WithLogger(c.logger)),
		buf:    make([]byte, readBufferSize),
		logger: c.logger,
	}, nil
}

type stream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *limitedBuffer
	framer *sse.Framer
	buf    []byte
	logger *slog.Logger

	queue     []llm.Chunk
	sawFinish bool
	done      bool
	waitOnce  sync.Once
	waitErr   error
}

// Recv 实现 llm.Stream 接口。
func (s *stream) Recv(ctx context.Context) (llm.Chunk, error) {
	for {
		if len(s.queue) > 0 {
			chunk := s.queue[0]
			s.queue = s.queue[1:]
			return chunk, nil
		}
		if s.done {
			return llm.Chunk{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return llm.Chunk{}, err
		}

		n, err := s.stdout.Read(s.buf)
		if n > 0 {
			for _, frame := range s.framer.Push(s.buf[:n]) {
				s.handle(frame)
			}
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
			return llm.Chunk{}, xerrors.Wrap(xerrors.CodeProviderFailure, err, "读取脚本输出失败")
		}
		if waitErr := s.wait(); waitErr != nil {
			return llm.Chunk{}, xerrors.Wrap(xerrors.CodeProviderFailure, waitErr,
				"执行 Python 脚本失败: "+strings.TrimSpace(s.stderr.String()))
		}
		s.done = true
		if !s.sawFinish {
			s.queue = append(s.queue, llm.Chunk{Type: llm.ChunkFinish, FinishReason: "stop"})
		}
	}
}

func (s *stream) handle(frame sse.Frame) {
	if frame.IsDone() || !frame.Valid {
		return
	}
	var chunk llm.Chunk
	if err := frame.Decode(&chunk); err != nil {
		s.logger.Warn("无法解析脚本输出片段", slog.Any("error", err))
		return
	}
	if chunk.Type == llm.ChunkToolCall && chunk.ToolCall == nil {
		s.logger.Warn("脚本输出的工具调用缺少内容")
		return
	}
	if chunk.Type == llm.ChunkFinish {
		s.sawFinish = true
	}
	s.queue = append(s.queue, chunk)
}

func (s *stream) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

// Close 实现 llm.Stream 接口，提前关闭时终止脚本进程。
func (s *stream) Close() error {
	if !s.done && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.wait()
	return nil
}

type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
