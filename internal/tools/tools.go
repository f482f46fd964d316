// Package tools 定义可供模型调用的工具及其注册表。
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/llm"
)

// Call 是一次工具调用的输入。
type Call struct {
	ID    string
	Input json.RawMessage
	// Context 为会话附带的钱包等上下文，对核心流程不透明。
	Context map[string]string
}

// Decode 将输入解码到 v，空输入视为空对象。
func (c Call) Decode(v any) error {
	input := c.Input
	if len(strings.TrimSpace(string(input))) == 0 {
		input = json.RawMessage("{}")
	}
	if err := json.Unmarshal(input, v); err != nil {
		return xerrors.Wrap(CodeInvalidInput, err, "工具参数格式错误")
	}
	return nil
}

// ExecuteFunc 执行工具并返回可序列化的结果。
type ExecuteFunc func(ctx context.Context, call Call) (any, error)

// Tool 描述一个工具。
type Tool struct {
	Name        string
	Description string
	// Schema 为参数的 JSON Schema。
	Schema json.RawMessage
	// NeedsApproval 为 true 时执行前必须获得用户批准。
	NeedsApproval bool
	Execute       ExecuteFunc
}

const (
	CodeInvalidInput xerrors.Code = "TOOL_INVALID_INPUT"
)

func init() {
	xerrors.Register(CodeInvalidInput, xerrors.Attributes{
		Message:  "invalid tool input",
		Severity: xerrors.SeverityInfo,
		Status:   http.StatusBadRequest,
	})
}

// Registry 按名称保存工具。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry 创建注册表并注册给定工具。
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register 注册一个工具，名称重复时返回错误。
func (r *Registry) Register(tool Tool) error {
	name := strings.TrimSpace(tool.Name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具名称不能为空")
	}
	if tool.Execute == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("工具 %s 缺少执行函数", name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("工具 %s 已注册", name))
	}
	tool.Name = name
	r.tools[name] = tool
	return nil
}

// Get 按名称查找工具。
func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names 返回排序后的工具名称。
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs 返回提供给模型的工具描述。
func (r *Registry) Specs() []llm.ToolSpec {
	names := r.Names()
	specs := make([]llm.ToolSpec, 0, len(names))
	for _, name := range names {
		tool, _ := r.Get(name)
		specs = append(specs, llm.ToolSpec{Name: tool.Name, Description: tool.Description, Parameters: tool.Schema})
	}
	return specs
}

// Run 执行工具并把结果编码为 JSON。执行函数的 panic 被转换为错误。
func Run(ctx context.Context, tool Tool, call Call) (output json.RawMessage, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = xerrors.New(xerrors.CodeToolFailure, fmt.Sprintf("工具 %s 执行异常: %v", tool.Name, recovered))
		}
	}()
	result, err := tool.Execute(ctx, call)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeToolFailure, err, "工具结果无法序列化")
	}
	return encoded, nil
}
