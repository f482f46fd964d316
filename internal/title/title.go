// Package title 为新会话生成简短标题。生成失败时退回到首条消息的截断文本。
package title

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"ChainPilot/internal/chat"
	"ChainPilot/internal/llm"
	"ChainPilot/pkg/logger"
)

const (
	// MaxLength 是标题的最大字符数。
	MaxLength      = 80
	defaultTimeout = 20 * time.Second
)

const prompt = `You will generate a short title based on the first message a user begins a conversation with.
Keep it under 80 characters. Do not use quotes or colons. Reply with the title only.`

// Updater 是持久化标题所需的能力。
type Updater interface {
	UpdateChatTitle(ctx context.Context, id, title string) error
}

// Generator 调用大模型生成标题并写回会话。
type Generator struct {
	models   llm.Resolver
	selector string
	store    Updater
	timeout  time.Duration
	logger   *slog.Logger
}

// Option 定义 Generator 的可选配置。
type Option func(*Generator)

// WithTimeout 设置调用大模型的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(g *Generator) {
		if timeout > 0 {
			g.timeout = timeout
		}
	}
}

// New 创建 Generator。selector 为生成标题所用的模型标识。
func New(models llm.Resolver, selector string, store Updater, opts ...Option) *Generator {
	g := &Generator{
		models:   models,
		selector: selector,
		store:    store,
		timeout:  defaultTimeout,
		logger:   logger.Named("title"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Generate 生成并持久化标题，返回最终使用的标题。持久化失败时仍返回标题与错误。
func (g *Generator) Generate(ctx context.Context, chatID string, first chat.Message) (string, error) {
	title := g.ask(ctx, first)
	if title == "" {
		title = Fallback(first)
	}
	if err := g.store.UpdateChatTitle(ctx, chatID, title); err != nil {
		return title, err
	}
	logger.Audit().Info("会话标题已保存", slog.String("chat_id", chatID), slog.String("title", title))
	return title, nil
}

func (g *Generator) ask(ctx context.Context, first chat.Message) string {
	text := strings.TrimSpace(first.Text())
	if g.models == nil || text == "" {
		return ""
	}
	model, name, err := g.models.Resolve(g.selector)
	if err != nil {
		g.logger.Warn("标题模型不可用", slog.String("model", g.selector), slog.String("error", err.Error()))
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	stream, err := model.Stream(ctx, llm.Request{
		Model:    name,
		System:   prompt,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: text}},
	})
	if err != nil {
		g.logger.Warn("生成标题失败", slog.String("error", err.Error()))
		return ""
	}
	reply, err := llm.Collect(ctx, stream)
	if err != nil {
		g.logger.Warn("生成标题失败", slog.String("error", err.Error()))
		return ""
	}
	return Clean(reply)
}

// Clean 取首个非空行，去掉包裹的引号并截断到 MaxLength。
func Clean(raw string) string {
	line := ""
	for _, candidate := range strings.Split(raw, "\n") {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			line = candidate
			break
		}
	}
	line = strings.Trim(line, "\"'`“”")
	line = strings.TrimPrefix(line, "Title:")
	return truncate(strings.TrimSpace(line))
}

// Fallback 以首条消息的文本作为标题。
func Fallback(first chat.Message) string {
	text := strings.Join(strings.Fields(first.Text()), " ")
	if text == "" {
		return chat.DefaultTitle
	}
	return truncate(text)
}

func truncate(s string) string {
	if utf8.RuneCountInString(s) <= MaxLength {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:MaxLength-1])) + "…"
}
