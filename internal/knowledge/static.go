// Package knowledge 提供基于静态 JSON 文件的知识检索，并以工具形式暴露给模型。
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Query(query, topic string) []Snippet
}

// Snippet 描述可供大模型引用的一段知识。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// StaticProvider 通过加载 JSON 文件提供静态知识检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 文件加载知识条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}

	var entries []Snippet
	if err := json.Unmarshal(content, &entries); err != nil {
		return nil, fmt.Errorf("解析知识库文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Query 按关键词与标签命中次数排序返回知识条目，topic 只参与标签匹配。
func (p *StaticProvider) Query(query, topic string) []Snippet {
	if p == nil {
		return nil
	}

	query = strings.ToLower(strings.TrimSpace(query))
	topic = strings.ToLower(strings.TrimSpace(topic))
	if query == "" && topic == "" {
		return nil
	}

	type scored struct {
		snippet Snippet
		score   int
		index   int
	}
	var hits []scored
	for i, item := range p.items {
		if score := score(item, query, topic); score > 0 {
			hits = append(hits, scored{snippet: item, score: score, index: i})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].index < hits[j].index
	})

	limit := min(len(hits), p.maxResults)
	results := make([]Snippet, 0, limit)
	for _, hit := range hits[:limit] {
		results = append(results, hit.snippet)
	}
	return results
}

func score(snippet Snippet, query, topic string) int {
	total := 0
	for _, keyword := range snippet.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized != "" && query != "" && strings.Contains(query, normalized) {
			total += 2
		}
	}
	for _, tag := range snippet.Tags {
		normalized := strings.ToLower(strings.TrimSpace(tag))
		if normalized == "" {
			continue
		}
		if normalized == topic || (query != "" && strings.Contains(query, normalized)) {
			total++
		}
	}
	return total
}

// Ensure StaticProvider 实现 Provider 接口。
var _ Provider = (*StaticProvider)(nil)
