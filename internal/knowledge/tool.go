package knowledge

import (
	"context"
	"encoding/json"
	"strings"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/tools"
)

type searchInput struct {
	Query string `json:"query"`
	Topic string `json:"topic"`
}

// Tool 把知识库包装为 search_knowledge 工具。
func Tool(provider Provider) tools.Tool {
	return tools.Tool{
		Name:        "search_knowledge",
		Description: "Search the curated Web3 knowledge base for background on protocols, wallets and transactions.",
		Schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"topic":{"type":"string"}},"required":["query"]}`),
		Execute: func(_ context.Context, call tools.Call) (any, error) {
			var in searchInput
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			if strings.TrimSpace(in.Query) == "" {
				return nil, xerrors.New(tools.CodeInvalidInput, "query 不能为空")
			}
			results := provider.Query(in.Query, in.Topic)
			if results == nil {
				results = []Snippet{}
			}
			return map[string]any{"results": results}, nil
		},
	}
}
