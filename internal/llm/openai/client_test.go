package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func collect(t *testing.T, stream llm.Stream) []llm.Chunk {
	t.Helper()
	defer stream.Close()
	var chunks []llm.Chunk
	for {
		chunk, err := stream.Recv(context.Background())
		if errors.Is(err, io.EOF) {
			return chunks
		}
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		chunks = append(chunks, chunk)
	}
}

func TestStreamParsesTextReasoningAndToolCalls(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}
	frames := []string{
		`{"choices":[{"delta":{"reasoning_content":"checking"}}]}`,
		`{"choices":[{"delta":{"content":"Let me "}}]}`,
		`{"choices":[{"delta":{"content":"look."}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_balance","arguments":"{\"addr"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"ess\":\"0x1\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7,"total_tokens":19}}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		var all strings.Builder
		for _, frame := range frames {
			all.WriteString("data: " + frame + "\n\n")
		}
		all.WriteString("data: [DONE]\n\n")
		payload := all.String()
		for i := 0; i < len(payload); i += 13 {
			end := i + 13
			if end > len(payload) {
				end = len(payload)
			}
			_, _ = io.WriteString(w, payload[i:end])
			flusher.Flush()
		}
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stream, err := client.Stream(context.Background(), llm.Request{
		Model:    "gpt-4o-mini",
		System:   "be brief",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "balance?"}},
		Tools:    []llm.ToolSpec{{Name: "get_balance", Description: "balance", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	chunks := collect(t, stream)

	if captured.Authorization != "Bearer test" {
		t.Fatalf("unexpected authorization header: %q", captured.Authorization)
	}
	if captured.Body["stream"] != true || captured.Body["model"] != "gpt-4o-mini" {
		t.Fatalf("unexpected request body: %v", captured.Body)
	}
	messages := captured.Body["messages"].([]any)
	if len(messages) != 2 || messages[0].(map[string]any)["role"] != "system" {
		t.Fatalf("system prompt should lead messages: %v", messages)
	}

	if len(chunks) != 5 {
		t.Fatalf("expected 5 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Type != llm.ChunkReasoningDelta || chunks[0].Text != "checking" {
		t.Fatalf("unexpected reasoning chunk: %+v", chunks[0])
	}
	if chunks[1].Text+chunks[2].Text != "Let me look." {
		t.Fatalf("unexpected text chunks: %+v %+v", chunks[1], chunks[2])
	}
	call := chunks[3].ToolCall
	if chunks[3].Type != llm.ChunkToolCall || call.ID != "call_1" || call.Name != "get_balance" {
		t.Fatalf("unexpected tool call: %+v", chunks[3])
	}
	if string(call.Arguments) != `{"address":"0x1"}` {
		t.Fatalf("arguments not reassembled: %s", call.Arguments)
	}
	finish := chunks[4]
	if finish.Type != llm.ChunkFinish || finish.FinishReason != "tool-calls" {
		t.Fatalf("unexpected finish chunk: %+v", finish)
	}
	if finish.Usage == nil || finish.Usage.InputTokens != 12 || finish.Usage.OutputTokens != 7 {
		t.Fatalf("usage not captured: %+v", finish.Usage)
	}
}

func TestStreamWithoutDoneMarkerStillFinishes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"},\"finish_reason\":\"stop\"}]}\n\n")
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stream, err := client.Stream(context.Background(), llm.Request{Model: "m"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	chunks := collect(t, stream)
	if len(chunks) != 2 || chunks[1].Type != llm.ChunkFinish || chunks[1].FinishReason != "stop" {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
}

func TestStreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down"}}`)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = client.Stream(context.Background(), llm.Request{Model: "m"})
	if xerrors.CodeOf(err) != xerrors.CodeProviderFailure {
		t.Fatalf("expected provider failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "slow down") {
		t.Fatalf("error should carry provider detail: %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("rate limited call should be retryable: %v", err)
	}
}

func TestStreamUnauthorizedIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = client.Stream(context.Background(), llm.Request{Model: "m"})
	if xerrors.RetryableError(err) {
		t.Fatalf("unauthorized call should not be retryable: %v", err)
	}
	coded, ok := xerrors.From(err)
	if !ok || coded.Severity() != xerrors.SeverityCritical {
		t.Fatalf("unauthorized call should be critical: %v", err)
	}
}
