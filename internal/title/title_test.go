package title

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"unicode/utf8"

	"ChainPilot/internal/chat"
	"ChainPilot/internal/llm"
)

type replyModel struct {
	reply string
	err   error
	req   llm.Request
}

type replyStream struct {
	chunks []llm.Chunk
}

func (s *replyStream) Recv(context.Context) (llm.Chunk, error) {
	if len(s.chunks) == 0 {
		return llm.Chunk{}, io.EOF
	}
	chunk := s.chunks[0]
	s.chunks = s.chunks[1:]
	return chunk, nil
}

func (s *replyStream) Close() error { return nil }

func (m *replyModel) Stream(_ context.Context, req llm.Request) (llm.Stream, error) {
	m.req = req
	if m.err != nil {
		return nil, m.err
	}
	return &replyStream{chunks: []llm.Chunk{{Type: llm.ChunkTextDelta, Text: m.reply}}}, nil
}

type titleRecorder struct {
	titles map[string]string
}

func (r *titleRecorder) UpdateChatTitle(_ context.Context, id, title string) error {
	if r.titles == nil {
		r.titles = make(map[string]string)
	}
	r.titles[id] = title
	return nil
}

func firstMessage(text string) chat.Message {
	return chat.Message{ID: "m1", Role: chat.RoleUser, Parts: chat.Parts{&chat.TextPart{Text: text}}}
}

func TestGenerateUsesModelReply(t *testing.T) {
	model := &replyModel{reply: "\"Ethereum gas fees explained\"\n"}
	store := &titleRecorder{}
	g := New(llm.NewCatalog(model, map[string]string{"title-model": "gpt-mini"}), "title-model", store)

	got, err := g.Generate(context.Background(), "c1", firstMessage("why are gas fees so high today?"))
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if got != "Ethereum gas fees explained" {
		t.Fatalf("unexpected title: %q", got)
	}
	if store.titles["c1"] != got {
		t.Fatalf("title not persisted: %+v", store.titles)
	}
	if model.req.Model != "gpt-mini" || model.req.Messages[0].Content != "why are gas fees so high today?" {
		t.Fatalf("unexpected request: %+v", model.req)
	}
}

func TestGenerateFallsBackOnModelError(t *testing.T) {
	model := &replyModel{err: errors.New("provider down")}
	store := &titleRecorder{}
	g := New(llm.NewCatalog(model, map[string]string{"title-model": "gpt-mini"}), "title-model", store)

	got, err := g.Generate(context.Background(), "c1", firstMessage("  check   my balance  "))
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if got != "check my balance" {
		t.Fatalf("unexpected fallback: %q", got)
	}
}

func TestFallbackTruncates(t *testing.T) {
	long := strings.Repeat("区块", 60)
	got := Fallback(firstMessage(long))
	if n := utf8.RuneCountInString(got); n != MaxLength {
		t.Fatalf("expected %d runes, got %d", MaxLength, n)
	}
	if Fallback(chat.Message{}) != chat.DefaultTitle {
		t.Fatal("empty message should use the default title")
	}
}
