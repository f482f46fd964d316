package chainpilot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"ChainPilot/internal/chat"
)

func sseHandler(t *testing.T, frames ...string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-User-ID") != "u1" {
			t.Errorf("missing identity header")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("X-Stream-ID", "s1")
		flusher := w.(http.Flusher)
		for _, frame := range frames {
			// 逐字节写出，验证客户端的重组。
			for i := 0; i < len(frame); i++ {
				_, _ = io.WriteString(w, frame[i:i+1])
				flusher.Flush()
			}
		}
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetIdentity("u1", "regular")
	return client
}

func TestSubmitTurnYieldsEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chat", func(w http.ResponseWriter, r *http.Request) {
		var turn Turn
		if err := json.NewDecoder(r.Body).Decode(&turn); err != nil {
			t.Errorf("decode turn: %v", err)
		}
		if turn.ChatID != "c1" || turn.Message == nil || turn.Message.Text() != "hi" {
			t.Errorf("unexpected turn: %+v", turn)
		}
		sseHandler(t,
			"data: {\"type\":\"start\",\"messageId\":\"a1\"}\n\n",
			"data: {\"type\":\"text-delta\",\"id\":\"t1\",\"delta\":\"hello\"}\n\n",
			"data: {\"type\":\"finish\",\"finishReason\":{\"unified\":\"stop\"}}\n\n",
			"data: [DONE]\n\n",
		)(w, r)
	})
	client := newTestClient(t, mux)

	stream, err := client.SubmitTurn(context.Background(), Turn{
		ChatID:  "c1",
		Model:   "chat-model",
		Message: &Message{ID: "m1", Role: chat.RoleUser, Parts: chat.Parts{&chat.TextPart{Text: "hi"}}},
	})
	if err != nil {
		t.Fatalf("submit turn: %v", err)
	}
	defer stream.Close()
	if stream.ID != "s1" {
		t.Fatalf("unexpected stream id %q", stream.ID)
	}

	var events []Event
	for event, err := range stream.Events() {
		if err != nil {
			t.Fatalf("stream error: %v", err)
		}
		events = append(events, event)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[1].Delta != "hello" {
		t.Fatalf("unexpected delta %q", events[1].Delta)
	}
	if events[2].FinishReason != "stop" {
		t.Fatalf("finish reason not normalised: %q", events[2].FinishReason)
	}
}

func TestResumeNothingAndErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/chat/idle/stream", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/v1/chat/missing/stream", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"code":"STREAM_NOT_FOUND","message":"stream not found"}`)
	})
	client := newTestClient(t, mux)

	if _, err := client.Resume(context.Background(), "idle"); !errors.Is(err, ErrNothingToResume) {
		t.Fatalf("expected ErrNothingToResume, got %v", err)
	}
	_, err := client.Resume(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "STREAM_NOT_FOUND" || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRespondApprovalAndMessages(t *testing.T) {
	var got Decision
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chat/approvals", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/v1/chat/c1/messages", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"messages":[{"id":"m1","role":"user","parts":[{"type":"text","text":"hi"}],"createdAt":"2025-01-01T00:00:00Z"}]}`)
	})
	client := newTestClient(t, mux)

	if err := client.RespondApproval(context.Background(), Decision{ApprovalID: "ap-1", Approved: true, FollowUp: true}); err != nil {
		t.Fatalf("respond approval: %v", err)
	}
	if got.ApprovalID != "ap-1" || !got.Approved || !got.FollowUp {
		t.Fatalf("unexpected decision: %+v", got)
	}

	msgs, err := client.Messages(context.Background(), "c1")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text() != "hi" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestIdentityRequired(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Messages(context.Background(), "c1"); err == nil {
		t.Fatal("expected error without identity")
	}
}
