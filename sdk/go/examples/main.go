package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"time"

	"ChainPilot/internal/chat"
	"ChainPilot/sdk/go/chainpilot"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chat", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("X-Stream-ID", "stream-demo")
		_, _ = io.WriteString(w, "data: {\"type\":\"start\",\"messageId\":\"msg-demo\"}\n\n")
		_, _ = io.WriteString(w, "data: {\"type\":\"text-delta\",\"id\":\"t1\",\"delta\":\"The latest block is 21000000.\"}\n\n")
		_, _ = io.WriteString(w, "data: {\"type\":\"finish\",\"finishReason\":\"stop\"}\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := chainpilot.NewClient(srv.URL, srv.Client())
	if err != nil {
		log.Fatal(err)
	}
	client.SetIdentity("demo-user", "regular")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.SubmitTurn(ctx, chainpilot.Turn{
		ChatID: "chat-demo",
		Model:  "chat-model",
		Message: &chainpilot.Message{
			ID:    "user-demo",
			Role:  chat.RoleUser,
			Parts: chat.Parts{&chat.TextPart{Text: "What is the latest block?"}},
		},
	})
	if err != nil {
		log.Fatal(err)
	}
	defer stream.Close()

	for event, err := range stream.Events() {
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("%-12s %s\n", event.Type, event.Delta)
	}
}
