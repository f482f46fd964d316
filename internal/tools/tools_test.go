package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	xerrors "ChainPilot/internal/errors"
)

func echoTool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "echo input",
		Schema:      json.RawMessage(`{"type":"object"}`),
		Execute: func(_ context.Context, call Call) (any, error) {
			var in map[string]any
			if err := call.Decode(&in); err != nil {
				return nil, err
			}
			return in, nil
		},
	}
}

func TestRegistryRegisterAndSpecs(t *testing.T) {
	registry, err := NewRegistry(echoTool("zeta"), echoTool("alpha"))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if err := registry.Register(echoTool("alpha")); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict for duplicate tool, got %v", err)
	}
	if err := registry.Register(Tool{Name: "broken"}); err == nil {
		t.Fatalf("expected error for tool without execute func")
	}

	specs := registry.Specs()
	if len(specs) != 2 || specs[0].Name != "alpha" || specs[1].Name != "zeta" {
		t.Fatalf("unexpected specs: %+v", specs)
	}
	if _, ok := registry.Get("missing"); ok {
		t.Fatalf("unexpected tool")
	}
}

func TestRunEncodesOutput(t *testing.T) {
	out, err := Run(context.Background(), echoTool("echo"), Call{Input: json.RawMessage(`{"a":1}`)})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if string(out) != `{"a":1}` {
		t.Fatalf("unexpected output %s", out)
	}

	out, err = Run(context.Background(), echoTool("echo"), Call{})
	if err != nil || string(out) != `{}` {
		t.Fatalf("empty input should decode as object: %s %v", out, err)
	}
}

func TestRunRejectsMalformedInput(t *testing.T) {
	_, err := Run(context.Background(), echoTool("echo"), Call{Input: json.RawMessage(`[1,`)})
	if xerrors.CodeOf(err) != CodeInvalidInput {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRunRecoversPanics(t *testing.T) {
	tool := Tool{Name: "explode", Execute: func(context.Context, Call) (any, error) { panic("boom") }}
	_, err := Run(context.Background(), tool, Call{})
	if xerrors.CodeOf(err) != xerrors.CodeToolFailure {
		t.Fatalf("expected tool failure, got %v", err)
	}
}

func TestRunPropagatesErrors(t *testing.T) {
	boom := errors.New("rpc down")
	tool := Tool{Name: "fail", Execute: func(context.Context, Call) (any, error) { return nil, boom }}
	if _, err := Run(context.Background(), tool, Call{}); !errors.Is(err, boom) {
		t.Fatalf("expected original error, got %v", err)
	}
}
