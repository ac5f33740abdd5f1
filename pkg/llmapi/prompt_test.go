package llmapi

import (
	"encoding/json"
	"testing"
)

func TestPromptLineBuildsChatBody(t *testing.T) {
	temp := 0.2
	line, err := PromptLine("q-1", "What is a goroutine?", PromptOptions{
		Model:       "test-model",
		Temperature: &temp,
		MaxTokens:   128,
	})
	if err != nil {
		t.Fatalf("prompt line: %v", err)
	}
	if line.CustomID != "q-1" || line.Method != DefaultMethod || line.URL != DefaultPath {
		t.Fatalf("unexpected envelope: %+v", line)
	}

	var req ChatRequest
	if err := json.Unmarshal(line.Body, &req); err != nil {
		t.Fatalf("parse body: %v", err)
	}
	if req.Model != "test-model" || req.MaxTokens != 128 || req.Stream {
		t.Fatalf("unexpected request: %+v", req)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" || req.Messages[0].Content != "What is a goroutine?" {
		t.Fatalf("unexpected messages: %+v", req.Messages)
	}
	if req.Temperature == nil || *req.Temperature != 0.2 {
		t.Fatalf("temperature not carried: %+v", req.Temperature)
	}
}

func TestMessagesLineRequiresMessages(t *testing.T) {
	if _, err := MessagesLine("empty", nil, PromptOptions{Model: "m"}); err == nil {
		t.Fatal("expected error for empty message list")
	}
}

func TestPromptLinesDefaultsIDsToIndex(t *testing.T) {
	lines, err := PromptLines([]string{"a", "b", "c"}, nil, PromptOptions{Model: "m"})
	if err != nil {
		t.Fatalf("prompt lines: %v", err)
	}
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	for i, want := range []string{"0", "1", "2"} {
		if lines[i].CustomID != want {
			t.Fatalf("line %d: id %s", i, lines[i].CustomID)
		}
	}
}

func TestPromptLinesRejectsMismatchedIDs(t *testing.T) {
	if _, err := PromptLines([]string{"a", "b"}, []string{"only-one"}, PromptOptions{}); err == nil {
		t.Fatal("expected error for mismatched id count")
	}
}
