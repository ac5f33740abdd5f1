package llmapi

import (
	"encoding/json"
	"fmt"
)

// PromptOptions control the chat request body produced for a prompt line.
type PromptOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	NPredict    int
}

// PromptLine builds a JSONL request record for a single user prompt.
func PromptLine(customID, prompt string, opts PromptOptions) (RequestLine, error) {
	return MessagesLine(customID, []Message{{Role: "user", Content: prompt}}, opts)
}

// MessagesLine builds a JSONL request record from a full message list.
func MessagesLine(customID string, messages []Message, opts PromptOptions) (RequestLine, error) {
	if len(messages) == 0 {
		return RequestLine{}, fmt.Errorf("prompt line %q: at least one message is required", customID)
	}
	body, err := json.Marshal(ChatRequest{
		Model:       opts.Model,
		Messages:    messages,
		Stream:      false,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		NPredict:    opts.NPredict,
	})
	if err != nil {
		return RequestLine{}, err
	}
	return RequestLine{
		CustomID: customID,
		Method:   DefaultMethod,
		URL:      DefaultPath,
		Body:     body,
	}, nil
}

// PromptLines builds request records for a list of prompts. Missing custom
// IDs default to the prompt's index.
func PromptLines(prompts []string, customIDs []string, opts PromptOptions) ([]RequestLine, error) {
	if customIDs != nil && len(customIDs) != len(prompts) {
		return nil, fmt.Errorf("got %d custom ids for %d prompts", len(customIDs), len(prompts))
	}
	out := make([]RequestLine, 0, len(prompts))
	for i, p := range prompts {
		id := fmt.Sprintf("%d", i)
		if customIDs != nil {
			id = customIDs[i]
		}
		line, err := PromptLine(id, p, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, nil
}
