package llmapi

import "encoding/json"

const (
	DefaultMethod = "POST"
	DefaultPath   = "/v1/chat/completions"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	NPredict    int       `json:"n_predict,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type ChatResponse struct {
	ID      string   `json:"id,omitempty"`
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// RequestLine is one JSONL input record for a batch run. CustomID is
// optional; absent IDs are derived from the line position.
type RequestLine struct {
	CustomID string          `json:"custom_id,omitempty"`
	Method   string          `json:"method,omitempty"`
	URL      string          `json:"url,omitempty"`
	Body     json.RawMessage `json:"body"`
}

type ErrorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ResultLine is one JSONL output record, written append-only in completion
// order. Response is present iff status is "success".
type ResultLine struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    *ErrorDetail    `json:"error,omitempty"`
	Usage    *Usage          `json:"usage,omitempty"`
	Attempts int             `json:"attempts"`
}
