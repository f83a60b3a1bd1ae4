package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// LLMClient is the generation service: it turns a prompt into text.
type LLMClient interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)

	// Name returns the client identifier (e.g., "gemini").
	Name() string

	// HealthCheck verifies credentials and connectivity.
	HealthCheck(ctx context.Context) error
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ChatRequest is a request to an LLM.
type ChatRequest struct {
	Messages []Message `json:"messages"`

	// Model selection (uses client default if empty)
	Model string `json:"model,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`

	// Stage labels the pipeline step issuing the call ("plan", "draft",
	// "critic", "structure"). Used for metrics and by MockClient scripts.
	Stage string `json:"-"`

	RequestID string `json:"-"`
}

// ChatResult is the complete response from an LLM call.
type ChatResult struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	ExecutionTime time.Duration `json:"execution_time"`

	Provider  string `json:"provider"`
	ModelUsed string `json:"model_used"`
	RequestID string `json:"request_id"`

	Success      bool   `json:"success"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Prompt is one call against the generation service contract:
// complete(system, user, max_output_tokens, timeout).
type Prompt struct {
	Stage     string
	System    string
	User      string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Complete sends p to client with a hard per-call timeout. A call that
// exceeds the timeout is reported as a network error so it is retried the
// same way as a dropped connection.
func Complete(ctx context.Context, client LLMClient, p Prompt) (*ChatResult, error) {
	if client == nil {
		return nil, &Error{Kind: KindAuth, Message: "no generation client configured"}
	}

	callCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	req := &ChatRequest{
		Model:     p.Model,
		MaxTokens: p.MaxTokens,
		Stage:     p.Stage,
	}
	if p.System != "" {
		req.Messages = append(req.Messages, Message{Role: "system", Content: p.System})
	}
	req.Messages = append(req.Messages, Message{Role: "user", Content: p.User})

	result, err := client.Chat(callCtx, req)
	if err != nil {
		// Deadline hit on our own timer, not the caller's context.
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return result, &Error{
				Kind:    KindNetwork,
				Message: fmt.Sprintf("%s call timed out after %s", p.Stage, p.Timeout),
				Err:     err,
			}
		}
		return result, err
	}
	return result, nil
}
