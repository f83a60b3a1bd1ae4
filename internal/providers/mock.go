package providers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const MockClientName = "mock"

// MockHandler scripts a response for one request.
type MockHandler func(req *ChatRequest) (string, error)

// MockClient is an LLMClient for testing.
type MockClient struct {
	// Configurable behavior
	Latency      time.Duration
	ShouldFail   bool
	FailWith     error // returned when ShouldFail is set (default: network error)
	FailAfter    int   // Fail after N requests (0 = never)
	ResponseText string

	// Handlers keyed by ChatRequest.Stage take precedence over ResponseText.
	Handlers map[string]MockHandler

	// HealthErr is returned by HealthCheck.
	HealthErr error

	requestCount atomic.Int64

	mu          sync.Mutex
	stageCounts map[string]int
}

// NewMockClient creates a new mock client with sensible defaults.
func NewMockClient() *MockClient {
	return &MockClient{
		ResponseText: "mock response",
	}
}

// On registers a handler for stage and returns the client for chaining.
func (c *MockClient) On(stage string, h MockHandler) *MockClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Handlers == nil {
		c.Handlers = make(map[string]MockHandler)
	}
	c.Handlers[stage] = h
	return c
}

// Name returns the client identifier.
func (c *MockClient) Name() string {
	return MockClientName
}

// HealthCheck returns HealthErr.
func (c *MockClient) HealthCheck(ctx context.Context) error {
	return c.HealthErr
}

// Calls returns the total number of Chat calls.
func (c *MockClient) Calls() int {
	return int(c.requestCount.Load())
}

// StageCalls returns the number of Chat calls made for stage.
func (c *MockClient) StageCalls(stage string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stageCounts[stage]
}

// Chat sends a mock chat request.
func (c *MockClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()
	count := c.requestCount.Add(1)

	c.mu.Lock()
	if c.stageCounts == nil {
		c.stageCounts = make(map[string]int)
	}
	c.stageCounts[req.Stage]++
	handler := c.Handlers[req.Stage]
	c.mu.Unlock()

	result := &ChatResult{
		RequestID: fmt.Sprintf("mock-%d", count),
		Provider:  MockClientName,
		ModelUsed: req.Model,
	}

	if c.Latency > 0 {
		select {
		case <-ctx.Done():
			result.ExecutionTime = time.Since(start)
			result.ErrorMessage = ctx.Err().Error()
			return result, ctx.Err()
		case <-time.After(c.Latency):
		}
	} else if err := ctx.Err(); err != nil {
		return result, err
	}

	if c.ShouldFail || (c.FailAfter > 0 && int(count) > c.FailAfter) {
		err := c.FailWith
		if err == nil {
			err = &Error{Kind: KindNetwork, Message: "mock failure"}
		}
		result.ExecutionTime = time.Since(start)
		result.ErrorType = string(Classify(err))
		result.ErrorMessage = err.Error()
		return result, err
	}

	text := c.ResponseText
	if handler != nil {
		var err error
		text, err = handler(req)
		if err != nil {
			result.ExecutionTime = time.Since(start)
			result.ErrorType = string(Classify(err))
			result.ErrorMessage = err.Error()
			return result, err
		}
	}

	result.Content = text
	result.FinishReason = "stop"
	result.PromptTokens = promptLen(req) / 4
	result.CompletionTokens = len(text) / 4
	result.TotalTokens = result.PromptTokens + result.CompletionTokens
	result.ExecutionTime = time.Since(start)
	result.Success = true
	return result, nil
}

func promptLen(req *ChatRequest) int {
	n := 0
	for _, m := range req.Messages {
		n += len(m.Content)
	}
	return n
}

// UserContent returns the content of the last user message in req.
func UserContent(req *ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

var _ LLMClient = (*MockClient)(nil)
