package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	OpenAIName         = "openai"
	openAIDefaultModel = "gemini-2.5-flash"
)

// OpenAIConfig holds configuration for an OpenAI-compatible chat client.
// Any endpoint speaking the chat completions protocol works: OpenAI,
// Gemini's compatibility endpoint, OpenRouter or a local Ollama.
type OpenAIConfig struct {
	Name        string
	APIKey      string
	BaseURL     string
	Model       string
	RateLimit   int // Requests per minute
	MaxRetries  int // SDK transport retries
	Timeout     time.Duration
	Temperature float64
	HTTPClient  *http.Client // Optional (tests)
}

// OpenAIClient implements LLMClient using the official OpenAI SDK.
type OpenAIClient struct {
	name        string
	apiKey      string
	baseURL     string
	model       string
	rateLimit   int
	temperature float64
	limiter     *RateLimiter
	client      openai.Client
}

// NewOpenAIClient creates a new OpenAI-compatible chat client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Name == "" {
		cfg.Name = OpenAIName
	}
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 150
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	// Retries are owned by the unit state machine, which knows the
	// per-stage policy.
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		name:        cfg.Name,
		apiKey:      cfg.APIKey,
		baseURL:     cfg.BaseURL,
		model:       cfg.Model,
		rateLimit:   cfg.RateLimit,
		temperature: cfg.Temperature,
		limiter:     NewRateLimiter(cfg.RateLimit),
		client:      openai.NewClient(opts...),
	}
}

// Name returns the client identifier.
func (c *OpenAIClient) Name() string {
	return c.name
}

// Model returns the configured default model.
func (c *OpenAIClient) Model() string {
	return c.model
}

// RateLimitStatus returns the limiter state.
func (c *OpenAIClient) RateLimitStatus() RateLimiterStatus {
	return c.limiter.Status()
}

// HealthCheck verifies the endpoint is reachable and the API key is valid.
func (c *OpenAIClient) HealthCheck(ctx context.Context) error {
	page, err := c.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("models list failed: %w", mapOpenAIError(err))
	}
	if page == nil {
		return fmt.Errorf("models list returned nil response")
	}
	return nil
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.model
	}
	result := &ChatResult{
		Provider:  c.name,
		ModelUsed: model,
		RequestID: req.RequestID,
	}

	if err := c.limiter.Wait(ctx); err != nil {
		result.ExecutionTime = time.Since(start)
		result.ErrorMessage = err.Error()
		return result, err
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	temperature := c.temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    messages,
		Temperature: openai.Float(temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	result.ExecutionTime = time.Since(start)
	if err != nil {
		err = mapOpenAIError(err)
		if RetryAfterOf(err) > 0 {
			c.limiter.Record429(RetryAfterOf(err))
		}
		result.ErrorType = string(Classify(err))
		result.ErrorMessage = err.Error()
		return result, err
	}

	if len(resp.Choices) == 0 {
		err := &Error{Kind: KindOther, Message: "response contained no choices"}
		result.ErrorType = string(err.Kind)
		result.ErrorMessage = err.Error()
		return result, err
	}

	choice := resp.Choices[0]
	result.Content = choice.Message.Content
	result.FinishReason = string(choice.FinishReason)
	result.PromptTokens = int(resp.Usage.PromptTokens)
	result.CompletionTokens = int(resp.Usage.CompletionTokens)
	result.TotalTokens = int(resp.Usage.TotalTokens)
	if resp.Model != "" {
		result.ModelUsed = resp.Model
	}
	if resp.ID != "" {
		result.RequestID = resp.ID
	}
	result.Success = true
	return result, nil
}

// mapOpenAIError converts SDK errors into the Error taxonomy.
func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	msg := strings.TrimSpace(apiErr.Message)
	if msg == "" {
		msg = http.StatusText(apiErr.StatusCode)
	}

	mapped := &Error{
		Kind:       KindFromStatus(apiErr.StatusCode),
		Message:    msg,
		StatusCode: apiErr.StatusCode,
		Err:        err,
	}
	if apiErr.StatusCode == http.StatusTooManyRequests && apiErr.Response != nil {
		mapped.RetryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
	}
	return mapped
}

var _ LLMClient = (*OpenAIClient)(nil)
