// Package openai provides a ChatModel adapter for the OpenAI chat completions API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/huytu0702/moniagent-sub000/graph/model"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const providerName = "openai"

// ChatModel implements model.ChatModel for OpenAI's API.
//
// Transient failures (rate limits, 5xx, network errors) are retried with a
// linear backoff; everything else is returned immediately as a
// *model.ProviderError.
//
// Example usage:
//
//	m := openai.NewChatModel(os.Getenv("OPENAI_API_KEY"), "gpt-4o-mini", openai.WithJSONResponse())
//	out, err := m.Chat(ctx, messages)
type ChatModel struct {
	modelName  string
	client     openaiClient
	maxRetries int
	retryDelay time.Duration
	jsonMode   bool
	maxTokens  int64
}

// openaiClient is the subset of the SDK used by ChatModel.
type openaiClient interface {
	createChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// Option configures a ChatModel.
type Option func(*ChatModel)

// WithJSONResponse requests a JSON object response format.
// The prompt must mention JSON for the API to accept it.
func WithJSONResponse() Option {
	return func(m *ChatModel) { m.jsonMode = true }
}

// WithRetries sets how many times a transient failure is retried and the base delay.
func WithRetries(maxRetries int, delay time.Duration) Option {
	return func(m *ChatModel) {
		if maxRetries >= 0 {
			m.maxRetries = maxRetries
		}
		if delay >= 0 {
			m.retryDelay = delay
		}
	}
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int64) Option {
	return func(m *ChatModel) { m.maxTokens = n }
}

// NewChatModel creates a new OpenAI ChatModel.
//
// An empty modelName uses "gpt-4o-mini". Defaults: 3 retries, 1 second base delay.
func NewChatModel(apiKey, modelName string, opts ...Option) *ChatModel {
	if modelName == "" {
		modelName = "gpt-4o-mini"
	}

	m := &ChatModel{
		modelName:  modelName,
		maxRetries: 3,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}

	if apiKey == "" {
		m.client = missingKeyClient{}
		return m
	}

	// Retries are handled here so the SDK must not retry on its own.
	client := openai.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0))
	m.client = &sdkClient{client: &client}
	return m
}

// Chat implements the model.ChatModel interface.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	params := m.buildParams(messages)

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		completion, err := m.client.createChatCompletion(ctx, params)
		if err == nil {
			return convertResponse(completion)
		}

		lastErr = classify(err)
		if !model.IsTransient(lastErr) || attempt >= m.maxRetries {
			break
		}

		delay := m.retryDelay * time.Duration(attempt+1)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return model.ChatOut{}, ctx.Err()
		}
	}

	return model.ChatOut{}, lastErr
}

func (m *ChatModel) buildParams(messages []model.Message) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.modelName),
		Messages: convertMessages(messages),
	}
	if m.jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: openai.Ptr(shared.NewResponseFormatJSONObjectParam()),
		}
	}
	if m.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(m.maxTokens)
	}
	return params
}

// convertMessages maps model messages to SDK message params.
// Images are only sent on user messages.
func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			if len(msg.Images) == 0 {
				out = append(out, openai.UserMessage(msg.Content))
				continue
			}
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.Images)+1)
			if msg.Content != "" {
				parts = append(parts, openai.TextContentPart(msg.Content))
			}
			for _, img := range msg.Images {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: img.DataURL(),
				}))
			}
			out = append(out, openai.UserMessage(parts))
		}
	}

	return out
}

func convertResponse(completion *openai.ChatCompletion) (model.ChatOut, error) {
	if completion == nil || len(completion.Choices) == 0 {
		return model.ChatOut{}, errors.New("no response from OpenAI API")
	}

	return model.ChatOut{
		Text:         completion.Choices[0].Message.Content,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}, nil
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return model.Classify(providerName, apiErr.StatusCode, err)
	}
	return model.Classify(providerName, 0, err)
}

// sdkClient wraps the official openai-go client.
type sdkClient struct {
	client *openai.Client
}

func (c *sdkClient) createChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return c.client.Chat.Completions.New(ctx, params)
}

// missingKeyClient fails every call; it lets NewChatModel stay infallible.
type missingKeyClient struct{}

func (missingKeyClient) createChatCompletion(context.Context, openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return nil, fmt.Errorf("OpenAI API key is required: %w", errMissingKey)
}

var errMissingKey = errors.New("missing api key")
