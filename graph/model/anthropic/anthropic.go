// Package anthropic provides a ChatModel adapter for Anthropic's Messages API.
package anthropic

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/huytu0702/moniagent-sub000/graph/model"
)

const providerName = "anthropic"

// ChatModel implements model.ChatModel for Anthropic's Claude API.
//
// System messages are lifted into the request's system parameter; user
// images are sent as base64 image blocks.
//
//	m := anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), "claude-3-5-haiku-latest")
type ChatModel struct {
	modelName string
	maxTokens int64
	client    anthropicClient
}

// anthropicClient is the subset of the SDK used by ChatModel.
type anthropicClient interface {
	createMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

// NewChatModel creates a new Anthropic ChatModel.
// An empty modelName uses "claude-3-5-haiku-latest".
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "claude-3-5-haiku-latest"
	}

	m := &ChatModel{modelName: modelName, maxTokens: 1024}
	if apiKey == "" {
		m.client = missingKeyClient{}
		return m
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	m.client = &sdkClient{client: &client}
	return m
}

// Chat implements the model.ChatModel interface.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	msg, err := m.client.createMessage(ctx, m.buildParams(messages))
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return model.ChatOut{}, model.Classify(providerName, apiErr.StatusCode, err)
		}
		return model.ChatOut{}, model.Classify(providerName, 0, err)
	}

	return convertResponse(msg), nil
}

func (m *ChatModel) buildParams(messages []model.Message) anthropic.MessageNewParams {
	system, conversation := model.SplitSystem(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.modelName),
		MaxTokens: m.maxTokens,
		Messages:  convertMessages(conversation),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

func convertMessages(messages []model.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		if msg.Role == model.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			continue
		}

		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Images)+1)
		for _, img := range msg.Images {
			blocks = append(blocks, anthropic.NewImageBlockBase64(img.MIMEType, img.Base64()))
		}
		if msg.Content != "" || len(blocks) == 0 {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		out = append(out, anthropic.NewUserMessage(blocks...))
	}

	return out
}

func convertResponse(msg *anthropic.Message) model.ChatOut {
	if msg == nil {
		return model.ChatOut{}
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return model.ChatOut{
		Text:         sb.String(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
}

// sdkClient wraps the official anthropic-sdk-go client.
type sdkClient struct {
	client *anthropic.Client
}

func (c *sdkClient) createMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return c.client.Messages.New(ctx, params)
}

type missingKeyClient struct{}

func (missingKeyClient) createMessage(context.Context, anthropic.MessageNewParams) (*anthropic.Message, error) {
	return nil, errors.New("Anthropic API key is required")
}
