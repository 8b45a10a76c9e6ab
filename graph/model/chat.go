// Package model provides chat model adapters used by workflow nodes.
//
// Adapters live in subpackages (openai, anthropic, google) and all satisfy
// ChatModel, so nodes never depend on a provider SDK directly.
package model

import (
	"context"
	"encoding/base64"
)

// ChatModel defines the interface for LLM chat providers.
//
// Implementations must respect context cancellation and should return errors
// that IsTransient can classify, so callers can decide whether to retry.
//
// Example:
//
//	m := openai.NewChatModel(apiKey, "gpt-4o-mini")
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleSystem, Content: "Extract the expense as JSON."},
//	    {Role: model.RoleUser, Content: "Coffee at Starbucks $25"},
//	})
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (ChatOut, error)
}

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role identifies the message sender. Use the Role* constants.
	Role string

	// Content contains the message text.
	Content string

	// Images are attached to user messages, e.g. a photographed receipt.
	// Providers that cannot accept images for a role ignore them.
	Images []Image
}

// Standard role constants for LLM conversations.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Image is inline binary image content.
type Image struct {
	// MIMEType is the media type, e.g. "image/jpeg".
	MIMEType string
	Data     []byte
}

// Base64 returns the standard base64 encoding of the image bytes.
func (i Image) Base64() string {
	return base64.StdEncoding.EncodeToString(i.Data)
}

// DataURL returns the image as a data: URL.
func (i Image) DataURL() string {
	return "data:" + i.MIMEType + ";base64," + i.Base64()
}

// ChatOut represents the output from an LLM chat completion.
type ChatOut struct {
	// Text contains the generated response.
	Text string

	// Token usage as reported by the provider. Zero when unknown.
	InputTokens  int
	OutputTokens int
}

// SplitSystem separates system messages from the conversation.
// Multiple system messages are joined with a blank line.
func SplitSystem(messages []Message) (string, []Message) {
	var system string
	conversation := make([]Message, 0, len(messages))

	for _, msg := range messages {
		if msg.Role != RoleSystem {
			conversation = append(conversation, msg)
			continue
		}
		if system != "" {
			system += "\n\n"
		}
		system += msg.Content
	}

	return system, conversation
}
