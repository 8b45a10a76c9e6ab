// Package google provides ChatModel adapter for Google Gemini API.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/huytu0702/moniagent-sub000/graph/model"
	"google.golang.org/api/option"
)

const providerName = "google"

// ChatModel implements model.ChatModel for Google's Gemini API.
//
// Blocked prompts and responses surface as *SafetyFilterError:
//
//	out, err := m.Chat(ctx, messages)
//	var safetyErr *google.SafetyFilterError
//	if errors.As(err, &safetyErr) {
//	    log.Printf("Content blocked: %s", safetyErr.Category())
//	}
type ChatModel struct {
	modelName string
	jsonMode  bool
	client    googleClient
}

// request is a provider-shaped chat: the system instruction, the prior turns
// and the parts of the final user turn.
type request struct {
	system   string
	history  []*genai.Content
	parts    []genai.Part
	jsonMode bool
}

// googleClient is the subset of the SDK used by ChatModel.
type googleClient interface {
	generateContent(ctx context.Context, modelName string, req request) (*genai.GenerateContentResponse, error)
}

// NewChatModel creates a new Google ChatModel.
// An empty modelName uses "gemini-2.5-flash". jsonMode asks Gemini for an
// application/json response.
func NewChatModel(apiKey, modelName string, jsonMode bool) *ChatModel {
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	return &ChatModel{
		modelName: modelName,
		jsonMode:  jsonMode,
		client:    &defaultClient{apiKey: apiKey},
	}
}

// Chat implements the model.ChatModel interface.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	req := buildRequest(messages)
	req.jsonMode = m.jsonMode

	resp, err := m.client.generateContent(ctx, m.modelName, req)
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return model.ChatOut{}, newSafetyFilterError(blocked)
		}
		return model.ChatOut{}, model.Classify(providerName, 0, err)
	}

	return convertResponse(resp), nil
}

// buildRequest converts messages into Gemini's chat shape. Gemini calls the
// assistant role "model"; the last message becomes the turn being sent.
func buildRequest(messages []model.Message) request {
	system, conversation := model.SplitSystem(messages)
	req := request{system: system}

	for i, msg := range conversation {
		parts := convertParts(msg)
		if i == len(conversation)-1 {
			req.parts = parts
			break
		}
		role := "user"
		if msg.Role == model.RoleAssistant {
			role = "model"
		}
		req.history = append(req.history, &genai.Content{Role: role, Parts: parts})
	}

	return req
}

func convertParts(msg model.Message) []genai.Part {
	parts := make([]genai.Part, 0, len(msg.Images)+1)
	if msg.Content != "" {
		parts = append(parts, genai.Text(msg.Content))
	}
	for _, img := range msg.Images {
		parts = append(parts, genai.ImageData(strings.TrimPrefix(img.MIMEType, "image/"), img.Data))
	}
	return parts
}

// convertResponse converts Google's response to our ChatOut format.
func convertResponse(resp *genai.GenerateContentResponse) model.ChatOut {
	out := model.ChatOut{}
	if resp == nil {
		return out
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += string(text)
		}
	}

	return out
}

// defaultClient wraps the official Google Gemini SDK client.
type defaultClient struct {
	apiKey string
}

func (c *defaultClient) generateContent(ctx context.Context, modelName string, req request) (*genai.GenerateContentResponse, error) {
	if c.apiKey == "" {
		return nil, errors.New("google API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google client: %w", err)
	}
	defer func() {
		_ = client.Close()
	}()

	genModel := client.GenerativeModel(modelName)
	if req.system != "" {
		genModel.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.system)}}
	}
	if req.jsonMode {
		genModel.ResponseMIMEType = "application/json"
	}

	session := genModel.StartChat()
	session.History = req.history

	resp, err := session.SendMessage(ctx, req.parts...)
	if err != nil {
		return nil, fmt.Errorf("google API error: %w", err)
	}
	return resp, nil
}

// SafetyFilterError represents a Google safety filter block.
type SafetyFilterError struct {
	reason   string
	category string
}

func newSafetyFilterError(blocked *genai.BlockedError) *SafetyFilterError {
	e := &SafetyFilterError{reason: "SAFETY"}

	switch {
	case blocked.Candidate != nil:
		e.reason = blocked.Candidate.FinishReason.String()
		for _, rating := range blocked.Candidate.SafetyRatings {
			if rating.Blocked {
				e.category = rating.Category.String()
				break
			}
		}
	case blocked.PromptFeedback != nil:
		e.reason = blocked.PromptFeedback.BlockReason.String()
		for _, rating := range blocked.PromptFeedback.SafetyRatings {
			if rating.Blocked {
				e.category = rating.Category.String()
				break
			}
		}
	}
	return e
}

// Error implements the error interface.
func (e *SafetyFilterError) Error() string {
	if e.category == "" {
		return "content blocked by safety filter: " + e.reason
	}
	return "content blocked by safety filter: " + e.category
}

// Category returns the safety category that triggered the block.
func (e *SafetyFilterError) Category() string {
	return e.category
}

// Reason returns why the content was blocked.
func (e *SafetyFilterError) Reason() string {
	return e.reason
}
