package openai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/huytu0702/moniagent-sub000/graph/model"
	"github.com/openai/openai-go"
)

type fakeClient struct {
	errors    []error
	text      string
	calls     int
	lastParam openai.ChatCompletionNewParams
}

func (f *fakeClient) createChatCompletion(_ context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	f.calls++
	f.lastParam = params
	if f.calls <= len(f.errors) && f.errors[f.calls-1] != nil {
		return nil, f.errors[f.calls-1]
	}
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: f.text}}},
		Usage:   openai.CompletionUsage{PromptTokens: 12, CompletionTokens: 5},
	}, nil
}

func apiError(status int) *openai.Error {
	return &openai.Error{
		StatusCode: status,
		Request:    httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil),
		Response:   &http.Response{StatusCode: status},
	}
}

func newTestModel(client openaiClient) *ChatModel {
	return &ChatModel{
		modelName:  "gpt-4o-mini",
		client:     client,
		maxRetries: 2,
		retryDelay: time.Millisecond,
	}
}

func TestChatModel_Chat(t *testing.T) {
	client := &fakeClient{text: `{"amount": 25}`}
	m := newTestModel(client)

	out, err := m.Chat(context.Background(), []model.Message{
		{Role: model.RoleSystem, Content: "Extract"},
		{Role: model.RoleUser, Content: "Coffee $25"},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if out.Text != `{"amount": 25}` || out.InputTokens != 12 || out.OutputTokens != 5 {
		t.Errorf("unexpected output %+v", out)
	}
	if len(client.lastParam.Messages) != 2 {
		t.Errorf("expected 2 messages, got %d", len(client.lastParam.Messages))
	}
	if client.lastParam.Messages[0].OfSystem == nil || client.lastParam.Messages[1].OfUser == nil {
		t.Error("roles were not mapped to system and user params")
	}
}

func TestChatModel_Images(t *testing.T) {
	client := &fakeClient{text: "ok"}
	m := newTestModel(client)

	_, err := m.Chat(context.Background(), []model.Message{{
		Role:    model.RoleUser,
		Content: "receipt attached",
		Images:  []model.Image{{MIMEType: "image/jpeg", Data: []byte{0xff, 0xd8}}},
	}})
	if err != nil {
		t.Fatal(err)
	}

	user := client.lastParam.Messages[0].OfUser
	if user == nil {
		t.Fatal("expected user message")
	}
	parts := user.Content.OfArrayOfContentParts
	if len(parts) != 2 {
		t.Fatalf("expected text and image parts, got %d", len(parts))
	}
	if parts[1].OfImageURL == nil || parts[1].OfImageURL.ImageURL.URL != "data:image/jpeg;base64,/9g=" {
		t.Errorf("image part not encoded as data URL: %+v", parts[1])
	}
}

func TestChatModel_Retries(t *testing.T) {
	transient := apiError(http.StatusServiceUnavailable)
	permanent := apiError(http.StatusUnauthorized)

	t.Run("retries transient errors", func(t *testing.T) {
		client := &fakeClient{errors: []error{transient, transient}, text: "ok"}
		out, err := newTestModel(client).Chat(context.Background(), nil)
		if err != nil {
			t.Fatalf("expected success after retries, got %v", err)
		}
		if out.Text != "ok" || client.calls != 3 {
			t.Errorf("text=%q calls=%d", out.Text, client.calls)
		}
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		client := &fakeClient{errors: []error{transient, transient, transient, transient}}
		_, err := newTestModel(client).Chat(context.Background(), nil)
		if !model.IsTransient(err) {
			t.Errorf("exhausted error should stay transient, got %v", err)
		}
		if client.calls != 3 {
			t.Errorf("calls = %d, want 3", client.calls)
		}
	})

	t.Run("does not retry permanent errors", func(t *testing.T) {
		client := &fakeClient{errors: []error{permanent}}
		_, err := newTestModel(client).Chat(context.Background(), nil)

		var pe *model.ProviderError
		if !errors.As(err, &pe) || pe.Code != "invalid_api_key" {
			t.Errorf("expected invalid_api_key provider error, got %v", err)
		}
		if client.calls != 1 {
			t.Errorf("calls = %d, want 1", client.calls)
		}
	})
}

func TestChatModel_Options(t *testing.T) {
	m := NewChatModel("", "", WithJSONResponse(), WithMaxTokens(256), WithRetries(0, 0))
	if m.modelName != "gpt-4o-mini" || m.maxRetries != 0 {
		t.Errorf("unexpected config %+v", m)
	}

	params := m.buildParams([]model.Message{{Role: model.RoleUser, Content: "json please"}})
	if params.ResponseFormat.OfJSONObject == nil {
		t.Error("JSON response format not requested")
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 256 {
		t.Error("max tokens not applied")
	}

	if _, err := m.Chat(context.Background(), nil); err == nil {
		t.Error("expected missing key error")
	}
}

func TestChatModel_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &fakeClient{text: "ok"}
	if _, err := newTestModel(client).Chat(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if client.calls != 0 {
		t.Error("client should not be called with a cancelled context")
	}
}
