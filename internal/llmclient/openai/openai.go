// Package openai adapts llmclient.Client to the OpenAI chat-completions
// tool-calling API, grounded on the teacher's
// third_party/agentsdk-go/pkg/model/openai.go (client construction,
// message/tool conversion), with retry reimplemented on
// github.com/cenkalti/backoff/v5.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/cenkalti/backoff/v5"

	"github.com/rayclaw/rayclaw/internal/llmclient"
	"github.com/rayclaw/rayclaw/internal/rayerr"
)

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	MaxRetries int
	HTTPClient *http.Client
}

const (
	defaultModel      = "gpt-4o"
	defaultMaxTokens  = 4096
	defaultMaxRetries = 3
)

type completionsAPI interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Adapter implements llmclient.Client over OpenAI's chat-completions API.
type Adapter struct {
	completions completionsAPI
	model       string
	maxTokens   int
	maxRetries  int
}

func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai adapter: API key required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	client := openai.NewClient(opts...)
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	return &Adapter{
		completions: &client.Chat.Completions,
		model:       model,
		maxTokens:   maxTokens,
		maxRetries:  maxRetries,
	}, nil
}

func (a *Adapter) Complete(ctx context.Context, req llmclient.Request) (*llmclient.Response, error) {
	params := a.buildParams(req)

	completion, err := backoff.Retry(ctx, func() (*openai.ChatCompletion, error) {
		c, callErr := a.completions.New(ctx, params)
		if callErr != nil && isRetryable(callErr) {
			return nil, callErr
		}
		if callErr != nil {
			return nil, backoff.Permanent(callErr)
		}
		return c, nil
	}, backoff.WithMaxTries(uint(a.maxRetries)), backoff.WithBackOff(&backoff.ExponentialBackOff{
		InitialInterval: 500 * time.Millisecond,
		Multiplier:      2,
		MaxInterval:     10 * time.Second,
	}))
	if err != nil {
		return nil, rayerr.Provider(isRetryable(err), err)
	}

	return convertResponse(completion), nil
}

func (a *Adapter) buildParams(req llmclient.Request) openai.ChatCompletionNewParams {
	messages := convertMessages(req.Messages, req.System)

	maxTokens := a.maxTokens
	if req.Limits.MaxTokens > 0 {
		maxTokens = req.Limits.MaxTokens
	}

	model := a.model
	if req.Model != "" {
		model = req.Model
	}

	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(model),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
		Messages:            messages,
	}

	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	if req.Limits.Temperature != nil {
		params.Temperature = openai.Float(*req.Limits.Temperature)
	}
	if req.SessionID != "" {
		params.User = openai.String(req.SessionID)
	}

	return params
}

func convertMessages(msgs []llmclient.Message, system string) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if trimmed := strings.TrimSpace(system); trimmed != "" {
		out = append(out, openai.SystemMessage(trimmed))
	}

	for _, msg := range msgs {
		switch msg.Role {
		case llmclient.RoleAssistant:
			out = append(out, buildAssistantMessage(msg))
		case llmclient.RoleUser:
			out = append(out, buildUserMessage(msg)...)
		}
	}

	if len(out) == 0 {
		out = append(out, openai.UserMessage("."))
	}
	return out
}

func buildAssistantMessage(msg llmclient.Message) openai.ChatCompletionMessageParamUnion {
	var text strings.Builder
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for _, b := range msg.Content {
		switch b.Type {
		case llmclient.BlockText:
			text.WriteString(b.Text)
		case llmclient.BlockToolUse:
			toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
				ID: b.ToolUseID,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      b.ToolName,
					Arguments: b.ToolArgsRaw,
				},
			})
		}
	}
	content := text.String()
	if content == "" {
		content = "."
	}
	param := openai.ChatCompletionAssistantMessageParam{
		Content: openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(content)},
	}
	if len(toolCalls) > 0 {
		param.ToolCalls = toolCalls
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &param}
}

// buildUserMessage splits a user message into a plain user turn (text
// blocks) plus one openai.ToolMessage per tool_result block, since
// OpenAI's wire format represents tool results as separate "tool"-role
// messages rather than content blocks within a user turn.
func buildUserMessage(msg llmclient.Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	var text strings.Builder
	for _, b := range msg.Content {
		switch b.Type {
		case llmclient.BlockText:
			text.WriteString(b.Text)
		case llmclient.BlockToolResult:
			out = append(out, openai.ToolMessage(b.ToolResultText, b.ToolResultForID))
		}
	}
	if trimmed := strings.TrimSpace(text.String()); trimmed != "" || len(out) == 0 {
		if trimmed == "" {
			trimmed = "."
		}
		out = append([]openai.ChatCompletionMessageParamUnion{openai.UserMessage(trimmed)}, out...)
	}
	return out
}

func convertTools(tools []llmclient.ToolDef) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, def := range tools {
		tool := openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:       def.Name,
				Parameters: convertParameters(def.Parameters),
			},
		}
		if def.Description != "" {
			tool.Function.Description = openai.Opt(def.Description)
		}
		out = append(out, tool)
	}
	return out
}

func convertParameters(params map[string]any) shared.FunctionParameters {
	if len(params) == 0 {
		return shared.FunctionParameters{"type": "object"}
	}
	out := shared.FunctionParameters{}
	for k, v := range params {
		out[k] = v
	}
	return out
}

func convertResponse(completion *openai.ChatCompletion) *llmclient.Response {
	if completion == nil || len(completion.Choices) == 0 {
		return &llmclient.Response{StopReason: llmclient.StopEndTurn}
	}

	choice := completion.Choices[0]
	msg := choice.Message

	var blocks []llmclient.ContentBlock
	if msg.Content != "" {
		blocks = append(blocks, llmclient.ContentBlock{Type: llmclient.BlockText, Text: msg.Content})
	}
	for _, tc := range msg.ToolCalls {
		blocks = append(blocks, llmclient.ContentBlock{
			Type:        llmclient.BlockToolUse,
			ToolUseID:   tc.ID,
			ToolName:    tc.Function.Name,
			ToolArgsRaw: tc.Function.Arguments,
		})
	}

	stop := llmclient.StopEndTurn
	switch choice.FinishReason {
	case "tool_calls":
		stop = llmclient.StopToolUse
	case "length":
		stop = llmclient.StopMaxTokens
	}

	return &llmclient.Response{
		Blocks:     blocks,
		StopReason: stop,
		Usage: llmclient.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode != http.StatusUnauthorized && apiErr.StatusCode != http.StatusForbidden
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}
