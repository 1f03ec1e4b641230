// Package anthropic adapts llmclient.Client to Anthropic's Messages API,
// grounded on the teacher's third_party/agentsdk-go/pkg/model/anthropic.go
// (client construction, message/tool conversion, retryability
// classification), with retry reimplemented on
// github.com/cenkalti/backoff/v5 instead of the teacher's hand-rolled
// doWithRetry loop.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/cenkalti/backoff/v5"

	"github.com/rayclaw/rayclaw/internal/llmclient"
	"github.com/rayclaw/rayclaw/internal/rayerr"
)

// Config wires a plain anthropic-sdk-go client into llmclient.Client.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	MaxRetries int
	System     string
	HTTPClient *http.Client
}

type messagesAPI interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
}

// Adapter implements llmclient.Client over the Anthropic Messages API.
type Adapter struct {
	msgs       messagesAPI
	model      anthropicsdk.Model
	maxTokens  int
	maxRetries int
	system     string
}

func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("anthropic adapter: API key required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	client := anthropicsdk.NewClient(opts...)
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	return &Adapter{
		msgs:       &client.Messages,
		model:      anthropicsdk.Model(cfg.Model),
		maxTokens:  maxTokens,
		maxRetries: maxRetries,
		system:     cfg.System,
	}, nil
}

// Complete satisfies llmclient.Client, retrying transient failures up to
// maxRetries times with exponential backoff before surfacing a permanent
// failure as rayerr.ProviderError, per spec.md §4.5.
func (a *Adapter) Complete(ctx context.Context, req llmclient.Request) (*llmclient.Response, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, rayerr.InvalidArgsf("build anthropic request: %v", err)
	}

	msg, err := backoff.Retry(ctx, func() (*anthropicsdk.Message, error) {
		m, callErr := a.msgs.New(ctx, params)
		if callErr != nil && isRetryable(callErr) {
			return nil, callErr
		}
		if callErr != nil {
			return nil, backoff.Permanent(callErr)
		}
		return m, nil
	}, backoff.WithMaxTries(uint(a.maxRetries)), backoff.WithBackOff(&backoff.ExponentialBackOff{
		InitialInterval: 500 * time.Millisecond,
		Multiplier:      2,
		MaxInterval:     10 * time.Second,
	}))
	if err != nil {
		return nil, rayerr.Provider(isRetryable(err), err)
	}

	return convertResponse(*msg), nil
}

func (a *Adapter) buildParams(req llmclient.Request) (anthropicsdk.MessageNewParams, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropicsdk.MessageNewParams{}, err
	}

	maxTokens := int64(a.maxTokens)
	if req.Limits.MaxTokens > 0 {
		maxTokens = int64(req.Limits.MaxTokens)
	}

	model := a.model
	if req.Model != "" {
		model = anthropicsdk.Model(req.Model)
	}

	params := anthropicsdk.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  messages,
	}

	system := req.System
	if system == "" {
		system = a.system
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}

	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropicsdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}

	if req.Limits.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Limits.Temperature)
	}
	if req.SessionID != "" {
		params.Metadata = anthropicsdk.MetadataParam{UserID: param.NewOpt(req.SessionID)}
	}

	return params, nil
}

func convertMessages(msgs []llmclient.Message) ([]anthropicsdk.MessageParam, error) {
	out := make([]anthropicsdk.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		blocks, err := convertContentBlocks(msg.Content)
		if err != nil {
			return nil, err
		}
		switch msg.Role {
		case llmclient.RoleUser:
			out = append(out, anthropicsdk.NewUserMessage(blocks...))
		case llmclient.RoleAssistant:
			out = append(out, anthropicsdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("unknown message role %q", msg.Role)
		}
	}
	return out, nil
}

func convertContentBlocks(blocks []llmclient.ContentBlock) ([]anthropicsdk.ContentBlockParamUnion, error) {
	out := make([]anthropicsdk.ContentBlockParamUnion, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case llmclient.BlockText:
			text := b.Text
			if strings.TrimSpace(text) == "" {
				text = "."
			}
			out = append(out, anthropicsdk.NewTextBlock(text))
		case llmclient.BlockToolUse:
			var input any
			if b.ToolArgsRaw != "" {
				if err := json.Unmarshal([]byte(b.ToolArgsRaw), &input); err != nil {
					return nil, fmt.Errorf("tool_use %s args: %w", b.ToolName, err)
				}
			}
			out = append(out, anthropicsdk.NewToolUseBlock(b.ToolUseID, input, b.ToolName))
		case llmclient.BlockToolResult:
			out = append(out, anthropicsdk.NewToolResultBlock(b.ToolResultForID, b.ToolResultText, b.ToolResultIsErr))
		default:
			return nil, fmt.Errorf("unsupported content block type %q", b.Type)
		}
	}
	if len(out) == 0 {
		out = append(out, anthropicsdk.NewTextBlock("."))
	}
	return out, nil
}

func convertTools(tools []llmclient.ToolDef) ([]anthropicsdk.ToolUnionParam, error) {
	out := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for _, def := range tools {
		schema, err := encodeSchema(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", def.Name, err)
		}
		tool := anthropicsdk.ToolParam{Name: def.Name, InputSchema: schema}
		if def.Description != "" {
			tool.Description = anthropicsdk.String(def.Description)
		}
		out = append(out, anthropicsdk.ToolUnionParam{OfTool: &tool})
	}
	return out, nil
}

func encodeSchema(raw map[string]any) (anthropicsdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return anthropicsdk.ToolInputSchemaParam{Type: "object"}, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, err
	}
	var schema anthropicsdk.ToolInputSchemaParam
	if err := json.Unmarshal(data, &schema); err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, err
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	return schema, nil
}

func convertResponse(msg anthropicsdk.Message) *llmclient.Response {
	var blocks []llmclient.ContentBlock
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			blocks = append(blocks, llmclient.ContentBlock{Type: llmclient.BlockText, Text: block.Text})
		case "tool_use":
			argsRaw, _ := json.Marshal(block.Input)
			blocks = append(blocks, llmclient.ContentBlock{
				Type:        llmclient.BlockToolUse,
				ToolUseID:   block.ID,
				ToolName:    block.Name,
				ToolArgsRaw: string(argsRaw),
			})
		}
	}

	stop := llmclient.StopEndTurn
	switch msg.StopReason {
	case "tool_use":
		stop = llmclient.StopToolUse
	case "max_tokens":
		stop = llmclient.StopMaxTokens
	}

	return &llmclient.Response{
		Blocks:     blocks,
		StopReason: stop,
		Usage: llmclient.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}

// isRetryable mirrors the teacher's classification: auth failures and
// cancellation are permanent, network timeouts and everything else from
// the SDK is treated as transient.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode != http.StatusUnauthorized && apiErr.StatusCode != http.StatusForbidden
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return true
}
