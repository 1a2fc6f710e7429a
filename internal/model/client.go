// Package model wraps the language-model API behind a small two-state
// client: Generate submits a turn and either finishes with text or pauses
// on a tool request; Resume carries the tool's result back for the final
// answer. At most one tool round trip happens per turn.
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/recallhq/recalld/internal/config"
	"github.com/recallhq/recalld/internal/logging"
)

var tracer = otel.Tracer("github.com/recallhq/recalld/internal/model")

var (
	// ErrEmptyModelResponse reports a terminal state with no usable text.
	// It is never retried automatically: an empty answer after a tool has
	// already executed points at a misbehaving model or tool result, and
	// retrying could repeat a destructive tool call.
	ErrEmptyModelResponse = errors.New("empty model response")

	// ErrUnknownTool reports a tool request whose name is not declared.
	// The accompanying Turn still carries any text the model produced, so
	// callers can fall back to it.
	ErrUnknownTool = errors.New("unknown tool requested")

	// ErrNoPendingTool reports a Resume on a turn that did not pause on a
	// tool request.
	ErrNoPendingTool = errors.New("no pending tool call")
)

// systemPrompt is the display contract: downstream clients render plain
// text, so Markdown is disallowed outright.
const systemPrompt = "You are a helpful assistant. Respond in plain text ONLY. Do not use Markdown formatting, bolding, or asterisks."

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prior conversation entry supplied as context.
type Message struct {
	Role    Role
	Content string
}

// ToolCall is a tool request extracted from a model response.
type ToolCall struct {
	ID    string
	Name  string
	Input []byte
}

// Turn is the outcome of one Generate call. Either Text is the final
// reply, or ToolCall is set and the turn must be completed via Resume.
type Turn struct {
	Text     string
	ToolCall *ToolCall

	// Conversation state needed to resume after tool execution.
	messages  []anthropic.MessageParam
	assistant anthropic.MessageParam
}

// Client talks to the Anthropic Messages API.
type Client struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	logger    *logging.Logger
	metrics   *metrics
}

// NewClient builds a Client from configuration. The API key is required.
func NewClient(cfg config.ModelConfig, logger *logging.Logger) (*Client, error) {
	if !cfg.APIKey.IsSet() {
		return nil, errors.New("model: api_key is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey.Value())}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout.Duration() > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout.Duration()))
	}

	return &Client{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Name,
		maxTokens: int64(cfg.MaxTokens),
		logger:    logger,
		metrics:   newMetrics(),
	}, nil
}

// Generate submits the augmented prompt plus prior history and returns
// either the final sanitized text or a pending tool call. When the model
// requests a tool this client does not declare, the returned error is
// ErrUnknownTool and the Turn carries the model's raw text instead.
func (c *Client) Generate(ctx context.Context, history []Message, prompt string) (*Turn, error) {
	ctx, span := tracer.Start(ctx, "model.Generate", trace.WithAttributes(
		attribute.String("model.name", c.model),
		attribute.Int("model.history_len", len(history)),
	))
	defer span.End()

	messages := make([]anthropic.MessageParam, 0, len(history)+1)
	for _, m := range history {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))

	msg, err := c.send(ctx, "generate", messages, toolDeclarations())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "message request failed")
		return nil, err
	}

	text, toolCall := splitResponse(msg)

	if toolCall != nil && toolCall.Name != ToolDeleteThread {
		span.SetAttributes(attribute.String("model.unknown_tool", toolCall.Name))
		span.SetStatus(codes.Error, "unknown tool")
		return &Turn{Text: text}, fmt.Errorf("%w: %s", ErrUnknownTool, toolCall.Name)
	}

	if toolCall == nil && text == "" {
		span.RecordError(ErrEmptyModelResponse)
		span.SetStatus(codes.Error, "empty response")
		return nil, ErrEmptyModelResponse
	}

	span.SetAttributes(attribute.Bool("model.tool_call", toolCall != nil))
	span.SetStatus(codes.Ok, "")

	return &Turn{
		Text:      text,
		ToolCall:  toolCall,
		messages:  messages,
		assistant: msg.ToParam(),
	}, nil
}

// Resume sends the executed tool's result back in the same conversational
// context and returns the final sanitized text. This is the only tool
// round trip a turn gets; any further tool request in the response is
// dropped in favor of the accompanying text.
func (c *Client) Resume(ctx context.Context, turn *Turn, toolResult string, toolErr bool) (string, error) {
	ctx, span := tracer.Start(ctx, "model.Resume", trace.WithAttributes(
		attribute.String("model.name", c.model),
		attribute.Bool("model.tool_error", toolErr),
	))
	defer span.End()

	if turn == nil || turn.ToolCall == nil {
		span.SetStatus(codes.Error, "no pending tool")
		return "", ErrNoPendingTool
	}

	messages := make([]anthropic.MessageParam, 0, len(turn.messages)+2)
	messages = append(messages, turn.messages...)
	messages = append(messages, turn.assistant)
	messages = append(messages, anthropic.NewUserMessage(
		anthropic.NewToolResultBlock(turn.ToolCall.ID, toolResult, toolErr),
	))

	// Tools stay declared so the API accepts the tool_use block in the
	// assistant message; a second request is not honored.
	msg, err := c.send(ctx, "resume", messages, toolDeclarations())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "message request failed")
		return "", err
	}

	text, toolCall := splitResponse(msg)
	if toolCall != nil {
		c.logger.Warn(ctx, "model requested a second tool call in one turn; ignoring")
	}
	if text == "" {
		span.RecordError(ErrEmptyModelResponse)
		span.SetStatus(codes.Error, "empty response")
		return "", ErrEmptyModelResponse
	}

	span.SetStatus(codes.Ok, "")
	return text, nil
}

// Complete runs a plain, tool-free completion. Used for background work
// such as thread titles and summaries.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, span := tracer.Start(ctx, "model.Complete", trace.WithAttributes(
		attribute.String("model.name", c.model),
	))
	defer span.End()

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
	}

	msg, err := c.send(ctx, "complete", messages, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "message request failed")
		return "", err
	}

	text, _ := splitResponse(msg)
	if text == "" {
		span.RecordError(ErrEmptyModelResponse)
		span.SetStatus(codes.Error, "empty response")
		return "", ErrEmptyModelResponse
	}

	span.SetStatus(codes.Ok, "")
	return text, nil
}

func (c *Client) send(ctx context.Context, operation string, messages []anthropic.MessageParam, tools []anthropic.ToolUnionParam) (*anthropic.Message, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  messages,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		c.metrics.recordRequest(ctx, c.model, operation, time.Since(start), 0, 0, err)
		return nil, fmt.Errorf("model request: %w", err)
	}
	c.metrics.recordRequest(ctx, c.model, operation, time.Since(start), msg.Usage.InputTokens, msg.Usage.OutputTokens, nil)
	return msg, nil
}

// splitResponse extracts the sanitized text and the first tool request
// from a model response. Additional tool requests are ignored.
func splitResponse(msg *anthropic.Message) (string, *ToolCall) {
	var text strings.Builder
	var toolCall *ToolCall

	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			if toolCall == nil {
				toolCall = &ToolCall{
					ID:    variant.ID,
					Name:  variant.Name,
					Input: []byte(variant.Input),
				}
			}
		}
	}

	return sanitize(text.String()), toolCall
}

// sanitize enforces the plain-text display contract on model output.
func sanitize(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, "**", ""))
}
