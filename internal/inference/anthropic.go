package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// modelAliases maps the short names used in agent files to API models.
var modelAliases = map[string]anthropic.Model{
	"claude-sonnet-4":   anthropic.ModelClaudeSonnet4_20250514,
	"sonnet":            anthropic.ModelClaudeSonnet4_20250514,
	"claude-sonnet-4-5": anthropic.ModelClaudeSonnet4_5_20250929,
	"sonnet-4-5":        anthropic.ModelClaudeSonnet4_5_20250929,
	"claude-haiku-4-5":  anthropic.ModelClaudeHaiku4_5_20251001,
	"haiku":             anthropic.ModelClaudeHaiku4_5_20251001,
	"claude-opus-4":     anthropic.ModelClaudeOpus4_1_20250805,
	"claude-opus-4-1":   anthropic.ModelClaudeOpus4_1_20250805,
	"claude-opus-4-5":   anthropic.ModelClaudeOpus4_5_20251101,
	"opus":              anthropic.ModelClaudeOpus4_5_20251101,
}

// ResolveModel maps an alias to an API model name. Unknown names pass
// through unchanged.
func ResolveModel(name string) anthropic.Model {
	if m, ok := modelAliases[name]; ok {
		return m
	}
	return anthropic.Model(name)
}

// AnthropicConfig configures the Anthropic client.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
	Timeout      time.Duration
}

// Anthropic implements Client on the Anthropic Messages API.
type Anthropic struct {
	inner        anthropic.Client
	defaultModel string
	maxTokens    int
}

var _ Client = (*Anthropic)(nil)

// NewAnthropic creates the client. SDK retries are disabled; callers own
// the retry policy.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is not set")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	return &Anthropic{
		inner:        anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

// CreateMessage sends one request.
func (a *Anthropic) CreateMessage(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	messages, err := toParams(req.Messages)
	if err != nil {
		return nil, err
	}
	params := anthropic.MessageNewParams{
		Model:     ResolveModel(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
		Tools:     toToolParams(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := a.inner.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}
	return fromMessage(msg)
}

func toParams(msgs []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case BlockToolUse:
				input := b.Input
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			default:
				return nil, fmt.Errorf("unsupported content block %q", b.Type)
			}
		}
		switch m.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(blocks...))
		case RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("unsupported role %q", m.Role)
		}
	}
	return out, nil
}

func toToolParams(decls []ToolDeclaration) []anthropic.ToolUnionParam {
	if len(decls) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(decls))
	for _, d := range decls {
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        d.Name,
				Description: anthropic.String(d.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: d.Properties,
					Required:   d.Required,
				},
			},
		})
	}
	return out
}

func fromMessage(msg *anthropic.Message) (*Response, error) {
	resp := &Response{
		StopReason: StopReason(msg.StopReason),
		Usage: Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content = append(resp.Content, TextBlock(variant.Text))
		case anthropic.ToolUseBlock:
			input := map[string]any{}
			if len(variant.Input) > 0 {
				if err := json.Unmarshal(variant.Input, &input); err != nil {
					return nil, fmt.Errorf("decode tool input for %s: %w", variant.Name, err)
				}
			}
			resp.Content = append(resp.Content, ToolUseBlock(variant.ID, variant.Name, input))
		}
	}
	return resp, nil
}
