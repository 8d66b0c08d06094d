// Package anthropic provides a gateway adapter for the Anthropic Claude API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/hupe1980/calagent/core"
	"github.com/hupe1980/calagent/model"
)

// Options configures the Anthropic gateway adapter (temperature, model id,
// max tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Gateway wraps the Anthropic Messages API behind the generic model.Gateway interface.
type Gateway struct {
	client *anthropic.Client
	opts   Options
}

// NewGateway creates a new Anthropic gateway using the official client.
func NewGateway(optFns ...func(o *Options)) *Gateway {
	opts := defaultOptions(optFns)

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Gateway{client: &client, opts: opts}
}

// NewGatewayFromClient creates a new Anthropic gateway from an existing client.
func NewGatewayFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Gateway {
	return &Gateway{client: client, opts: defaultOptions(optFns)}
}

func defaultOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.0,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// Converse implements model.Gateway. It replays the thread history as
// Anthropic messages (tool_use / tool_result blocks included) and translates
// the reply into either a final answer or a batch of invocation requests.
func (g *Gateway) Converse(ctx context.Context, req model.Request) (*model.Response, error) {
	params := anthropic.MessageNewParams{
		Model:       g.opts.Model,
		Messages:    buildMessages(req.Messages),
		MaxTokens:   g.opts.MaxTokens,
		Temperature: anthropic.Float(g.opts.Temperature),
	}

	if system := systemBlocks(req); len(system) > 0 {
		params.System = system
	}
	if len(req.Capabilities) > 0 {
		params.Tools = buildTools(req.Capabilities)
	}

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	out := &model.Response{FinishReason: "stop"}
	if resp.StopReason != "" {
		out.FinishReason = string(resp.StopReason)
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Text += block.AsText().Text
		case "tool_use":
			toolBlock := block.AsToolUse()
			out.Invocations = append(out.Invocations, core.Invocation{
				ID:         toolBlock.ID,
				Capability: toolBlock.Name,
				Arguments:  decodeArguments(toolBlock.Input),
			})
		}
	}

	out.Usage = &model.TokenUsage{
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
		TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
	}

	return out, nil
}

// decodeArguments normalizes a tool_use input payload into the argument map
// the orchestration core validates against the capability schema.
func decodeArguments(input any) map[string]any {
	if input == nil {
		return map[string]any{}
	}
	if m, ok := input.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(input)
	if err != nil {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(data, &args); err != nil {
		return map[string]any{}
	}
	return args
}

// systemBlocks assembles the system prompt plus any system messages carried
// in the history.
func systemBlocks(req model.Request) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	if req.System != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: req.System})
	}
	for _, m := range req.Messages {
		if m.Kind == core.KindSystem && m.Text != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: m.Text})
		}
	}
	return blocks
}

// buildMessages converts the flat thread history into Anthropic messages.
// Consecutive invocation requests merge into one assistant message with
// multiple tool_use blocks; consecutive results merge into one user message
// with matching tool_result blocks, preserving request order.
func buildMessages(history []core.Message) []anthropic.MessageParam {
	var messages []anthropic.MessageParam

	i := 0
	for i < len(history) {
		m := history[i]
		switch m.Kind {
		case core.KindSystem:
			i++
		case core.KindUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Text)))
			i++
		case core.KindAssistant:
			if m.Text != "" {
				messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Text)))
			}
			i++
		case core.KindInvocationRequest:
			var blocks []anthropic.ContentBlockParamUnion
			for i < len(history) && history[i].Kind == core.KindInvocationRequest {
				inv := history[i].Invocation
				blocks = append(blocks, anthropic.NewToolUseBlock(inv.ID, toolInput(inv), inv.Capability))
				i++
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		case core.KindInvocationResult:
			var blocks []anthropic.ContentBlockParamUnion
			for i < len(history) && history[i].Kind == core.KindInvocationResult {
				res := history[i].Result
				blocks = append(blocks, anthropic.NewToolResultBlock(res.InvocationID, model.ResultText(*res), res.Failed()))
				i++
			}
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		default:
			i++
		}
	}

	return messages
}

func toolInput(inv *core.Invocation) any {
	if inv.Arguments == nil {
		return map[string]any{}
	}
	return inv.Arguments
}

// buildTools converts capability definitions to the Anthropic tool format.
func buildTools(defs []model.CapabilityDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, len(defs))

	for i, def := range defs {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if def.Parameters != nil {
			if properties, ok := def.Parameters["properties"]; ok {
				inputSchema.Properties = properties
			}
			inputSchema.Required = requiredStrings(def.Parameters["required"])
		}
		tools[i] = anthropic.ToolUnionParamOfTool(inputSchema, def.Name)
	}

	return tools
}

func requiredStrings(required any) []string {
	switch req := required.(type) {
	case []string:
		return req
	case []any:
		var out []string
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Info returns metadata describing this Anthropic gateway implementation.
func (g *Gateway) Info() model.Info {
	return model.Info{
		Name:                string(g.opts.Model),
		Provider:            "anthropic",
		SupportsInvocations: true,
	}
}
