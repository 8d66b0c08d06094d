// Package openai provides a gateway adapter for the OpenAI Chat Completions
// API including function/tool calling. It replays the thread history as chat
// messages and adapts tool calls back into capability invocation requests.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hupe1980/calagent/core"
	"github.com/hupe1980/calagent/model"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Options configure the OpenAI gateway adapter.
// Fields mirror a subset of Chat Completion parameters intentionally kept
// minimal; extend via functional options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
}

// Gateway wraps the OpenAI Chat Completions API behind the generic model.Gateway interface.
type Gateway struct {
	client *openai.Client
	opts   Options
}

// NewGateway creates a new OpenAI gateway using the official client.
func NewGateway(optFns ...func(o *Options)) *Gateway {
	opts := defaultOptions(optFns)

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)

	return &Gateway{client: &client, opts: opts}
}

// NewGatewayFromClient creates a new OpenAI gateway from an existing client.
func NewGatewayFromClient(client *openai.Client, optFns ...func(o *Options)) *Gateway {
	return &Gateway{client: client, opts: defaultOptions(optFns)}
}

func defaultOptions(optFns []func(o *Options)) Options {
	opts := Options{
		Model:               openai.ChatModelGPT4o,
		Temperature:         0.0,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// Converse implements model.Gateway.
func (g *Gateway) Converse(ctx context.Context, req model.Request) (*model.Response, error) {
	params := g.buildParams(req)

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai api error: no choices returned")
	}

	choice := resp.Choices[0]
	out := &model.Response{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
	}

	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = map[string]any{}
			}
		}
		out.Invocations = append(out.Invocations, core.Invocation{
			ID:         tc.ID,
			Capability: tc.Function.Name,
			Arguments:  args,
		})
	}

	out.Usage = &model.TokenUsage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}

	return out, nil
}

// buildParams assembles the chat completion parameters including tool definitions.
func (g *Gateway) buildParams(req model.Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(req),
		Model:               g.opts.Model,
		Temperature:         openai.Float(g.opts.Temperature),
		MaxCompletionTokens: openai.Int(g.opts.MaxCompletionTokens),
	}

	if len(req.Capabilities) == 0 {
		return params
	}

	tools := make([]openai.ChatCompletionToolParam, len(req.Capabilities))
	for i, def := range req.Capabilities {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  def.Parameters,
			},
		}
	}
	params.Tools = tools

	return params
}

// buildMessages converts the flat thread history into OpenAI chat messages.
// Consecutive invocation requests merge into one assistant message carrying
// the tool calls; each result becomes a tool message referencing its call id.
func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion

	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	i := 0
	history := req.Messages
	for i < len(history) {
		m := history[i]
		switch m.Kind {
		case core.KindSystem:
			messages = append(messages, openai.SystemMessage(m.Text))
			i++
		case core.KindUser:
			messages = append(messages, openai.UserMessage(m.Text))
			i++
		case core.KindAssistant:
			if m.Text != "" {
				messages = append(messages, openai.AssistantMessage(m.Text))
			}
			i++
		case core.KindInvocationRequest:
			var toolCalls []openai.ChatCompletionMessageToolCallParam
			for i < len(history) && history[i].Kind == core.KindInvocationRequest {
				inv := history[i].Invocation
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   inv.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      inv.Capability,
						Arguments: encodeArguments(inv.Arguments),
					},
				})
				i++
			}
			messages = append(
				messages,
				openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Role:      "assistant",
					ToolCalls: toolCalls,
				}},
			)
		case core.KindInvocationResult:
			res := m.Result
			messages = append(messages, openai.ToolMessage(model.ResultText(*res), res.InvocationID))
			i++
		default:
			i++
		}
	}

	return messages
}

func encodeArguments(args map[string]any) string {
	if args == nil {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Info returns metadata describing this OpenAI gateway implementation.
func (g *Gateway) Info() model.Info {
	return model.Info{
		Name:                g.opts.Model,
		Provider:            "openai",
		SupportsInvocations: true,
	}
}
