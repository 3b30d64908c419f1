// Package anthropic provides a gateway.Client implementation backed by the
// Anthropic Claude Messages API. It translates gateway.ModelInferenceRequest
// into sdk.MessageNewParams calls using
// github.com/anthropics/anthropic-sdk-go and maps responses (text, tool
// calls, usage) back into the generic gateway response types.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a fake in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the adapter's default generation parameters, used
	// when a request does not specify its own.
	Options struct {
		Model          string
		MaxTokens      int
		Temperature    float64
	}

	// Client implements gateway.Client. It additionally implements
	// gateway.BatchClient once WithBatches attaches a Message Batches
	// client (the two capabilities are separate Anthropic SDK resources).
	Client struct {
		msg         MessagesClient
		batches     BatchesClient
		providerName string
		model       string
		maxTokens   int
		temperature float64
	}
)

// New builds an Anthropic-backed gateway.Client.
func New(msg MessagesClient, providerName string, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropic: default model identifier is required")
	}
	return &Client{
		msg:          msg,
		providerName: providerName,
		model:        opts.Model,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
	}, nil
}

// NewFromCredentials resolves an API key via src and constructs a client
// using the default Anthropic HTTP client.
func NewFromCredentials(src gateway.CredentialSource, providerName string, opts Options) (*Client, error) {
	key, err := src.Resolve(providerName, "anthropic_api_key", "ANTHROPIC_API_KEY")
	if err != nil {
		return nil, err
	}
	ac := sdk.NewClient(option.WithAPIKey(key.Reveal()))
	c, err := New(&ac.Messages, providerName, opts)
	if err != nil {
		return nil, err
	}
	return c.WithBatches(&ac.Messages.Batches), nil
}

// Infer issues a non-streaming Messages.New request and translates the
// response into the generic gateway response shape.
func (c *Client) Infer(ctx context.Context, req *gateway.ModelInferenceRequest) (*gateway.ModelInferenceResponse, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, &gateway.InvalidMessageError{Message: err.Error()}
	}
	start := time.Now()
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, classifyError(err)
	}
	resp, err := translateResponse(msg)
	if err != nil {
		return nil, err
	}
	resp.Latency = gateway.NonStreamingLatency{ResponseTime: time.Since(start).Seconds()}
	return resp, nil
}

// InferStream invokes Messages.NewStreaming and adapts incremental events
// into gateway.ModelInferenceResponseChunk values.
func (c *Client) InferStream(ctx context.Context, req *gateway.ModelInferenceRequest) (gateway.ModelInferenceResponseChunk, gateway.ChunkStream, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return gateway.ModelInferenceResponseChunk{}, nil, &gateway.InvalidMessageError{Message: err.Error()}
	}
	start := time.Now()
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return gateway.ModelInferenceResponseChunk{}, nil, classifyError(err)
	}
	s := newStreamer(ctx, stream)
	first, err := s.Recv()
	if err != nil {
		_ = s.Close()
		return gateway.ModelInferenceResponseChunk{}, nil, classifyError(err)
	}
	return gateway.StampStream(first, s, start)
}

func (c *Client) prepareRequest(req *gateway.ModelInferenceRequest) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := c.maxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	if maxTokens <= 0 {
		return nil, errors.New("max_tokens must be positive")
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(c.model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.ToolsAvailable) > 0 {
		tools, err := encodeTools(req.ToolsAvailable)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	temp := c.temperature
	if req.Temperature != nil {
		temp = float64(*req.Temperature)
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	if req.TopP != nil {
		params.TopP = sdk.Float(float64(*req.TopP))
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice, req.ToolsAvailable)
		if err != nil {
			return nil, err
		}
		params.ToolChoice = tc
	}
	return &params, nil
}

func encodeMessages(msgs []gateway.InferenceMessage) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam

	for i, m := range msgs {
		switch v := m.(type) {
		case gateway.SystemMessage:
			if i != 0 {
				return nil, nil, fmt.Errorf("system message must be first, found at index %d", i)
			}
			if v.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: v.Content})
			}
		case gateway.UserMessage:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(v.Content)))
		case gateway.AssistantMessage:
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(v.ToolCalls)+1)
			if v.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(v.Content))
			}
			for _, tc := range v.ToolCalls {
				var input any = map[string]any{}
				if len(tc.Arguments) > 0 {
					_ = json.Unmarshal(tc.Arguments, &input)
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}
		case gateway.ToolMessage:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewToolResultBlock(v.ToolCallID, v.Content, false)))
		default:
			return nil, nil, fmt.Errorf("unsupported message type %T", m)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(tools []gateway.Tool) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("tool %q parameters: %w", t.Name, err)
			}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, t.Name)
		if u.OfTool != nil && t.Description != "" {
			u.OfTool.Description = sdk.String(t.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func encodeToolChoice(choice *gateway.ToolChoice, tools []gateway.Tool) (sdk.ToolChoiceUnionParam, error) {
	switch choice.Mode {
	case "", gateway.ToolChoiceAuto:
		return sdk.ToolChoiceUnionParam{}, nil
	case gateway.ToolChoiceNone:
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case gateway.ToolChoiceRequired:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	case gateway.ToolChoiceNamed:
		if choice.Name == "" {
			return sdk.ToolChoiceUnionParam{}, errors.New("named tool choice requires a tool name")
		}
		if !hasTool(tools, choice.Name) {
			return sdk.ToolChoiceUnionParam{}, fmt.Errorf("tool choice name %q does not match any available tool", choice.Name)
		}
		return sdk.ToolChoiceParamOfTool(choice.Name), nil
	default:
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("unsupported tool choice mode %q", choice.Mode)
	}
}

func hasTool(tools []gateway.Tool, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// classifyError maps an Anthropic SDK error into the gateway taxonomy.
// 401, 400, 413, and 429 are caller-attributable (ClientError, no
// failover); every other non-2xx status is provider-attributable
// (ServerError) and eligible for failover.
func classifyError(err error) error {
	var classified gateway.StatusCoder
	if errors.As(err, &classified) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 400, 413, 429:
			return &gateway.ClientError{Status: apiErr.StatusCode, Body: apiErr.Error()}
		}
		return &gateway.ServerError{Body: apiErr.Error()}
	}
	return &gateway.InferenceClientError{Message: err.Error()}
}

func translateResponse(msg *sdk.Message) (*gateway.ModelInferenceResponse, error) {
	if msg == nil {
		return nil, &gateway.ServerError{Body: "anthropic: response message is nil"}
	}
	resp := &gateway.ModelInferenceResponse{}
	var raw []byte
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if resp.Content != "" {
				resp.Content += "\n"
			}
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, gateway.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}
	if data, err := json.Marshal(msg); err == nil {
		raw = data
	}
	resp.Raw = string(raw)
	resp.Usage = gateway.TokenUsage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	return resp, nil
}
