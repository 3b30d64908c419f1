// Package openai provides a gateway.Client implementation backed by the
// OpenAI Chat Completions API, using github.com/openai/openai-go. Because
// OpenAI-wire-compatible providers (Together, Azure OpenAI, local
// inference servers) differ only in base URL and API key, this package is
// also the foundation the together adapter builds on.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
)

type (
	// ChatClient captures the subset of the OpenAI SDK client used by the
	// adapter, satisfied by client.Chat.Completions.
	ChatClient interface {
		New(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
		NewStreaming(ctx context.Context, params sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
	}

	// Options configures the adapter's default generation parameters.
	Options struct {
		Model       string
		MaxTokens   int
		Temperature float64
	}

	// Client implements gateway.Client on top of Chat Completions. It
	// additionally implements gateway.BatchClient once WithBatches attaches
	// the Files and Batches resources.
	Client struct {
		chat         ChatClient
		files        FilesClient
		batches      BatchesClient
		providerName string
		model        string
		maxTokens    int
		temperature  float64
	}
)

// New builds an OpenAI-backed gateway.Client.
func New(chat ChatClient, providerName string, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat completions client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("openai: default model identifier is required")
	}
	return &Client{
		chat:         chat,
		providerName: providerName,
		model:        opts.Model,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
	}, nil
}

// NewFromCredentials resolves an API key via src and builds a client against
// the standard OpenAI endpoint.
func NewFromCredentials(src gateway.CredentialSource, providerName string, opts Options) (*Client, error) {
	key, err := src.Resolve(providerName, "openai_api_key", "OPENAI_API_KEY")
	if err != nil {
		return nil, err
	}
	c := sdk.NewClient(option.WithAPIKey(key.Reveal()))
	client, err := New(&c.Chat.Completions, providerName, opts)
	if err != nil {
		return nil, err
	}
	return client.WithBatches(&c.Files, &c.Batches), nil
}

// Infer issues a non-streaming Chat Completions request.
func (c *Client) Infer(ctx context.Context, req *gateway.ModelInferenceRequest) (*gateway.ModelInferenceResponse, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, &gateway.InvalidMessageError{Message: err.Error()}
	}
	start := time.Now()
	completion, err := c.chat.New(ctx, *params)
	if err != nil {
		return nil, classifyError(err)
	}
	resp, err := translateResponse(completion)
	if err != nil {
		return nil, err
	}
	resp.Latency = gateway.NonStreamingLatency{ResponseTime: time.Since(start).Seconds()}
	return resp, nil
}

// InferStream issues a streaming Chat Completions request.
func (c *Client) InferStream(ctx context.Context, req *gateway.ModelInferenceRequest) (gateway.ModelInferenceResponseChunk, gateway.ChunkStream, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return gateway.ModelInferenceResponseChunk{}, nil, &gateway.InvalidMessageError{Message: err.Error()}
	}
	start := time.Now()
	stream := c.chat.NewStreaming(ctx, *params)
	s := newStreamer(stream)
	first, err := s.Recv()
	if err != nil {
		_ = s.Close()
		return gateway.ModelInferenceResponseChunk{}, nil, classifyError(err)
	}
	return gateway.StampStream(first, s, start)
}

func (c *Client) prepareRequest(req *gateway.ModelInferenceRequest) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := &sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(c.model),
		Messages: msgs,
	}
	maxTokens := c.maxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(maxTokens))
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
	if req.Seed != nil {
		params.Seed = sdk.Int(int64(*req.Seed))
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = sdk.Float(float64(*req.PresencePenalty))
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = sdk.Float(float64(*req.FrequencyPenalty))
	}
	if len(req.ToolsAvailable) > 0 {
		tools, err := encodeTools(req.ToolsAvailable)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		params.ToolChoice = tc
	}
	if req.JSONMode || req.FunctionType == gateway.FunctionTypeJSON {
		params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &sdk.ResponseFormatJSONObjectParam{},
		}
	}
	return params, nil
}

func encodeMessages(msgs []gateway.InferenceMessage) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for i, m := range msgs {
		switch v := m.(type) {
		case gateway.SystemMessage:
			if i != 0 {
				return nil, fmt.Errorf("system message must be first, found at index %d", i)
			}
			out = append(out, sdk.SystemMessage(v.Content))
		case gateway.UserMessage:
			out = append(out, sdk.UserMessage(v.Content))
		case gateway.AssistantMessage:
			if len(v.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(v.Content))
				continue
			}
			msg := sdk.ChatCompletionAssistantMessageParam{}
			if v.Content != "" {
				msg.Content.OfString = sdk.String(v.Content)
			}
			for _, tc := range v.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, sdk.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &msg})
		case gateway.ToolMessage:
			out = append(out, sdk.ToolMessage(v.Content, v.ToolCallID))
		default:
			return nil, fmt.Errorf("unsupported message type %T", m)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("at least one message is required")
	}
	return out, nil
}

func encodeTools(tools []gateway.Tool) ([]sdk.ChatCompletionToolUnionParam, error) {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var params map[string]any
		if len(t.Parameters) > 0 {
			if err := json.Unmarshal(t.Parameters, &params); err != nil {
				return nil, fmt.Errorf("tool %q parameters: %w", t.Name, err)
			}
		}
		out = append(out, sdk.ChatCompletionFunctionTool(sdk.FunctionDefinitionParam{
			Name:        t.Name,
			Description: sdk.String(t.Description),
			Parameters:  sdk.FunctionParameters(params),
		}))
	}
	return out, nil
}

func encodeToolChoice(choice *gateway.ToolChoice) (sdk.ChatCompletionToolChoiceOptionUnionParam, error) {
	switch choice.Mode {
	case "", gateway.ToolChoiceAuto:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: sdk.String("auto")}, nil
	case gateway.ToolChoiceNone:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: sdk.String("none")}, nil
	case gateway.ToolChoiceRequired:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: sdk.String("required")}, nil
	case gateway.ToolChoiceNamed:
		if choice.Name == "" {
			return sdk.ChatCompletionToolChoiceOptionUnionParam{}, errors.New("named tool choice requires a tool name")
		}
		return sdk.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &sdk.ChatCompletionNamedToolChoiceParam{
				Function: sdk.ChatCompletionNamedToolChoiceFunctionParam{Name: choice.Name},
			},
		}, nil
	default:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("unsupported tool choice mode %q", choice.Mode)
	}
}

// classifyError maps an OpenAI SDK error into the gateway taxonomy. 401,
// 400, 413, and 429 are caller-attributable (ClientError, no failover);
// every other non-2xx status is provider-attributable.
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

func translateResponse(completion *sdk.ChatCompletion) (*gateway.ModelInferenceResponse, error) {
	if completion == nil || len(completion.Choices) == 0 {
		return nil, &gateway.ServerError{Body: "openai: response has no choices"}
	}
	choice := completion.Choices[0]
	resp := &gateway.ModelInferenceResponse{Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, gateway.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	if data, err := json.Marshal(completion); err == nil {
		resp.Raw = string(data)
	}
	resp.Usage = gateway.TokenUsage{
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
	}
	return resp, nil
}
