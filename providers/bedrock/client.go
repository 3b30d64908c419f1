// Package bedrock provides a gateway.Client implementation backed by the AWS
// Bedrock Converse API: split system vs. conversational messages, encode
// tool schemas into Bedrock's ToolConfiguration, and translate Converse
// responses (text + tool_use blocks) back into the generic gateway types.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
// required by the adapter. It matches *bedrockruntime.Client so callers can
// pass either the real client or a fake in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Options configures the adapter's default generation parameters.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float32
}

// Client implements gateway.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	providerName string
	model        string
	maxTok       int
	temp         float32
}

// New builds a Bedrock-backed gateway.Client.
func New(runtime RuntimeClient, providerName string, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("bedrock: default model identifier is required")
	}
	return &Client{
		runtime:      runtime,
		providerName: providerName,
		model:        opts.Model,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// Infer issues a Converse request and translates the response.
func (c *Client) Infer(ctx context.Context, req *gateway.ModelInferenceRequest) (*gateway.ModelInferenceResponse, error) {
	parts, err := c.prepareRequest(req)
	if err != nil {
		return nil, &gateway.InvalidMessageError{Message: err.Error()}
	}
	start := time.Now()
	output, err := c.runtime.Converse(ctx, c.buildConverseInput(parts, req))
	if err != nil {
		return nil, classifyError(err)
	}
	resp, err := translateResponse(output)
	if err != nil {
		return nil, err
	}
	resp.Latency = gateway.NonStreamingLatency{ResponseTime: time.Since(start).Seconds()}
	return resp, nil
}

// InferStream issues a ConverseStream request and adapts events into chunks.
func (c *Client) InferStream(ctx context.Context, req *gateway.ModelInferenceRequest) (gateway.ModelInferenceResponseChunk, gateway.ChunkStream, error) {
	parts, err := c.prepareRequest(req)
	if err != nil {
		return gateway.ModelInferenceResponseChunk{}, nil, &gateway.InvalidMessageError{Message: err.Error()}
	}
	start := time.Now()
	out, err := c.runtime.ConverseStream(ctx, c.buildConverseStreamInput(parts, req))
	if err != nil {
		return gateway.ModelInferenceResponseChunk{}, nil, classifyError(err)
	}
	stream := out.GetStream()
	if stream == nil {
		return gateway.ModelInferenceResponseChunk{}, nil, &gateway.ServerError{Body: "bedrock: stream output missing event stream"}
	}
	s := newStreamer(ctx, stream)
	first, err := s.Recv()
	if err != nil {
		_ = s.Close()
		return gateway.ModelInferenceResponseChunk{}, nil, err
	}
	return gateway.StampStream(first, s, start)
}

type requestParts struct {
	messages   []brtypes.Message
	system     []brtypes.SystemContentBlock
	toolConfig *brtypes.ToolConfiguration
}

func (c *Client) prepareRequest(req *gateway.ModelInferenceRequest) (*requestParts, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	toolConfig, err := encodeTools(req.ToolsAvailable, req.ToolChoice)
	if err != nil {
		return nil, err
	}
	messages, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	return &requestParts{messages: messages, system: system, toolConfig: toolConfig}, nil
}

func (c *Client) buildConverseInput(parts *requestParts, req *gateway.ModelInferenceRequest) *bedrockruntime.ConverseInput {
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.model),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := c.inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input
}

func (c *Client) buildConverseStreamInput(parts *requestParts, req *gateway.ModelInferenceRequest) *bedrockruntime.ConverseStreamInput {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(c.model),
		Messages: parts.messages,
	}
	if len(parts.system) > 0 {
		input.System = parts.system
	}
	if parts.toolConfig != nil {
		input.ToolConfig = parts.toolConfig
	}
	if cfg := c.inferenceConfig(req); cfg != nil {
		input.InferenceConfig = cfg
	}
	return input
}

func (c *Client) inferenceConfig(req *gateway.ModelInferenceRequest) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	tokens := c.maxTok
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		tokens = *req.MaxTokens
	}
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens))
	}
	temp := c.temp
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(temp)
	}
	if req.TopP != nil {
		cfg.TopP = aws.Float32(*req.TopP)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil && cfg.TopP == nil {
		return nil
	}
	return &cfg
}

func encodeMessages(msgs []gateway.InferenceMessage) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	var system []brtypes.SystemContentBlock

	for i, m := range msgs {
		switch v := m.(type) {
		case gateway.SystemMessage:
			if i != 0 {
				return nil, nil, fmt.Errorf("system message must be first, found at index %d", i)
			}
			if v.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: v.Content})
			}
		case gateway.UserMessage:
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: v.Content}},
			})
		case gateway.AssistantMessage:
			blocks := make([]brtypes.ContentBlock, 0, len(v.ToolCalls)+1)
			if v.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Content})
			}
			for _, tc := range v.ToolCalls {
				tb := brtypes.ToolUseBlock{
					Name:      aws.String(tc.Name),
					ToolUseId: aws.String(tc.ID),
					Input:     toDocument(tc.Arguments),
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: tb})
			}
			if len(blocks) > 0 {
				conversation = append(conversation, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: blocks})
			}
		case gateway.ToolMessage:
			tr := brtypes.ToolResultBlock{
				ToolUseId: aws.String(v.ToolCallID),
				Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: v.Content}},
			}
			conversation = append(conversation, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{Value: tr}},
			})
		default:
			return nil, nil, fmt.Errorf("unsupported message type %T", m)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(tools []gateway.Tool, choice *gateway.ToolChoice) (*brtypes.ToolConfiguration, error) {
	if len(tools) == 0 {
		if choice != nil {
			return nil, errors.New("tool choice is set but no tools are defined")
		}
		return nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(tools))
	for _, t := range tools {
		spec := brtypes.ToolSpecification{
			Name:        aws.String(t.Name),
			Description: aws.String(t.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(t.Parameters)},
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	cfg := &brtypes.ToolConfiguration{Tools: toolList}
	if choice == nil {
		return cfg, nil
	}
	switch choice.Mode {
	case "", gateway.ToolChoiceAuto, gateway.ToolChoiceNone:
	case gateway.ToolChoiceRequired:
		cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
	case gateway.ToolChoiceNamed:
		if choice.Name == "" {
			return nil, errors.New("named tool choice requires a tool name")
		}
		if !hasTool(tools, choice.Name) {
			return nil, fmt.Errorf("tool choice name %q does not match any tool", choice.Name)
		}
		cfg.ToolChoice = &brtypes.ToolChoiceMemberTool{Value: brtypes.SpecificToolChoice{Name: aws.String(choice.Name)}}
	default:
		return nil, fmt.Errorf("unsupported tool choice mode %q", choice.Mode)
	}
	return cfg, nil
}

func hasTool(tools []gateway.Tool, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

func toDocument(raw json.RawMessage) document.Interface {
	var v any = map[string]any{"type": "object"}
	if len(raw) > 0 {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			v = decoded
		}
	}
	return document.NewLazyDocument(&v)
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

// classifyError maps a Bedrock runtime error into the gateway taxonomy. 401,
// 400, 413, and 429-equivalent errors (throttling) are caller-attributable
// (ClientError, no failover); everything else non-2xx is provider
// -attributable and eligible for failover.
func classifyError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return &gateway.ClientError{Status: 429, Body: apiErr.Error()}
		case "ValidationException", "AccessDeniedException":
			return &gateway.ClientError{Status: 400, Body: apiErr.Error()}
		case "ServiceUnavailableException", "InternalServerException":
			return &gateway.ServerError{Body: apiErr.Error()}
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case 401, 400, 413, 429:
			return &gateway.ClientError{Status: respErr.HTTPStatusCode(), Body: err.Error()}
		}
		return &gateway.ServerError{Body: err.Error()}
	}
	return &gateway.InferenceClientError{Message: err.Error()}
}

func translateResponse(output *bedrockruntime.ConverseOutput) (*gateway.ModelInferenceResponse, error) {
	if output == nil {
		return nil, &gateway.ServerError{Body: "bedrock: response is nil"}
	}
	resp := &gateway.ModelInferenceResponse{}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if resp.Content != "" {
					resp.Content += "\n"
				}
				resp.Content += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				var name, id string
				if v.Value.Name != nil {
					name = *v.Value.Name
				}
				if v.Value.ToolUseId != nil {
					id = *v.Value.ToolUseId
				}
				resp.ToolCalls = append(resp.ToolCalls, gateway.ToolCall{
					ID:        id,
					Name:      name,
					Arguments: decodeDocument(v.Value.Input),
				})
			}
		}
	}
	usage := output.Usage
	if usage == nil {
		return nil, &gateway.ServerError{Body: "bedrock: response has no usage"}
	}
	resp.Usage = gateway.TokenUsage{
		PromptTokens:     int(ptrValue(usage.InputTokens)),
		CompletionTokens: int(ptrValue(usage.OutputTokens)),
	}
	if data, err := json.Marshal(output); err == nil {
		resp.Raw = string(data)
	}
	return resp, nil
}

func ptrValue[T ~int32 | ~int64](ptr *T) T {
	if ptr == nil {
		return 0
	}
	return *ptr
}
