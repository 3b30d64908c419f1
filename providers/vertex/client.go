// Package vertex provides a gateway.Client implementation for GCP Vertex
// Gemini. The adapter talks to the generateContent/streamGenerateContent
// REST endpoints directly with a hand-signed service-account bearer JWT;
// the wire structs in types.go give the tool-choice and JSON-mode mapping
// the field-level control the translation requires.
package vertex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
)

// Options configures a Client's endpoints and default generation
// parameters. RequestURL and StreamingRequestURL are the fully-qualified
// Vertex `generateContent`/`streamGenerateContent` endpoints for a given
// project, location, and publisher model; Audience is the resource
// audience presented in the signed bearer JWT.
type Options struct {
	RequestURL          string
	StreamingRequestURL string
	Audience            string
	MaxTokens           int
	Temperature         float32
}

// Client implements gateway.Client against the GCP Vertex Gemini REST API.
type Client struct {
	http                *http.Client
	signer              *tokenSigner
	requestURL          string
	streamingRequestURL string
	maxTokens           int
	temperature         float32
}

// New builds a Vertex-backed gateway.Client. httpClient may be nil, in
// which case http.DefaultClient is used.
func New(httpClient *http.Client, creds Credentials, opts Options) (*Client, error) {
	if opts.RequestURL == "" || opts.StreamingRequestURL == "" {
		return nil, errors.New("vertex: request and streaming request URLs are required")
	}
	if opts.Audience == "" {
		return nil, errors.New("vertex: audience is required")
	}
	if creds.ClientEmail == "" || creds.PrivateKeyPEM == "" || creds.PrivateKeyID == "" {
		return nil, errors.New("vertex: service account credentials are incomplete")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		http:                httpClient,
		signer:              newTokenSigner(creds, opts.Audience),
		requestURL:          opts.RequestURL,
		streamingRequestURL: opts.StreamingRequestURL,
		maxTokens:           opts.MaxTokens,
		temperature:         opts.Temperature,
	}, nil
}

// Infer issues a non-streaming generateContent request.
func (c *Client) Infer(ctx context.Context, req *gateway.ModelInferenceRequest) (*gateway.ModelInferenceResponse, error) {
	body, err := c.prepareRequest(req)
	if err != nil {
		return nil, &gateway.InvalidMessageError{Message: err.Error()}
	}
	start := time.Now()
	data, err := c.do(ctx, c.requestURL, body)
	if err != nil {
		return nil, err
	}
	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, &gateway.ServerError{Body: fmt.Sprintf("vertex: decode response: %v", err)}
	}
	resp, err := translateResponse(&wire, data)
	if err != nil {
		return nil, err
	}
	resp.Latency = gateway.NonStreamingLatency{ResponseTime: time.Since(start).Seconds()}
	return resp, nil
}

// InferStream issues a streaming streamGenerateContent request.
func (c *Client) InferStream(ctx context.Context, req *gateway.ModelInferenceRequest) (gateway.ModelInferenceResponseChunk, gateway.ChunkStream, error) {
	body, err := c.prepareRequest(req)
	if err != nil {
		return gateway.ModelInferenceResponseChunk{}, nil, &gateway.InvalidMessageError{Message: err.Error()}
	}
	start := time.Now()
	token, err := c.signer.token(start)
	if err != nil {
		return gateway.ModelInferenceResponseChunk{}, nil, &gateway.APIKeyMissingError{ProviderName: "gcp_vertex_gemini"}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.streamingRequestURL, bytes.NewReader(body))
	if err != nil {
		return gateway.ModelInferenceResponseChunk{}, nil, &gateway.InferenceClientError{Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return gateway.ModelInferenceResponseChunk{}, nil, &gateway.InferenceClientError{Message: err.Error()}
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return gateway.ModelInferenceResponseChunk{}, nil, classifyStatus(resp.StatusCode, readAll(resp.Body))
	}
	s := newStreamer(resp.Body)
	first, err := s.Recv()
	if err != nil {
		_ = s.Close()
		return gateway.ModelInferenceResponseChunk{}, nil, err
	}
	return gateway.StampStream(first, s, start)
}

func (c *Client) do(ctx context.Context, url string, body []byte) ([]byte, error) {
	token, err := c.signer.token(time.Now())
	if err != nil {
		return nil, &gateway.APIKeyMissingError{ProviderName: "gcp_vertex_gemini"}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &gateway.InferenceClientError{Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &gateway.InferenceClientError{Message: err.Error()}
	}
	defer resp.Body.Close()
	data := readAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, classifyStatus(resp.StatusCode, data)
	}
	return data, nil
}

func readAll(r io.Reader) []byte {
	data, _ := io.ReadAll(r)
	return data
}

// classifyStatus partitions an HTTP status into the gateway taxonomy: 401,
// 400, 413, and 429 are caller-attributable; everything else non-2xx is
// provider-attributable.
func classifyStatus(status int, body []byte) error {
	switch status {
	case 401, 400, 413, 429:
		return &gateway.ClientError{Status: status, Body: string(body)}
	default:
		return &gateway.ServerError{Body: string(body)}
	}
}

func (c *Client) prepareRequest(req *gateway.ModelInferenceRequest) ([]byte, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	wireReq, err := encodeRequest(req, c.temperature, c.maxTokens)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("vertex: encode request: %w", err)
	}
	return data, nil
}

func encodeRequest(req *gateway.ModelInferenceRequest, defaultTemp float32, defaultMaxTokens int) (*wireRequest, error) {
	var systemInstruction *wireContent
	messages := req.Messages
	offset := 0
	if len(messages) > 0 {
		if sys, ok := messages[0].(gateway.SystemMessage); ok {
			systemInstruction = &wireContent{Role: roleSystem, Parts: []wirePart{{Text: sys.Content}}}
			messages = messages[1:]
			offset = 1
		}
	}

	contents := make([]wireContent, 0, len(messages))
	for i, m := range messages {
		if _, ok := m.(gateway.SystemMessage); ok {
			return nil, fmt.Errorf("system message must be first, found at index %d", i+offset)
		}
		content, err := encodeContent(m)
		if err != nil {
			return nil, err
		}
		contents = append(contents, content)
	}
	if len(contents) == 0 {
		return nil, errors.New("at least one user/assistant message is required")
	}

	var tools []wireTool
	if len(req.ToolsAvailable) > 0 {
		decls := make([]wireFunctionDeclaration, 0, len(req.ToolsAvailable))
		for _, t := range req.ToolsAvailable {
			decls = append(decls, wireFunctionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		tools = []wireTool{{FunctionDeclarations: decls}}
	}

	var toolConfig *wireToolConfig
	if req.ToolChoice != nil {
		tc, err := encodeToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		toolConfig = tc
	}

	gen := &wireGenerationConfig{}
	temp := defaultTemp
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	if temp > 0 {
		gen.Temperature = &temp
	}
	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	if maxTokens > 0 {
		gen.MaxOutputTokens = &maxTokens
	}
	if req.TopP != nil {
		gen.TopP = req.TopP
	}
	if req.JSONMode || req.FunctionType == gateway.FunctionTypeJSON || len(req.OutputSchema) > 0 {
		gen.ResponseMimeType = "application/json"
		gen.ResponseSchema = req.OutputSchema
	}

	return &wireRequest{
		Contents:          contents,
		Tools:             tools,
		ToolConfig:        toolConfig,
		GenerationConfig:  gen,
		SystemInstruction: systemInstruction,
	}, nil
}

func encodeContent(m gateway.InferenceMessage) (wireContent, error) {
	switch v := m.(type) {
	case gateway.UserMessage:
		return wireContent{Role: roleUser, Parts: []wirePart{{Text: v.Content}}}, nil
	case gateway.AssistantMessage:
		parts := make([]wirePart, 0, len(v.ToolCalls)+1)
		if v.Content != "" {
			parts = append(parts, wirePart{Text: v.Content})
		}
		for _, tc := range v.ToolCalls {
			parts = append(parts, wirePart{FunctionCall: &wireFunctionCall{Name: tc.Name, Args: tc.Arguments}})
		}
		return wireContent{Role: roleModel, Parts: parts}, nil
	case gateway.ToolMessage:
		return wireContent{Role: roleUser, Parts: []wirePart{{
			FunctionCall: &wireFunctionCall{Name: v.ToolCallID, Args: json.RawMessage(v.Content)},
		}}}, nil
	default:
		return wireContent{}, fmt.Errorf("unsupported message type %T", m)
	}
}

func encodeToolChoice(choice *gateway.ToolChoice) (*wireToolConfig, error) {
	switch choice.Mode {
	case "", gateway.ToolChoiceAuto:
		return &wireToolConfig{FunctionCallingConfig: wireFunctionCallingConfig{Mode: modeAuto}}, nil
	case gateway.ToolChoiceNone:
		return &wireToolConfig{FunctionCallingConfig: wireFunctionCallingConfig{Mode: modeNone}}, nil
	case gateway.ToolChoiceRequired:
		return &wireToolConfig{FunctionCallingConfig: wireFunctionCallingConfig{Mode: modeAny}}, nil
	case gateway.ToolChoiceNamed:
		if choice.Name == "" {
			return nil, errors.New("named tool choice requires a tool name")
		}
		return &wireToolConfig{FunctionCallingConfig: wireFunctionCallingConfig{
			Mode:                 modeAuto,
			AllowedFunctionNames: []string{choice.Name},
		}}, nil
	default:
		return nil, fmt.Errorf("unsupported tool choice mode %q", choice.Mode)
	}
}

func translateResponse(wire *wireResponse, raw []byte) (*gateway.ModelInferenceResponse, error) {
	if len(wire.Candidates) == 0 {
		return nil, &gateway.ServerError{Body: "vertex: response has no candidates"}
	}
	first := wire.Candidates[0]
	if first.Content == nil {
		return nil, &gateway.ServerError{Body: "vertex: candidate has no content"}
	}
	resp := &gateway.ModelInferenceResponse{Raw: string(raw)}
	for _, part := range first.Content.Parts {
		if part.Text != "" {
			if resp.Content != "" {
				resp.Content += "\n"
			}
			resp.Content += part.Text
		}
		if part.FunctionCall != nil {
			resp.ToolCalls = append(resp.ToolCalls, gateway.ToolCall{
				ID:        part.FunctionCall.Name,
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		}
	}
	if wire.UsageMetadata == nil {
		return nil, &gateway.ServerError{Body: "vertex: response has no usage metadata"}
	}
	resp.Usage = gateway.TokenUsage{
		PromptTokens:     wire.UsageMetadata.PromptTokenCount,
		CompletionTokens: wire.UsageMetadata.CandidatesTokenCount,
	}
	return resp, nil
}
