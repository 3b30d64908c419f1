package vertex

import "encoding/json"

// wireRole is Gemini's content role, lowercase on the wire.
type wireRole string

const (
	roleUser   wireRole = "user"
	roleModel  wireRole = "model"
	roleSystem wireRole = "system"
)

type wireFunctionCall struct {
	Name string `json:"name"`
	Args json.RawMessage `json:"args"`
}

// wirePart is the untagged union Gemini uses for content parts: exactly one
// of Text or FunctionCall is set.
type wirePart struct {
	Text         string            `json:"text,omitempty"`
	FunctionCall *wireFunctionCall `json:"functionCall,omitempty"`
}

type wireContent struct {
	Role  wireRole   `json:"role"`
	Parts []wirePart `json:"parts"`
}

type wireFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireTool struct {
	FunctionDeclarations []wireFunctionDeclaration `json:"functionDeclarations"`
}

type functionCallingMode string

const (
	modeAuto functionCallingMode = "AUTO"
	modeAny  functionCallingMode = "ANY"
	modeNone functionCallingMode = "NONE"
)

type wireFunctionCallingConfig struct {
	Mode                 functionCallingMode `json:"mode"`
	AllowedFunctionNames []string            `json:"allowedFunctionNames,omitempty"`
}

type wireToolConfig struct {
	FunctionCallingConfig wireFunctionCallingConfig `json:"functionCallingConfig"`
}

type wireGenerationConfig struct {
	Temperature      *float32        `json:"temperature,omitempty"`
	MaxOutputTokens  *int            `json:"maxOutputTokens,omitempty"`
	TopP             *float32        `json:"topP,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
}

type wireRequest struct {
	Contents          []wireContent         `json:"contents"`
	Tools             []wireTool            `json:"tools,omitempty"`
	ToolConfig        *wireToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *wireGenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *wireContent          `json:"systemInstruction,omitempty"`
}

type wireUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type wireCandidate struct {
	Content *wireContent `json:"content"`
}

type wireResponse struct {
	Candidates    []wireCandidate    `json:"candidates"`
	UsageMetadata *wireUsageMetadata `json:"usageMetadata"`
}
