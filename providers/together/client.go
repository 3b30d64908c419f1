// Package together provides a gateway.Client for Together AI. Together's
// inference API is wire-compatible with OpenAI Chat Completions, so this
// package is a thin constructor over providers/openai pointed at Together's
// base URL rather than a separate encoding implementation.
package together

import (
	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/Kaboomtastic/tensorzero/providers/openai"
	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
)

// defaultBaseURL is Together's OpenAI-compatible inference endpoint.
const defaultBaseURL = "https://api.together.xyz/v1"

// New builds a Together-backed gateway.Client using src to resolve the
// together_api_key credential.
func New(src gateway.CredentialSource, providerName string, opts openai.Options) (*openai.Client, error) {
	key, err := src.Resolve(providerName, "together_api_key", "TOGETHER_API_KEY")
	if err != nil {
		return nil, err
	}
	c := sdk.NewClient(option.WithAPIKey(key.Reveal()), option.WithBaseURL(defaultBaseURL))
	return openai.New(&c.Chat.Completions, providerName, opts)
}
