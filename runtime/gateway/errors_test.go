package gateway

import "testing"

func TestIsClientAttributable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"client error", &ClientError{Status: 429, Body: "rate limited"}, true},
		{"invalid request", &InvalidRequestError{Message: "bad"}, true},
		{"unknown function", &UnknownFunctionError{FunctionName: "f"}, true},
		{"unknown variant", &UnknownVariantError{FunctionName: "f", VariantName: "v"}, true},
		{"input validation", &InputValidationError{Message: "bad"}, true},
		{"batch input validation", &BatchInputValidationError{Index: 0, Message: "bad"}, true},
		{"api key missing", &APIKeyMissingError{ProviderName: "anthropic"}, true},
		{"invalid message", &InvalidMessageError{Message: "bad shape"}, true},
		{"server error", &ServerError{Body: "boom"}, false},
		{"inference client error", &InferenceClientError{Message: "timeout"}, false},
		{"persistence write error", &PersistenceWriteError{Table: "t", Message: "boom"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsClientAttributable(c.err); got != c.want {
				t.Fatalf("IsClientAttributable(%T) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestClientError_StatusCodePassesThrough4xx(t *testing.T) {
	err := &ClientError{Status: 413, Body: "too large"}
	if err.StatusCode() != 413 {
		t.Fatalf("expected 413, got %d", err.StatusCode())
	}
}

func TestClientError_StatusCodeFallsBackTo400(t *testing.T) {
	err := &ClientError{Status: 599, Body: "weird"}
	if err.StatusCode() != 400 {
		t.Fatalf("expected 400 for a non-4xx status, got %d", err.StatusCode())
	}
}
