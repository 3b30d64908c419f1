package gateway

import "fmt"

// StatusCoder is implemented by every error type in this taxonomy so an
// external HTTP boundary can render the correct status code without
// re-deriving the 4xx/5xx partition.
type StatusCoder interface {
	error
	StatusCode() int
}

type (
	// InvalidRequestError reports a structurally invalid request (for
	// example, a ragged parallel array in a batch submission).
	InvalidRequestError struct {
		Message string
	}

	// UnknownFunctionError reports that a requested function name does not
	// exist in the function registry.
	UnknownFunctionError struct {
		FunctionName string
	}

	// UnknownVariantError reports that a pinned variant name does not exist
	// on the resolved function.
	UnknownVariantError struct {
		FunctionName, VariantName string
	}

	// InputValidationError reports that a request's input failed validation
	// against its function's input JSON schema.
	InputValidationError struct {
		Message string
	}

	// BatchInputValidationError reports a per-index validation failure
	// within a batch submission.
	BatchInputValidationError struct {
		Index   int
		Message string
	}

	// APIKeyMissingError reports that no credential was available for a
	// provider, neither via per-request override nor environment.
	APIKeyMissingError struct {
		ProviderName string
	}

	// InvalidMessageError reports a transcript shape a provider adapter
	// cannot encode (for example, a non-leading System message sent to
	// Gemini).
	InvalidMessageError struct {
		Message string
	}

	// InferenceClientError reports a transport-level failure (connection
	// refused, timeout, DNS failure) talking to a provider.
	InferenceClientError struct {
		Message string
	}

	// ClientError reports a caller-attributable provider HTTP error
	// (401/400/413/429). It never triggers automatic variant/provider
	// failover.
	ClientError struct {
		Status int
		Body   string
	}

	// ServerError reports a provider-attributable failure (any other
	// non-2xx status, or a malformed response body). It is eligible for
	// variant/provider failover.
	ServerError struct {
		Body string
	}

	// AllVariantsFailedError reports that every candidate variant (and,
	// within each, every provider) failed.
	AllVariantsFailedError struct {
		Errors map[string]error
	}

	// PersistenceWriteError reports a failure writing analytics rows. It is
	// always logged and suppressed from the happy-path response.
	PersistenceWriteError struct {
		Table   string
		Message string
	}

	// PersistenceDecodeError reports a failure decoding a persisted row.
	PersistenceDecodeError struct {
		Message string
	}

	// BatchNotFoundError reports that a poll request referenced a batch or
	// inference id with no matching BatchRequest row.
	BatchNotFoundError struct {
		ID string
	}

	// SerializationError reports a JSON marshal/unmarshal failure outside
	// the schema-validation path.
	SerializationError struct {
		Message string
	}
)

func (e *InvalidRequestError) Error() string { return "invalid request: " + e.Message }
func (e *InvalidRequestError) StatusCode() int { return 400 }

func (e *UnknownFunctionError) Error() string {
	return fmt.Sprintf("unknown function %q", e.FunctionName)
}
func (e *UnknownFunctionError) StatusCode() int { return 400 }

func (e *UnknownVariantError) Error() string {
	return fmt.Sprintf("unknown variant %q for function %q", e.VariantName, e.FunctionName)
}
func (e *UnknownVariantError) StatusCode() int { return 400 }

func (e *InputValidationError) Error() string { return "input validation: " + e.Message }
func (e *InputValidationError) StatusCode() int { return 400 }

func (e *BatchInputValidationError) Error() string {
	return fmt.Sprintf("batch input validation at index %d: %s", e.Index, e.Message)
}
func (e *BatchInputValidationError) StatusCode() int { return 400 }

func (e *APIKeyMissingError) Error() string {
	return fmt.Sprintf("api key missing for provider %q", e.ProviderName)
}
func (e *APIKeyMissingError) StatusCode() int { return 400 }

func (e *InvalidMessageError) Error() string { return "invalid message: " + e.Message }
func (e *InvalidMessageError) StatusCode() int { return 400 }

func (e *InferenceClientError) Error() string { return "inference client: " + e.Message }
func (e *InferenceClientError) StatusCode() int { return 500 }

func (e *ClientError) Error() string {
	return fmt.Sprintf("provider client error (status %d): %s", e.Status, e.Body)
}
func (e *ClientError) StatusCode() int {
	if e.Status >= 400 && e.Status < 500 {
		return e.Status
	}
	return 400
}

func (e *ServerError) Error() string { return "provider server error: " + e.Body }
func (e *ServerError) StatusCode() int { return 500 }

func (e *AllVariantsFailedError) Error() string {
	return fmt.Sprintf("all %d variant(s) failed", len(e.Errors))
}
func (e *AllVariantsFailedError) StatusCode() int { return 500 }

func (e *PersistenceWriteError) Error() string {
	return fmt.Sprintf("persistence write to %q: %s", e.Table, e.Message)
}
func (e *PersistenceWriteError) StatusCode() int { return 500 }

func (e *PersistenceDecodeError) Error() string { return "persistence decode: " + e.Message }
func (e *PersistenceDecodeError) StatusCode() int { return 500 }

func (e *BatchNotFoundError) Error() string { return fmt.Sprintf("batch not found: %q", e.ID) }
func (e *BatchNotFoundError) StatusCode() int { return 404 }

func (e *SerializationError) Error() string { return "serialization: " + e.Message }
func (e *SerializationError) StatusCode() int { return 500 }

// IsClientAttributable reports whether err is a caller-attributable failure
// that must short-circuit the variant/provider fallback loop rather than
// trying the next candidate.
func IsClientAttributable(err error) bool {
	switch err.(type) {
	case *ClientError, *InvalidRequestError, *UnknownFunctionError, *UnknownVariantError,
		*InputValidationError, *BatchInputValidationError, *APIKeyMissingError, *InvalidMessageError:
		return true
	default:
		return false
	}
}
