package provider

import (
	"context"

	"github.com/casualjim/converse/pkg/messages"
	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/google/uuid"
)

// Provider is the uniform surface every chat-completion backend adapter
// implements. Implementations own their HTTP client and share no state with
// other instances; the rest of the application consumes backends only
// through this contract.
type Provider interface {
	// FetchModels returns the backend's model catalog. Rejected credentials
	// surface as ErrUnauthorized or ErrInvalidAPIKey.
	FetchModels(ctx context.Context) ([]ModelInfo, error)

	// SendMessage starts a completion and returns the event stream. The
	// returned channel observes the StreamEvent ordering invariant and is
	// closed after the terminal event.
	SendMessage(ctx context.Context, params CompletionParams) (<-chan StreamEvent, error)

	// ValidateCredentials issues the cheapest possible authenticated call.
	// Rejected credentials yield (false, nil); a request that could not be
	// made at all yields (false, err) with a network taxonomy error.
	ValidateCredentials(ctx context.Context) (bool, error)

	// Cancel stops any in-flight request on this adapter instance. It is
	// idempotent and safe to call with no request in flight.
	Cancel()
}

// ModelInfo describes one entry of a backend's model catalog.
type ModelInfo struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"display_name,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	Created     strfmt.DateTime `json:"created,omitempty"`
}

// RequestOptions tunes one completion request. Nil pointer fields mean
// "provider default".
type RequestOptions struct {
	Temperature *float64
	MaxTokens   *int64
	TopP        *float64
	Stream      bool
}

// Temp is a convenience accessor returning the temperature or its zero value.
func (o RequestOptions) Temp() float64 { return swag.Float64Value(o.Temperature) }

// CompletionParams encapsulates all parameters for one chat completion
// request.
type CompletionParams struct {
	// RunID uniquely identifies this completion request for tracking.
	RunID uuid.UUID

	// Model names the model to run the completion against.
	Model string

	// Instructions is the optional system prompt.
	Instructions string

	// Messages is the conversation to send, oldest first.
	Messages []messages.ChatMessage

	// Options carries the sampling and streaming knobs.
	Options RequestOptions

	// Prevents unkeyed literals
	_ struct{}
}
