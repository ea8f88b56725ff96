package provider

import (
	"errors"
	"fmt"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	textDeltaJSON    = []byte(`{"type":"text_delta"}`)
	inputTokensJSON  = []byte(`{"type":"input_tokens"}`)
	outputTokensJSON = []byte(`{"type":"output_tokens"}`)
	modelUsedJSON    = []byte(`{"type":"model_used"}`)
	doneJSON         = []byte(`{"type":"done"}`)
	errorJSON        = []byte(`{"type":"error"}`)
)

// StreamEvent is the closed vocabulary spoken between provider adapters and
// their consumers. Within one stream, zero or more TextDelta, InputTokens,
// OutputTokens, and ModelUsed events are followed by exactly one terminal
// event (Done or Error); nothing follows a terminal event.
type StreamEvent interface {
	streamEvent()

	// Terminal reports whether the event ends the stream.
	Terminal() bool
}

// TextDelta carries one incremental fragment of assistant output.
type TextDelta struct {
	RunID     uuid.UUID       `json:"run_id"`
	Text      string          `json:"text"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (TextDelta) streamEvent()   {}
func (TextDelta) Terminal() bool { return false }

// InputTokens reports the prompt token count once the provider discloses it.
type InputTokens struct {
	RunID uuid.UUID `json:"run_id"`
	Count int64     `json:"count"`
}

func (InputTokens) streamEvent()   {}
func (InputTokens) Terminal() bool { return false }

// OutputTokens reports the completion token count.
type OutputTokens struct {
	RunID uuid.UUID `json:"run_id"`
	Count int64     `json:"count"`
}

func (OutputTokens) streamEvent()   {}
func (OutputTokens) Terminal() bool { return false }

// ModelUsed confirms which model actually served the request.
type ModelUsed struct {
	RunID uuid.UUID `json:"run_id"`
	Model string    `json:"model"`
}

func (ModelUsed) streamEvent()   {}
func (ModelUsed) Terminal() bool { return false }

// Done terminates a stream successfully.
type Done struct {
	RunID     uuid.UUID       `json:"run_id"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (Done) streamEvent()   {}
func (Done) Terminal() bool { return true }

// Error terminates a stream with a failure. Err is expected to be a *Err
// from this package so consumers can branch on the taxonomy.
type Error struct {
	RunID     uuid.UUID       `json:"run_id"`
	Err       error           `json:"error"`
	Timestamp strfmt.DateTime `json:"timestamp,omitempty"`
}

func (Error) streamEvent()   {}
func (Error) Terminal() bool { return true }

func (e Error) Error() string {
	return fmt.Sprintf("run_id: %s, error: %v", e.RunID, e.Err)
}

// MarshalJSON implements custom JSON marshaling for TextDelta
func (d TextDelta) MarshalJSON() ([]byte, error) {
	result, err := sjson.SetBytes(textDeltaJSON, "run_id", d.RunID.String())
	if err != nil {
		return nil, err
	}
	result, err = sjson.SetBytes(result, "text", d.Text)
	if err != nil {
		return nil, err
	}
	if !d.Timestamp.IsZero() {
		result, err = sjson.SetBytes(result, "timestamp", d.Timestamp.String())
	}
	return result, err
}

// UnmarshalJSON implements custom JSON unmarshaling for TextDelta
func (d *TextDelta) UnmarshalJSON(data []byte) error {
	root, err := eventRoot(data, "text_delta")
	if err != nil {
		return err
	}
	if err := d.RunID.UnmarshalText([]byte(root.Get("run_id").String())); err != nil {
		return fmt.Errorf("invalid run_id: %w", err)
	}
	text := root.Get("text")
	if !text.Exists() {
		return errors.New("missing required field 'text'")
	}
	d.Text = text.String()
	if ts := root.Get("timestamp"); ts.Exists() {
		if err := d.Timestamp.UnmarshalText([]byte(ts.String())); err != nil {
			return fmt.Errorf("invalid timestamp: %w", err)
		}
	}
	return nil
}

// MarshalJSON implements custom JSON marshaling for InputTokens
func (c InputTokens) MarshalJSON() ([]byte, error) {
	return marshalCount(inputTokensJSON, c.RunID, c.Count)
}

// UnmarshalJSON implements custom JSON unmarshaling for InputTokens
func (c *InputTokens) UnmarshalJSON(data []byte) error {
	return unmarshalCount(data, "input_tokens", &c.RunID, &c.Count)
}

// MarshalJSON implements custom JSON marshaling for OutputTokens
func (c OutputTokens) MarshalJSON() ([]byte, error) {
	return marshalCount(outputTokensJSON, c.RunID, c.Count)
}

// UnmarshalJSON implements custom JSON unmarshaling for OutputTokens
func (c *OutputTokens) UnmarshalJSON(data []byte) error {
	return unmarshalCount(data, "output_tokens", &c.RunID, &c.Count)
}

// MarshalJSON implements custom JSON marshaling for ModelUsed
func (m ModelUsed) MarshalJSON() ([]byte, error) {
	result, err := sjson.SetBytes(modelUsedJSON, "run_id", m.RunID.String())
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(result, "model", m.Model)
}

// UnmarshalJSON implements custom JSON unmarshaling for ModelUsed
func (m *ModelUsed) UnmarshalJSON(data []byte) error {
	root, err := eventRoot(data, "model_used")
	if err != nil {
		return err
	}
	if err := m.RunID.UnmarshalText([]byte(root.Get("run_id").String())); err != nil {
		return fmt.Errorf("invalid run_id: %w", err)
	}
	model := root.Get("model")
	if !model.Exists() {
		return errors.New("missing required field 'model'")
	}
	m.Model = model.String()
	return nil
}

// MarshalJSON implements custom JSON marshaling for Done
func (d Done) MarshalJSON() ([]byte, error) {
	result, err := sjson.SetBytes(doneJSON, "run_id", d.RunID.String())
	if err != nil {
		return nil, err
	}
	if !d.Timestamp.IsZero() {
		result, err = sjson.SetBytes(result, "timestamp", d.Timestamp.String())
	}
	return result, err
}

// UnmarshalJSON implements custom JSON unmarshaling for Done
func (d *Done) UnmarshalJSON(data []byte) error {
	root, err := eventRoot(data, "done")
	if err != nil {
		return err
	}
	if err := d.RunID.UnmarshalText([]byte(root.Get("run_id").String())); err != nil {
		return fmt.Errorf("invalid run_id: %w", err)
	}
	if ts := root.Get("timestamp"); ts.Exists() {
		if err := d.Timestamp.UnmarshalText([]byte(ts.String())); err != nil {
			return fmt.Errorf("invalid timestamp: %w", err)
		}
	}
	return nil
}

// MarshalJSON implements custom JSON marshaling for Error
func (e Error) MarshalJSON() ([]byte, error) {
	result, err := sjson.SetBytes(errorJSON, "run_id", e.RunID.String())
	if err != nil {
		return nil, err
	}
	if e.Err != nil {
		result, err = sjson.SetBytes(result, "error", e.Err.Error())
		if err != nil {
			return nil, err
		}
	}
	if !e.Timestamp.IsZero() {
		result, err = sjson.SetBytes(result, "timestamp", e.Timestamp.String())
	}
	return result, err
}

// UnmarshalJSON implements custom JSON unmarshaling for Error
func (e *Error) UnmarshalJSON(data []byte) error {
	root, err := eventRoot(data, "error")
	if err != nil {
		return err
	}
	if err := e.RunID.UnmarshalText([]byte(root.Get("run_id").String())); err != nil {
		return fmt.Errorf("invalid run_id: %w", err)
	}
	errMsg := root.Get("error")
	if !errMsg.Exists() {
		return errors.New("missing required field 'error'")
	}
	e.Err = errors.New(errMsg.String())
	if ts := root.Get("timestamp"); ts.Exists() {
		if err := e.Timestamp.UnmarshalText([]byte(ts.String())); err != nil {
			return fmt.Errorf("invalid timestamp: %w", err)
		}
	}
	return nil
}

func eventRoot(data []byte, want string) (gjson.Result, error) {
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("invalid json: %s", data)
	}
	root := gjson.ParseBytes(data)
	msgType := root.Get("type")
	if !msgType.Exists() || msgType.String() != want {
		return gjson.Result{}, fmt.Errorf("missing or invalid type, expected %q", want)
	}
	if !root.Get("run_id").Exists() {
		return gjson.Result{}, errors.New("missing required field 'run_id'")
	}
	return root, nil
}

func marshalCount(base []byte, runID uuid.UUID, count int64) ([]byte, error) {
	result, err := sjson.SetBytes(base, "run_id", runID.String())
	if err != nil {
		return nil, err
	}
	return sjson.SetBytes(result, "count", count)
}

func unmarshalCount(data []byte, want string, runID *uuid.UUID, count *int64) error {
	root, err := eventRoot(data, want)
	if err != nil {
		return err
	}
	if err := runID.UnmarshalText([]byte(root.Get("run_id").String())); err != nil {
		return fmt.Errorf("invalid run_id: %w", err)
	}
	c := root.Get("count")
	if !c.Exists() {
		return errors.New("missing required field 'count'")
	}
	*count = c.Int()
	return nil
}
