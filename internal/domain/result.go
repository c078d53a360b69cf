package domain

import (
	"encoding/json"
	"fmt"
)

// ResultContent is the closed set of tool-result payloads: TextResult,
// ObjectResult and ErrorResult. The unexported marker keeps other
// packages from adding variants.
type ResultContent interface {
	isResultContent()
	// ModelText renders the content as the text fed back to the provider.
	ModelText() string
}

// TextResult is the extracted text of a successful tool call.
type TextResult struct {
	Text string
}

// ObjectResult is a successful tool call that produced structured data.
type ObjectResult struct {
	Object map[string]any
}

// ErrorResult records a failed tool call. The message is shown to the
// model so it can explain the failure to the user.
type ErrorResult struct {
	Message string
}

func (TextResult) isResultContent()   {}
func (ObjectResult) isResultContent() {}
func (ErrorResult) isResultContent()  {}

// ModelText implements ResultContent.
func (r TextResult) ModelText() string { return r.Text }

// ModelText implements ResultContent.
func (r ObjectResult) ModelText() string {
	data, err := json.Marshal(r.Object)
	if err != nil {
		return fmt.Sprintf("%v", r.Object)
	}
	return string(data)
}

// ModelText implements ResultContent.
func (r ErrorResult) ModelText() string { return "Error: " + r.Message }

// IsError reports whether content is an ErrorResult.
func IsError(content ResultContent) bool {
	_, ok := content.(ErrorResult)
	return ok
}

type resultEnvelope struct {
	Kind   string         `json:"kind"`
	Text   string         `json:"text,omitempty"`
	Object map[string]any `json:"object,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// MarshalJSON encodes the tagged union with an explicit kind.
func (r ToolResult) MarshalJSON() ([]byte, error) {
	env := resultEnvelope{}
	switch c := r.Content.(type) {
	case TextResult:
		env.Kind, env.Text = "text", c.Text
	case ObjectResult:
		env.Kind, env.Object = "object", c.Object
	case ErrorResult:
		env.Kind, env.Error = "error", c.Message
	case nil:
		env.Kind = "text"
	default:
		return nil, fmt.Errorf("unknown result content %T", c)
	}
	return json.Marshal(struct {
		CallID  string         `json:"call_id"`
		Name    string         `json:"name"`
		Content resultEnvelope `json:"content"`
	}{r.CallID, r.Name, env})
}
