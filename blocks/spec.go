package blocks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the block variants the tools accept.
type Kind string

const (
	KindText    Kind = "text"
	KindHeading Kind = "heading"
	KindBullet  Kind = "bullet"
	KindOrdered Kind = "ordered"
	KindCode    Kind = "code"
	KindQuote   Kind = "quote"
	KindTodo    Kind = "todo"
	KindDivider Kind = "divider"
	KindImage   Kind = "image"
)

// Spec is one parsed block specification. Exactly the fields relevant to
// Kind are meaningful; ParseSpec normalizes aliases so downstream code
// never sees them.
type Spec struct {
	Kind     Kind   `json:"kind"`
	Text     string `json:"text,omitempty"`
	Level    int    `json:"level,omitempty"`
	Language string `json:"language,omitempty"`
	Checked  bool   `json:"checked,omitempty"`
	Align    string `json:"align,omitempty"`
}

// ValidationError reports a spec the builder or parser rejected. Position
// is the absolute insert position when raised by the orchestrator, -1
// otherwise.
type ValidationError struct {
	Position int
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Position >= 0 {
		return fmt.Sprintf("invalid block at position %d: %s: %s", e.Position, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid block: %s: %s", e.Field, e.Reason)
}

// rawSpec accepts every alias the tool surface has ever allowed. Alias
// resolution happens here, once, at the boundary.
type rawSpec struct {
	Kind Kind `json:"kind"`
	Type Kind `json:"type"`

	Text    string `json:"text"`
	Content string `json:"content"`

	Level        int `json:"level"`
	HeadingLevel int `json:"heading_level"`

	Language string `json:"language"`
	Lang     string `json:"lang"`

	Checked bool `json:"checked"`
	Done    bool `json:"done"`

	Align     string `json:"align"`
	Alignment string `json:"alignment"`
}

// ParseSpec decodes and normalizes one block spec from tool input.
func ParseSpec(data json.RawMessage) (Spec, error) {
	var raw rawSpec
	if err := json.Unmarshal(data, &raw); err != nil {
		return Spec{}, &ValidationError{Position: -1, Field: "spec", Reason: err.Error()}
	}
	return normalize(raw)
}

// ParseSpecs decodes a slice of specs, failing on the first invalid one.
func ParseSpecs(items []json.RawMessage) ([]Spec, error) {
	specs := make([]Spec, 0, len(items))
	for i, item := range items {
		spec, err := ParseSpec(item)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				verr.Position = i
				return nil, verr
			}
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func normalize(raw rawSpec) (Spec, error) {
	kind := raw.Kind
	if kind == "" {
		kind = raw.Type
	}
	kind = Kind(strings.ToLower(strings.TrimSpace(string(kind))))

	spec := Spec{Kind: kind}

	spec.Text = raw.Text
	if spec.Text == "" {
		spec.Text = raw.Content
	}
	spec.Level = raw.Level
	if spec.Level == 0 {
		spec.Level = raw.HeadingLevel
	}
	spec.Language = raw.Language
	if spec.Language == "" {
		spec.Language = raw.Lang
	}
	spec.Checked = raw.Checked || raw.Done
	spec.Align = strings.ToLower(strings.TrimSpace(raw.Align))
	if spec.Align == "" {
		spec.Align = strings.ToLower(strings.TrimSpace(raw.Alignment))
	}

	switch kind {
	case KindText, KindBullet, KindOrdered, KindCode, KindQuote, KindTodo:
	case KindHeading:
		if spec.Level == 0 {
			spec.Level = 1
		}
		if spec.Level < 1 || spec.Level > 9 {
			return Spec{}, &ValidationError{Position: -1, Field: "level", Reason: fmt.Sprintf("heading level %d out of range 1-9", spec.Level)}
		}
	case KindDivider:
	case KindImage:
		switch spec.Align {
		case "", "left", "center", "right":
		default:
			return Spec{}, &ValidationError{Position: -1, Field: "align", Reason: fmt.Sprintf("unknown alignment %q", spec.Align)}
		}
	case "":
		return Spec{}, &ValidationError{Position: -1, Field: "kind", Reason: "missing block kind"}
	default:
		return Spec{}, &ValidationError{Position: -1, Field: "kind", Reason: fmt.Sprintf("unknown block kind %q", kind)}
	}
	return spec, nil
}
