package blocks

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Vendor docx block_type values for the variants we emit.
const (
	typeText    = 2
	typeHeading = 3 // heading1; headingN is typeHeading + N - 1
	typeBullet  = 12
	typeOrdered = 13
	typeCode    = 14
	typeQuote   = 15
	typeTodo    = 17
	typeDivider = 22
	typeImage   = 27
)

// Vendor code-language enum; unlisted languages fall back to plain text.
var codeLanguages = map[string]int{
	"plaintext":  1,
	"bash":       7,
	"csharp":     8,
	"cpp":        9,
	"c":          10,
	"css":        12,
	"dockerfile": 18,
	"go":         22,
	"html":       24,
	"json":       28,
	"java":       29,
	"javascript": 30,
	"kotlin":     32,
	"makefile":   38,
	"markdown":   39,
	"php":        43,
	"protobuf":   48,
	"python":     49,
	"ruby":       52,
	"rust":       53,
	"sql":        56,
	"scala":      57,
	"shell":      60,
	"swift":      61,
	"typescript": 63,
	"xml":        66,
	"yaml":       67,
}

var imageAligns = map[string]int{
	"":       2,
	"left":   1,
	"center": 2,
	"right":  3,
}

type textElement struct {
	TextRun *textRun `json:"text_run,omitempty"`
}

type textRun struct {
	Content string `json:"content"`
}

func elements(content string) []textElement {
	return []textElement{{TextRun: &textRun{Content: content}}}
}

// Build converts one normalized Spec into the vendor wire object used by
// the block insert endpoint.
func Build(spec Spec) (json.RawMessage, error) {
	wire := map[string]any{}
	switch spec.Kind {
	case KindText:
		wire["block_type"] = typeText
		wire["text"] = map[string]any{"elements": elements(spec.Text)}
	case KindHeading:
		if spec.Level < 1 || spec.Level > 9 {
			return nil, &ValidationError{Position: -1, Field: "level", Reason: fmt.Sprintf("heading level %d out of range 1-9", spec.Level)}
		}
		wire["block_type"] = typeHeading + spec.Level - 1
		wire[fmt.Sprintf("heading%d", spec.Level)] = map[string]any{"elements": elements(spec.Text)}
	case KindBullet:
		wire["block_type"] = typeBullet
		wire["bullet"] = map[string]any{"elements": elements(spec.Text)}
	case KindOrdered:
		wire["block_type"] = typeOrdered
		wire["ordered"] = map[string]any{"elements": elements(spec.Text)}
	case KindCode:
		lang, ok := codeLanguages[strings.ToLower(spec.Language)]
		if !ok {
			lang = codeLanguages["plaintext"]
		}
		wire["block_type"] = typeCode
		wire["code"] = map[string]any{
			"elements": elements(spec.Text),
			"style":    map[string]any{"language": lang},
		}
	case KindQuote:
		wire["block_type"] = typeQuote
		wire["quote"] = map[string]any{"elements": elements(spec.Text)}
	case KindTodo:
		wire["block_type"] = typeTodo
		wire["todo"] = map[string]any{
			"elements": elements(spec.Text),
			"style":    map[string]any{"done": spec.Checked},
		}
	case KindDivider:
		wire["block_type"] = typeDivider
		wire["divider"] = map[string]any{}
	case KindImage:
		align, ok := imageAligns[spec.Align]
		if !ok {
			return nil, &ValidationError{Position: -1, Field: "align", Reason: fmt.Sprintf("unknown alignment %q", spec.Align)}
		}
		wire["block_type"] = typeImage
		wire["image"] = map[string]any{"align": align}
	default:
		return nil, &ValidationError{Position: -1, Field: "kind", Reason: fmt.Sprintf("unknown block kind %q", spec.Kind)}
	}
	encoded, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode block: %w", err)
	}
	return encoded, nil
}

// TextElements renders plain content as the element list used by block
// update calls.
func TextElements(content string) ([]json.RawMessage, error) {
	encoded, err := json.Marshal(elements(content)[0])
	if err != nil {
		return nil, fmt.Errorf("encode text element: %w", err)
	}
	return []json.RawMessage{encoded}, nil
}
