package blocks

import (
	"encoding/json"
	"errors"
	"testing"
)

func decodeWire(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var wire map[string]any
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("decode wire block: %v", err)
	}
	return wire
}

func TestBuildEmitsVendorBlockTypes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		spec      Spec
		blockType float64
		payload   string
	}{
		{"text", Spec{Kind: KindText, Text: "p"}, 2, "text"},
		{"heading1", Spec{Kind: KindHeading, Level: 1, Text: "h"}, 3, "heading1"},
		{"heading5", Spec{Kind: KindHeading, Level: 5, Text: "h"}, 7, "heading5"},
		{"heading9", Spec{Kind: KindHeading, Level: 9, Text: "h"}, 11, "heading9"},
		{"bullet", Spec{Kind: KindBullet, Text: "li"}, 12, "bullet"},
		{"ordered", Spec{Kind: KindOrdered, Text: "li"}, 13, "ordered"},
		{"code", Spec{Kind: KindCode, Language: "go", Text: "x := 1"}, 14, "code"},
		{"quote", Spec{Kind: KindQuote, Text: "q"}, 15, "quote"},
		{"todo", Spec{Kind: KindTodo, Text: "t"}, 17, "todo"},
		{"divider", Spec{Kind: KindDivider}, 22, "divider"},
		{"image", Spec{Kind: KindImage}, 27, "image"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			raw, err := Build(tc.spec)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			wire := decodeWire(t, raw)
			if wire["block_type"] != tc.blockType {
				t.Fatalf("block_type %v, want %v", wire["block_type"], tc.blockType)
			}
			if _, ok := wire[tc.payload]; !ok {
				t.Fatalf("missing payload key %q in %v", tc.payload, wire)
			}
		})
	}
}

func TestBuildTextContentRoundTrips(t *testing.T) {
	t.Parallel()
	raw, err := Build(Spec{Kind: KindText, Text: "hello world"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var wire struct {
		Text struct {
			Elements []struct {
				TextRun struct {
					Content string `json:"content"`
				} `json:"text_run"`
			} `json:"elements"`
		} `json:"text"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(wire.Text.Elements) != 1 || wire.Text.Elements[0].TextRun.Content != "hello world" {
		t.Fatalf("unexpected elements %+v", wire.Text.Elements)
	}
}

func TestBuildCodeLanguageFallsBackToPlainText(t *testing.T) {
	t.Parallel()
	for _, lang := range []string{"", "brainfuck", "GO"} {
		raw, err := Build(Spec{Kind: KindCode, Language: lang, Text: "x"})
		if err != nil {
			t.Fatalf("build %q: %v", lang, err)
		}
		var wire struct {
			Code struct {
				Style struct {
					Language int `json:"language"`
				} `json:"style"`
			} `json:"code"`
		}
		if err := json.Unmarshal(raw, &wire); err != nil {
			t.Fatalf("decode: %v", err)
		}
		switch lang {
		case "GO":
			if wire.Code.Style.Language != 22 {
				t.Fatalf("expected go enum for %q, got %d", lang, wire.Code.Style.Language)
			}
		default:
			if wire.Code.Style.Language != 1 {
				t.Fatalf("expected plaintext fallback for %q, got %d", lang, wire.Code.Style.Language)
			}
		}
	}
}

func TestBuildTodoCarriesDoneFlag(t *testing.T) {
	t.Parallel()
	raw, err := Build(Spec{Kind: KindTodo, Text: "x", Checked: true})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var wire struct {
		Todo struct {
			Style struct {
				Done bool `json:"done"`
			} `json:"style"`
		} `json:"todo"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !wire.Todo.Style.Done {
		t.Fatalf("expected done flag set")
	}
}

func TestBuildRejectsBadSpecs(t *testing.T) {
	t.Parallel()
	for _, spec := range []Spec{
		{Kind: "table"},
		{Kind: KindHeading, Level: 0},
		{Kind: KindHeading, Level: 10},
		{Kind: KindImage, Align: "diagonal"},
	} {
		_, err := Build(spec)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("spec %+v: expected *ValidationError, got %v", spec, err)
		}
	}
}
