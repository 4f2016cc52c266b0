package diff

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Element is one positioned object in a slide's structured content model.
type Element struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	X      float64         `json:"x"`
	Y      float64         `json:"y"`
	Width  float64         `json:"width"`
	Height float64         `json:"height"`
	Style  json.RawMessage `json:"style,omitempty"`
	Text   string          `json:"text,omitempty"`
}

type ChangeOp string

const (
	OpInserted ChangeOp = "inserted"
	OpDeleted  ChangeOp = "deleted"
	OpModified ChangeOp = "modified"
)

type FieldChange struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// ElementChange records one element's fate between two slide versions.
// Fields is populated only for modified elements.
type ElementChange struct {
	Op      ChangeOp      `json:"op"`
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Fields  []FieldChange `json:"fields,omitempty"`
	Element *Element      `json:"element,omitempty"`
}

// Elements compares two structured content models by element id. Deletions
// come first, then modifications, then insertions, each group ordered by id
// so output is deterministic regardless of input order.
func Elements(base, compare []Element) []ElementChange {
	baseByID := make(map[string]Element, len(base))
	for _, el := range base {
		baseByID[el.ID] = el
	}
	compareByID := make(map[string]Element, len(compare))
	for _, el := range compare {
		compareByID[el.ID] = el
	}

	var deleted, modified, inserted []ElementChange
	for _, el := range base {
		if _, ok := compareByID[el.ID]; !ok {
			el := el
			deleted = append(deleted, ElementChange{Op: OpDeleted, ID: el.ID, Type: el.Type, Element: &el})
		}
	}
	for _, el := range compare {
		before, ok := baseByID[el.ID]
		if !ok {
			el := el
			inserted = append(inserted, ElementChange{Op: OpInserted, ID: el.ID, Type: el.Type, Element: &el})
			continue
		}
		fields := fieldChanges(before, el)
		if len(fields) > 0 {
			el := el
			modified = append(modified, ElementChange{Op: OpModified, ID: el.ID, Type: el.Type, Fields: fields, Element: &el})
		}
	}

	for _, group := range [][]ElementChange{deleted, modified, inserted} {
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
	}

	changes := make([]ElementChange, 0, len(deleted)+len(modified)+len(inserted))
	changes = append(changes, deleted...)
	changes = append(changes, modified...)
	changes = append(changes, inserted...)
	return changes
}

func fieldChanges(before, after Element) []FieldChange {
	var fields []FieldChange
	if before.Type != after.Type {
		fields = append(fields, FieldChange{Field: "type", Before: before.Type, After: after.Type})
	}
	if before.X != after.X || before.Y != after.Y {
		fields = append(fields, FieldChange{
			Field:  "position",
			Before: fmt.Sprintf("(%g, %g)", before.X, before.Y),
			After:  fmt.Sprintf("(%g, %g)", after.X, after.Y),
		})
	}
	if before.Width != after.Width || before.Height != after.Height {
		fields = append(fields, FieldChange{
			Field:  "size",
			Before: fmt.Sprintf("%gx%g", before.Width, before.Height),
			After:  fmt.Sprintf("%gx%g", after.Width, after.Height),
		})
	}
	if !styleEqual(before.Style, after.Style) {
		fields = append(fields, FieldChange{Field: "style", Before: styleString(before.Style), After: styleString(after.Style)})
	}
	if before.Text != after.Text {
		fields = append(fields, FieldChange{Field: "text", Before: before.Text, After: after.Text})
	}
	return fields
}

// styleEqual compares styles on their canonical JSON form so key order and
// whitespace never register as changes.
func styleEqual(a, b json.RawMessage) bool {
	return string(normalizeStyle(a)) == string(normalizeStyle(b))
}

func normalizeStyle(style json.RawMessage) []byte {
	if len(style) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(style, &parsed); err != nil {
		return style
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return style
	}
	return normalized
}

func styleString(style json.RawMessage) string {
	normalized := normalizeStyle(style)
	if len(normalized) == 0 {
		return "{}"
	}
	return string(normalized)
}

// ParseElements decodes a slide's structured content column. A missing
// column (nil) is insufficient data; an empty list is valid.
func ParseElements(content json.RawMessage) ([]Element, error) {
	if content == nil {
		return nil, ErrInsufficientData
	}
	var elements []Element
	if err := json.Unmarshal(content, &elements); err != nil {
		return nil, fmt.Errorf("decode slide elements: %w", err)
	}
	return elements, nil
}
