package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ResponseSchema is a compiled JSON Schema describing the object a stage
// expects back from a model. The schema document is also appended to the
// prompt so the model sees the exact shape it must produce.
type ResponseSchema struct {
	Name      string
	Raw       string
	compiled  *jsonschema.Schema
	listField string
}

// CompileSchema compiles raw as a JSON Schema document. When the schema
// declares an object with exactly one array-typed property, that property
// name is remembered so a bare-list response can be wrapped into it.
func CompileSchema(name, raw string) (*ResponseSchema, error) {
	c := jsonschema.NewCompiler()
	url := "schema://" + name + ".json"
	if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &ResponseSchema{
		Name:      name,
		Raw:       raw,
		compiled:  compiled,
		listField: soleListField(raw),
	}, nil
}

// MustCompileSchema is CompileSchema for package-level schema constants.
func MustCompileSchema(name, raw string) *ResponseSchema {
	s, err := CompileSchema(name, raw)
	if err != nil {
		panic(err)
	}
	return s
}

// Hint renders the instruction block appended to every prompt built
// against this schema.
func (s *ResponseSchema) Hint() string {
	var sb strings.Builder
	sb.WriteString("Respond ONLY with a JSON object matching this schema, with no prose before or after it:\n")
	sb.WriteString(s.Raw)
	return sb.String()
}

// Validate checks doc against the compiled schema.
func (s *ResponseSchema) Validate(doc json.RawMessage) error {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("schema %s: %w", s.Name, err)
	}
	if err := s.compiled.Validate(v); err != nil {
		return fmt.Errorf("schema %s: %w", s.Name, err)
	}
	return nil
}

// soleListField inspects a schema document and returns the name of its
// only array-typed property, or "" when the shape does not qualify.
func soleListField(raw string) string {
	var doc struct {
		Type       string `json:"type"`
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return ""
	}
	if doc.Type != "object" {
		return ""
	}
	field := ""
	for name, prop := range doc.Properties {
		if prop.Type != "array" {
			continue
		}
		if field != "" {
			return ""
		}
		field = name
	}
	return field
}

// FieldDiff compares a candidate document's top-level keys against the
// schema's declared properties, for validation-failure diagnostics.
func (s *ResponseSchema) FieldDiff(doc json.RawMessage) (missing, extra []string) {
	var declared struct {
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal([]byte(s.Raw), &declared); err != nil {
		return nil, nil
	}
	var got map[string]json.RawMessage
	if err := json.Unmarshal(doc, &got); err != nil {
		return declared.Required, nil
	}
	for _, name := range declared.Required {
		if _, ok := got[name]; !ok {
			missing = append(missing, name)
		}
	}
	for name := range got {
		if _, ok := declared.Properties[name]; !ok {
			extra = append(extra, name)
		}
	}
	sort.Strings(missing)
	sort.Strings(extra)
	return missing, extra
}

// Salvage coerces a raw model response into a JSON document. Recovery
// steps run in order: direct parse, fenced code block extraction, first
// balanced object scan, then wrapping a bare list into the schema's sole
// list field. It returns ErrInvalidJSON when nothing parses.
func Salvage(body []byte, schema *ResponseSchema) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrInvalidJSON
	}
	if doc, ok := parseDocument(trimmed); ok {
		return wrapBareList(doc, schema), nil
	}
	if fenced := extractFenced(trimmed); fenced != nil {
		if doc, ok := parseDocument(fenced); ok {
			return wrapBareList(doc, schema), nil
		}
	}
	if obj := firstBalancedObject(trimmed); obj != nil {
		if doc, ok := parseDocument(obj); ok {
			return doc, nil
		}
	}
	return nil, ErrInvalidJSON
}

func parseDocument(b []byte) (json.RawMessage, bool) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case map[string]any, []any:
		compact := &bytes.Buffer{}
		if err := json.Compact(compact, b); err != nil {
			return nil, false
		}
		return json.RawMessage(compact.Bytes()), true
	default:
		return nil, false
	}
}

// wrapBareList turns a top-level array into {field: array} when the schema
// expects an object with a single list field. Objects pass through as-is.
func wrapBareList(doc json.RawMessage, schema *ResponseSchema) json.RawMessage {
	if schema == nil || schema.listField == "" {
		return doc
	}
	t := bytes.TrimSpace(doc)
	if len(t) == 0 || t[0] != '[' {
		return doc
	}
	wrapped, err := json.Marshal(map[string]json.RawMessage{schema.listField: doc})
	if err != nil {
		return doc
	}
	return wrapped
}

var fenceMarkers = [][]byte{[]byte("```json"), []byte("```JSON"), []byte("```")}

// extractFenced returns the contents of the first fenced code block, or
// nil when the text contains none.
func extractFenced(b []byte) []byte {
	for _, marker := range fenceMarkers {
		start := bytes.Index(b, marker)
		if start < 0 {
			continue
		}
		rest := b[start+len(marker):]
		end := bytes.Index(rest, []byte("```"))
		if end < 0 {
			continue
		}
		return bytes.TrimSpace(rest[:end])
	}
	return nil
}

// firstBalancedObject scans for the first top-level {...} span, tracking
// string literals and escapes so braces inside values do not confuse the
// depth count.
func firstBalancedObject(b []byte) []byte {
	start := bytes.IndexByte(b, '{')
	if start < 0 {
		return nil
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(b); i++ {
		c := b[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return b[start : i+1]
			}
		}
	}
	return nil
}
