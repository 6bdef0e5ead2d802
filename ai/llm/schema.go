package llm

import "encoding/json"

// JSONSchema implements json.Marshaler for OpenAI's JSON Schema format.
// The alias type prevents infinite recursion during marshaling.
// JSONSchema 实现 OpenAI JSON Schema 格式的 json.Marshaler。
// 别名类型防止序列化时的无限递归。
type JSONSchema struct {
	Properties           map[string]*JSONSchema `json:"properties,omitempty"`
	Type                 string                 `json:"type"`
	Description          string                 `json:"description,omitempty"`
	Required             []string               `json:"required,omitempty"`
	Enum                 []string               `json:"enum,omitempty"`
	Items                *JSONSchema            `json:"items,omitempty"`
	AdditionalProperties bool                   `json:"additionalProperties"`
}

// MarshalJSON implements json.Marshaler for JSONSchema.
// It uses type alias to prevent infinite recursion.
func (s *JSONSchema) MarshalJSON() ([]byte, error) {
	type alias JSONSchema
	return json.Marshal((*alias)(s))
}

// String renders the schema as the JSON string a ToolDescriptor wants.
func (s *JSONSchema) String() string {
	raw, err := json.Marshal(s)
	if err != nil {
		return `{"type":"object"}`
	}
	return string(raw)
}

// ObjectSchema is a shorthand for a top-level object schema.
func ObjectSchema(properties map[string]*JSONSchema, required ...string) *JSONSchema {
	return &JSONSchema{Type: "object", Properties: properties, Required: required}
}

// StringProp is a shorthand for a described string property.
func StringProp(description string) *JSONSchema {
	return &JSONSchema{Type: "string", Description: description}
}

// IntProp is a shorthand for a described integer property.
func IntProp(description string) *JSONSchema {
	return &JSONSchema{Type: "integer", Description: description}
}
