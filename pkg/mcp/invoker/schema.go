package invoker

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/d4l-data4life/go-tool-router/pkg/mcp/protocol"
)

// missingRequiredFields returns the required schema fields absent from args
func missingRequiredFields(tool protocol.Tool, args map[string]interface{}) []string {
	var missing []string
	for _, field := range tool.RequiredFields() {
		if _, ok := args[field]; !ok {
			missing = append(missing, field)
		}
	}
	return missing
}

// conformArguments rewrites argument values to the types the tool's input
// schema declares. The parameter resolver works on text, so numeric and
// boolean fields frequently arrive as strings. Fields the schema does not
// know and values that cannot be converted pass through untouched; the
// server stays the authority on validation.
func conformArguments(schema, args map[string]interface{}) map[string]interface{} {
	properties, ok := schema["properties"].(map[string]interface{})
	if !ok || len(args) == 0 {
		return args
	}

	out := make(map[string]interface{}, len(args))
	for name, value := range args {
		if propSchema, ok := properties[name].(map[string]interface{}); ok {
			out[name] = conformValue(propSchema, value)
		} else {
			out[name] = value
		}
	}
	return out
}

func conformValue(schema map[string]interface{}, value interface{}) interface{} {
	switch declaredType(schema) {
	case "integer":
		return toInteger(value)
	case "number":
		return toNumber(value)
	case "boolean":
		return toBoolean(value)
	case "array":
		return toArray(schema, value)
	case "object":
		return toObject(schema, value)
	}
	return value
}

// declaredType reads the schema's type, settling unions on the first
// non-null member.
func declaredType(schema map[string]interface{}) string {
	switch t := schema["type"].(type) {
	case string:
		return t
	case []interface{}:
		for _, member := range t {
			if s, ok := member.(string); ok && s != "null" {
				return s
			}
		}
	}
	return ""
}

func toInteger(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n
		}
	case float64:
		if v == math.Trunc(v) {
			return int64(v)
		}
	}
	return value
}

func toNumber(value interface{}) interface{} {
	if s, ok := value.(string); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	}
	return value
}

func toBoolean(value interface{}) interface{} {
	if s, ok := value.(string); ok {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true":
			return true
		case "false":
			return false
		}
	}
	return value
}

func toArray(schema map[string]interface{}, value interface{}) interface{} {
	items, ok := value.([]interface{})
	if !ok {
		s, isString := value.(string)
		var parsed []interface{}
		if !isString || json.Unmarshal([]byte(s), &parsed) != nil {
			return value
		}
		items = parsed
	}

	itemSchema, ok := schema["items"].(map[string]interface{})
	if !ok {
		return items
	}
	out := make([]interface{}, len(items))
	for i, item := range items {
		out[i] = conformValue(itemSchema, item)
	}
	return out
}

func toObject(schema map[string]interface{}, value interface{}) interface{} {
	if nested, ok := value.(map[string]interface{}); ok {
		return conformArguments(schema, nested)
	}
	if s, ok := value.(string); ok {
		var parsed map[string]interface{}
		if json.Unmarshal([]byte(s), &parsed) == nil {
			return conformArguments(schema, parsed)
		}
	}
	return value
}
