package keyword

import (
	"context"
	"strconv"
	"strings"

	"github.com/d4l-data4life/go-tool-router/pkg/mcp/protocol"

	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// ParamResolver fills tool arguments from free text. Learned mappings take
// precedence; structural rules over the schema's property names cover the
// rest. Resolution is best-effort: unresolvable fields are simply absent
// from the returned map.
type ParamResolver struct {
	store Store
}

// NewParamResolver creates a resolver over the given store
func NewParamResolver(store Store) *ParamResolver {
	return &ParamResolver{store: store}
}

// Resolve extracts arguments for the tool from the user's text
func (r *ParamResolver) Resolve(ctx context.Context, tool protocol.Tool, input string) map[string]interface{} {
	args := make(map[string]interface{})
	props := tool.Properties()
	if len(props) == 0 {
		return args
	}

	tokens := Tokenize(input)
	if len(tokens) > 1 {
		tokens = tokens[1:] // drop the whole-string token
	}

	// Learned mappings first
	for _, token := range tokens {
		mapping, found, err := r.store.LookupParameterMapping(ctx, tool.Name, token)
		if err != nil {
			logging.LogWarningf(err, "Parameter mapping lookup failed for tool %s", tool.Name)
			continue
		}
		if !found {
			continue
		}
		if _, taken := args[mapping.Parameter]; taken {
			continue
		}
		if _, exists := props[mapping.Parameter]; !exists {
			continue
		}
		args[mapping.Parameter] = typedValue(props, mapping.Parameter, mapping.Value)
	}

	// Structural rules on the remaining fields
	r.applyStructuralRules(props, tokens, args)
	return args
}

// Learn reinforces the token-to-argument associations of a successful call
func (r *ParamResolver) Learn(ctx context.Context, toolName, input string, args map[string]interface{}) {
	tokens := Tokenize(input)
	if len(tokens) > 1 {
		tokens = tokens[1:]
	}

	for param, value := range args {
		str := stringValue(value)
		if str == "" {
			continue
		}
		for _, token := range tokens {
			if !strings.EqualFold(token, str) {
				continue
			}
			if err := r.store.UpsertParameterMapping(ctx, toolName, token, param, str, 0.6); err != nil {
				logging.LogWarningf(err, "Failed to record parameter mapping for tool %s", toolName)
			}
		}
	}
}

// applyStructuralRules matches tokens against snake_case property names and
// typed token shapes:
//   - a numeric token fills the first unfilled integer/number property
//   - a token equal to a property-name word takes the following token as the
//     property's value ("city berlin" fills city=berlin)
//   - true/false tokens fill boolean properties named in the input
func (r *ParamResolver) applyStructuralRules(props map[string]interface{}, tokens []string, args map[string]interface{}) {
	for name, rawSchema := range props {
		if _, taken := args[name]; taken {
			continue
		}
		schema, _ := rawSchema.(map[string]interface{})
		if schema == nil {
			continue
		}
		propType, _ := schema["type"].(string)

		switch propType {
		case "integer", "number":
			for _, token := range tokens {
				if num, err := strconv.ParseFloat(token, 64); err == nil {
					if propType == "integer" && float64(int64(num)) == num {
						args[name] = int64(num)
					} else if propType == "number" {
						args[name] = num
					}
					break
				}
			}
		case "boolean":
			if !matchesPropertyWord(name, tokens) {
				break
			}
			if tokenAfterWord(name, tokens) == "false" || containsToken(tokens, "without") {
				args[name] = false
			} else {
				args[name] = true
			}
		case "string":
			if value := tokenAfterWord(name, tokens); value != "" {
				args[name] = value
			}
		}
	}
}

// matchesPropertyWord reports whether any snake_case word of the property
// name appears among the tokens.
func matchesPropertyWord(property string, tokens []string) bool {
	for _, word := range splitName(strings.ToLower(property)) {
		if containsToken(tokens, word) {
			return true
		}
	}
	return false
}

// tokenAfterWord returns the token following any property-name word, which
// by convention carries its value.
func tokenAfterWord(property string, tokens []string) string {
	words := splitName(strings.ToLower(property))
	for i, token := range tokens {
		for _, word := range words {
			if token == word && i+1 < len(tokens) {
				return tokens[i+1]
			}
		}
	}
	return ""
}

func containsToken(tokens []string, want string) bool {
	for _, token := range tokens {
		if token == want {
			return true
		}
	}
	return false
}

// typedValue converts a stored string value to the property's schema type
func typedValue(props map[string]interface{}, property, value string) interface{} {
	schema, _ := props[property].(map[string]interface{})
	if schema == nil {
		return value
	}
	switch schema["type"] {
	case "integer":
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	case "number":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	case "boolean":
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return value
}

func stringValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}
