package expand

import (
	"encoding/json"
	"fmt"
	"strings"
)

// substitute resolves ${arg.NAME} and ${scope.NAME} placeholders in a
// template string against the bound macro arguments and the invocation
// scope. A template that is exactly one placeholder resolves to the
// referenced JSON value unchanged, so non-string values survive
// substitution intact. Any other template interpolates referenced
// values into the surrounding text and resolves to a JSON string.
func substitute(template string, args, scope map[string]json.RawMessage) (json.RawMessage, error) {
	open := strings.Index(template, "${")
	if open < 0 {
		return encodeString(template), nil
	}

	// Whole-template placeholder: pass the referenced value through.
	if open == 0 && strings.HasSuffix(template, "}") && strings.Index(template, "}") == len(template)-1 {
		token := template[2 : len(template)-1]
		val, err := lookup(template, token, args, scope)
		if err != nil {
			return nil, err
		}
		return val, nil
	}

	var b strings.Builder
	rest := template
	for {
		open := strings.Index(rest, "${")
		if open < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:open])
		end := strings.Index(rest[open:], "}")
		if end < 0 {
			return nil, &TemplateError{Template: template, Reason: "unterminated placeholder"}
		}
		token := rest[open+2 : open+end]
		val, err := lookup(template, token, args, scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		rest = rest[open+end+1:]
	}
	return encodeString(b.String()), nil
}

// substituteArgs resolves every template in a step's argument map.
func substituteArgs(templates map[string]string, args, scope map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	if len(templates) == 0 {
		return nil, nil
	}
	resolved := make(map[string]json.RawMessage, len(templates))
	for name, tmpl := range templates {
		val, err := substitute(tmpl, args, scope)
		if err != nil {
			return nil, err
		}
		resolved[name] = val
	}
	return resolved, nil
}

// lookup resolves a placeholder token of the form arg.NAME or
// scope.NAME, where NAME may be a dotted path into a JSON object.
func lookup(template, token string, args, scope map[string]json.RawMessage) (json.RawMessage, error) {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return nil, &TemplateError{Template: template, Token: token, Reason: "expected arg.NAME or scope.NAME"}
	}

	var source map[string]json.RawMessage
	switch parts[0] {
	case "arg":
		source = args
	case "scope":
		source = scope
	default:
		return nil, &TemplateError{Template: template, Token: token, Reason: fmt.Sprintf("unknown source %q", parts[0])}
	}

	val, ok := source[parts[1]]
	if !ok {
		return nil, &TemplateError{Template: template, Token: token, Reason: fmt.Sprintf("no binding for %q", parts[1])}
	}

	for _, key := range parts[2:] {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(val, &obj); err != nil {
			return nil, &TemplateError{Template: template, Token: token, Reason: fmt.Sprintf("cannot descend into %q: not an object", key)}
		}
		val, ok = obj[key]
		if !ok {
			return nil, &TemplateError{Template: template, Token: token, Reason: fmt.Sprintf("no field %q", key)}
		}
	}
	return val, nil
}

// stringify renders a JSON value for interpolation into surrounding
// text. Strings lose their quotes; everything else keeps its JSON form.
func stringify(val json.RawMessage) string {
	var s string
	if err := json.Unmarshal(val, &s); err == nil {
		return s
	}
	return string(val)
}

func encodeString(s string) json.RawMessage {
	out, _ := json.Marshal(s)
	return out
}
