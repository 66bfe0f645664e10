package pipeline

import (
	"fmt"
	"strings"
)

// Parameter templates use {{path}} placeholders. A path is resolved against
// the completed-task results first ("tasks.<id>.<field>"), then the node's
// data fields. An unresolved placeholder is a configuration fault, never a
// silent empty string: the owning task fails before submission.

// ResolveParams renders every template in params. Pure function of its
// inputs; the first unresolved placeholder aborts with a *TemplateError.
func ResolveParams(params map[string]string, nodeData map[string]any, taskResults map[string]map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(params))
	for name, tmpl := range params {
		v, err := resolveString(tmpl, nodeData, taskResults)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

func resolveString(tmpl string, nodeData map[string]any, taskResults map[string]map[string]any) (string, error) {
	var b strings.Builder
	rest := tmpl
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		closing := strings.Index(rest[open:], "}}")
		if closing < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:open])
		path := strings.TrimSpace(rest[open+2 : open+closing])
		val, ok := lookupPath(path, nodeData, taskResults)
		if !ok {
			return "", &TemplateError{Placeholder: path}
		}
		b.WriteString(val)
		rest = rest[open+closing+2:]
	}
}

// placeholders lists every {{path}} in a template, for definition-time
// validation.
func placeholders(tmpl string) []string {
	var out []string
	rest := tmpl
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			return out
		}
		closing := strings.Index(rest[open:], "}}")
		if closing < 0 {
			return out
		}
		out = append(out, strings.TrimSpace(rest[open+2:open+closing]))
		rest = rest[open+closing+2:]
	}
}

func lookupPath(path string, nodeData map[string]any, taskResults map[string]map[string]any) (string, bool) {
	parts := strings.Split(path, ".")
	if len(parts) == 0 || parts[0] == "" {
		return "", false
	}
	if parts[0] == "tasks" {
		if len(parts) < 3 {
			return "", false
		}
		res, ok := taskResults[parts[1]]
		if !ok {
			return "", false
		}
		return lookupMap(res, parts[2:])
	}
	return lookupMap(nodeData, parts)
}

func lookupMap(m map[string]any, parts []string) (string, bool) {
	cur := any(m)
	for _, p := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = obj[p]
		if !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case map[string]any, []any:
		return "", false
	default:
		return fmt.Sprint(v), true
	}
}
