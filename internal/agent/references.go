package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	xerrors "AgentFlow/internal/errors"
)

// {{step}} or {{step.data.field.0}}
var referencePattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-]+)((?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// references lists step IDs referenced anywhere inside params.
func references(params map[string]any) []string {
	var out []string
	walkStrings(params, func(s string) {
		for _, m := range referencePattern.FindAllStringSubmatch(s, -1) {
			out = append(out, m[1])
		}
	})
	return out
}

func walkStrings(v any, fn func(string)) {
	switch val := v.(type) {
	case string:
		fn(val)
	case map[string]any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	case []any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	}
}

// resolveReferences returns a copy of params with every reference replaced
// by the referenced result data. A string that is exactly one reference takes
// the referenced value with its JSON type; references embedded in longer
// strings are interpolated as text.
func resolveReferences(params map[string]any, lookup func(stepID string) (ToolResult, bool)) (map[string]any, error) {
	resolved, err := resolveValue(params, lookup)
	if err != nil {
		return nil, err
	}
	out, _ := resolved.(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func resolveValue(v any, lookup func(string) (ToolResult, bool)) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(val, lookup)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := resolveValue(item, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := resolveValue(item, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, lookup func(string) (ToolResult, bool)) (any, error) {
	matches := referencePattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return lookupReference(s[matches[0][2]:matches[0][3]], s[matches[0][4]:matches[0][5]], lookup)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		value, err := lookupReference(s[m[2]:m[3]], s[m[4]:m[5]], lookup)
		if err != nil {
			return nil, err
		}
		switch typed := value.(type) {
		case string:
			b.WriteString(typed)
		case nil:
		default:
			encoded, _ := json.Marshal(typed)
			b.Write(encoded)
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func lookupReference(stepID, path string, lookup func(string) (ToolResult, bool)) (any, error) {
	result, ok := lookup(stepID)
	if !ok {
		return nil, xerrors.New(xerrors.CodeDependencyFailed, fmt.Sprintf("step %s has no successful result", stepID))
	}
	var current any
	if len(result.Data) > 0 {
		if err := json.Unmarshal(result.Data, &current); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidParameters, err, fmt.Sprintf("step %s returned non-JSON data", stepID))
		}
	}

	segments := strings.Split(strings.TrimPrefix(path, "."), ".")
	if len(segments) > 0 && segments[0] == "data" {
		segments = segments[1:]
	}
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		switch node := current.(type) {
		case map[string]any:
			current = node[seg]
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, xerrors.New(xerrors.CodeInvalidParameters, fmt.Sprintf("reference %s%s is out of range", stepID, path))
			}
			current = node[idx]
		default:
			return nil, xerrors.New(xerrors.CodeInvalidParameters, fmt.Sprintf("reference %s%s does not exist", stepID, path))
		}
	}
	return current, nil
}
