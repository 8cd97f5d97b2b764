package expr

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	errBadPath = errors.New("malformed path expression")

	tokenRe = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)
)

// Resolve substitutes {{ expr }} tokens in the template. Strings are
// textually substituted; a string that is exactly one token yields the
// referenced value with its original type. Maps and slices are resolved
// structurally, every string leaf independently. Unresolvable paths yield
// nil rather than an error.
func Resolve(template interface{}, scope *Scope) (interface{}, error) {
	switch t := template.(type) {
	case string:
		return ResolveString(t, scope)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, v := range t {
			rv, err := Resolve(v, scope)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, v := range t {
			rv, err := Resolve(v, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return template, nil
	}
}

// ResolveMap resolves a map template, preserving nil maps.
func ResolveMap(template map[string]interface{}, scope *Scope) (map[string]interface{}, error) {
	if template == nil {
		return nil, nil
	}
	resolved, err := Resolve(template, scope)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]interface{}), nil
}

// ResolveString substitutes tokens inside a string. A whole-token string
// ("{{ steps.a.count }}") returns the typed value; embedded tokens render
// through fmt and unresolved ones render empty.
func ResolveString(s string, scope *Scope) (interface{}, error) {
	matches := tokenRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string single token keeps the value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return evalExpr(strings.TrimSpace(s[matches[0][2]:matches[0][3]]), scope)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		val, err := evalExpr(strings.TrimSpace(s[m[2]:m[3]]), scope)
		if err != nil {
			return nil, err
		}
		if val != nil {
			b.WriteString(fmt.Sprintf("%v", val))
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}
