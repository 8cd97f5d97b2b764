package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// EvalCondition evaluates a condition expression to a boolean via the
// truthiness rules: nil, false, 0, "" and empty collections are false.
// Conditions may be bare {{ ... }} templates or raw expressions.
func EvalCondition(condition string, scope *Scope) (bool, error) {
	cond := strings.TrimSpace(condition)
	if cond == "" {
		return false, nil
	}
	if m := tokenRe.FindStringSubmatch(cond); m != nil && tokenRe.FindString(cond) == cond {
		cond = strings.TrimSpace(m[1])
	}
	v, err := evalExpr(cond, scope)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// EvalScalar evaluates a switch condition to its scalar value.
func EvalScalar(condition string, scope *Scope) (interface{}, error) {
	cond := strings.TrimSpace(condition)
	if m := tokenRe.FindStringSubmatch(cond); m != nil && tokenRe.FindString(cond) == cond {
		cond = strings.TrimSpace(m[1])
	}
	return evalExpr(cond, scope)
}

// Truthy implements the engine's truthiness check.
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}

// evalExpr evaluates an expression: disjunctions of conjunctions of
// comparisons over operands.
func evalExpr(s string, scope *Scope) (interface{}, error) {
	parts := splitTopLevel(s, "||")
	if len(parts) > 1 {
		for _, p := range parts {
			v, err := evalExpr(p, scope)
			if err != nil {
				return nil, err
			}
			if Truthy(v) {
				return true, nil
			}
		}
		return false, nil
	}

	parts = splitTopLevel(s, "&&")
	if len(parts) > 1 {
		for _, p := range parts {
			v, err := evalExpr(p, scope)
			if err != nil {
				return nil, err
			}
			if !Truthy(v) {
				return false, nil
			}
		}
		return true, nil
	}

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if l, r, ok := splitComparison(s, op); ok {
			lv, err := evalExpr(l, scope)
			if err != nil {
				return nil, err
			}
			rv, err := evalExpr(r, scope)
			if err != nil {
				return nil, err
			}
			return compare(op, lv, rv)
		}
	}

	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "!") {
		v, err := evalExpr(s[1:], scope)
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil
	}

	return evalOperand(s, scope)
}

// evalOperand evaluates a single operand: a literal, a builtin or a scope
// path. Unresolvable paths yield nil.
func evalOperand(s string, scope *Scope) (interface{}, error) {
	s = strings.TrimSpace(s)
	if m := tokenRe.FindStringSubmatch(s); m != nil && tokenRe.FindString(s) == s {
		return evalExpr(strings.TrimSpace(m[1]), scope)
	}
	switch {
	case s == "":
		return nil, nil
	case s == "true":
		return true, nil
	case s == "false":
		return false, nil
	case s == "null", s == "nil":
		return nil, nil
	case s == "now()":
		return scope.now().UTC().Format("2006-01-02T15:04:05Z07:00"), nil
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'' && len(s) >= 2) ||
		(s[0] == '"' && s[len(s)-1] == '"' && len(s) >= 2) {
		return s[1 : len(s)-1], nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n, nil
	}
	v, _ := scope.Lookup(s)
	return v, nil
}

func compare(op string, l, r interface{}) (interface{}, error) {
	ln, lok := toNumber(l)
	rn, rok := toNumber(r)
	if lok && rok {
		switch op {
		case "==":
			return ln == rn, nil
		case "!=":
			return ln != rn, nil
		case ">":
			return ln > rn, nil
		case ">=":
			return ln >= rn, nil
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		}
	}
	switch op {
	case "==":
		return equalValues(l, r), nil
	case "!=":
		return !equalValues(l, r), nil
	}
	ls, lsok := l.(string)
	rs, rsok := r.(string)
	if lsok && rsok {
		switch op {
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		}
	}
	return nil, fmt.Errorf("cannot compare %T %s %T", l, op, r)
}

func equalValues(l, r interface{}) bool {
	if l == nil || r == nil {
		return l == r
	}
	return fmt.Sprintf("%v", l) == fmt.Sprintf("%v", r)
}

func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case string:
		n, err := strconv.ParseFloat(t, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// splitTopLevel splits on an operator outside quotes.
func splitTopLevel(s, op string) []string {
	var parts []string
	depth := 0
	var quote byte
	last := 0
	for i := 0; i+len(op) <= len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(' || c == '[':
			depth++
		case c == ')' || c == ']':
			depth--
		case depth == 0 && s[i:i+len(op)] == op:
			parts = append(parts, s[last:i])
			last = i + len(op)
			i += len(op) - 1
		}
	}
	parts = append(parts, s[last:])
	return parts
}

// splitComparison splits on the first top-level occurrence of op, guarding
// against matching inside a longer operator (">" inside ">=").
func splitComparison(s, op string) (left, right string, ok bool) {
	depth := 0
	var quote byte
	for i := 0; i+len(op) <= len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(' || c == '[':
			depth++
		case c == ')' || c == ']':
			depth--
		case depth == 0 && s[i:i+len(op)] == op:
			if len(op) == 1 {
				if i+1 < len(s) && s[i+1] == '=' {
					continue
				}
				if i > 0 && (s[i-1] == '=' || s[i-1] == '!' || s[i-1] == '<' || s[i-1] == '>') {
					continue
				}
			}
			return s[:i], s[i+len(op):], true
		}
	}
	return "", "", false
}
