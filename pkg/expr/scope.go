// Package expr resolves {{ ... }} template expressions against a run's
// variable scope. The language covers property access, array indexing and
// comparison operators; arbitrary logic belongs in function steps.
package expr

import (
	"strconv"
	"strings"
	"time"
)

// Scope is the immutable variable namespace visible to one step. Loop body
// steps see Item and Iteration bound for the current iteration.
type Scope struct {
	Trigger   map[string]interface{}
	Input     map[string]interface{}
	Params    map[string]interface{}
	Steps     map[string]interface{}
	Item      interface{}
	HasItem   bool
	Iteration int

	// Now supplies the now() builtin; defaults to time.Now.
	Now func() time.Time
}

// WithIteration returns a copy of the scope with the loop variables bound
// and the iteration-local step outputs layered over the parent's.
func (s *Scope) WithIteration(iteration int, item interface{}, steps map[string]interface{}) *Scope {
	merged := make(map[string]interface{}, len(s.Steps)+len(steps))
	for k, v := range s.Steps {
		merged[k] = v
	}
	for k, v := range steps {
		merged[k] = v
	}
	return &Scope{
		Trigger:   s.Trigger,
		Input:     s.Input,
		Params:    s.Params,
		Steps:     merged,
		Item:      item,
		HasItem:   true,
		Iteration: iteration,
		Now:       s.Now,
	}
}

func (s *Scope) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Lookup resolves a dotted path with optional [n] indexing against the
// scope. Missing roots, keys and out-of-range indexes resolve to (nil,
// false) rather than erroring; the caller decides whether that is fatal.
func (s *Scope) Lookup(path string) (interface{}, bool) {
	segs, err := splitPath(path)
	if err != nil || len(segs) == 0 {
		return nil, false
	}

	var cur interface{}
	switch segs[0].key {
	case "trigger":
		cur = mapValue(s.Trigger)
	case "input":
		cur = mapValue(s.Input)
	case "params":
		cur = mapValue(s.Params)
	case "steps":
		cur = mapValue(s.Steps)
	case "item":
		if !s.HasItem {
			return nil, false
		}
		cur = s.Item
	case "iteration":
		cur = s.Iteration
	default:
		return nil, false
	}

	for _, idx := range segs[0].indexes {
		var ok bool
		cur, ok = indexValue(cur, idx)
		if !ok {
			return nil, false
		}
	}

	for _, seg := range segs[1:] {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg.key]
		if !ok {
			return nil, false
		}
		for _, idx := range seg.indexes {
			cur, ok = indexValue(cur, idx)
			if !ok {
				return nil, false
			}
		}
	}
	return cur, true
}

func mapValue(m map[string]interface{}) interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func indexValue(v interface{}, idx int) (interface{}, bool) {
	arr, ok := v.([]interface{})
	if !ok || idx < 0 || idx >= len(arr) {
		return nil, false
	}
	return arr[idx], true
}

type pathSeg struct {
	key     string
	indexes []int
}

// splitPath parses "steps.fetch.items[0].name" into segments.
func splitPath(path string) ([]pathSeg, error) {
	var segs []pathSeg
	for _, part := range strings.Split(path, ".") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, errBadPath
		}
		seg := pathSeg{}
		for {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				if seg.key == "" {
					seg.key = part
				}
				break
			}
			if seg.key == "" {
				seg.key = part[:open]
			}
			closeIdx := strings.IndexByte(part, ']')
			if closeIdx < open {
				return nil, errBadPath
			}
			n, err := strconv.Atoi(part[open+1 : closeIdx])
			if err != nil {
				return nil, errBadPath
			}
			seg.indexes = append(seg.indexes, n)
			part = part[:open] + part[closeIdx+1:]
		}
		segs = append(segs, seg)
	}
	return segs, nil
}
