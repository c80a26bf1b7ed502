package service

import (
	"confstore/internal/types"

	"github.com/jmespath/go-jmespath"
)

type entryFilter struct {
	expr   *jmespath.JMESPath
	negate bool
}

// compileFilter returns nil for an empty expression.
func compileFilter(expression string, negate bool) (*entryFilter, error) {
	if expression == "" {
		return nil, nil
	}
	expr, err := jmespath.Compile(expression)
	if err != nil {
		return nil, types.Err(types.ErrInvalidRequest, err, "Invalid filter expression")
	}
	return &entryFilter{expr: expr, negate: negate}, nil
}

// match evaluates the expression against the entry document. Only a boolean result counts;
// anything else (including null or an evaluation error) is a non-match either way.
func (f *entryFilter) match(e types.Entry) bool {
	doc, err := e.Value.Decode()
	if err != nil {
		return false
	}
	v, err := f.expr.Search(map[string]any{
		"key":     e.Key,
		"value":   doc,
		"version": float64(e.Version),
	})
	if err != nil {
		return false
	}
	matched, ok := v.(bool)
	if !ok {
		return false
	}
	if f.negate {
		return !matched
	}
	return matched
}

func (f *entryFilter) apply(entries []types.Entry) []types.Entry {
	if f == nil {
		return entries
	}
	out := entries[:0:0]
	for _, e := range entries {
		if f.match(e) {
			out = append(out, e)
		}
	}
	return out
}
