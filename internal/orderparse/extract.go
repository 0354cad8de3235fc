package orderparse

import (
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/spf13/cast"
)

type node = map[string]any

// field extracts one optional string value from a payload; "" means absent.
type field func(p *payload) string

// firstOf returns the first non-empty result of fields, evaluated in order.
func firstOf(fields ...field) field {
	return func(p *payload) string {
		for _, f := range fields {
			if v := f(p); v != "" {
				return v
			}
		}
		return ""
	}
}

func rootAt(path ...string) field {
	return func(p *payload) string { return str(dig(p.root, path...)) }
}

func orderAt(path ...string) field {
	return func(p *payload) string { return str(dig(p.order, path...)) }
}

// dig walks nested objects and returns the value at path, or nil.
func dig(m node, path ...string) any {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(node)
		if !ok {
			return nil
		}
		cur, ok = obj[key]
		if !ok {
			return nil
		}
	}
	return cur
}

func object(v any) node {
	m, _ := v.(node)
	return m
}

func list(v any) []any {
	l, _ := v.([]any)
	return l
}

// str renders scalars as trimmed strings. Objects, arrays and nil are absent.
func str(v any) string {
	switch v.(type) {
	case nil, node, []any:
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// num parses numbers and numeric strings. NaN and infinities, which cast
// accepts ("NaN", "Inf", "1e400"), are treated as absent.
func num(v any) (float64, bool) {
	switch v.(type) {
	case nil, node, []any, bool:
		return 0, false
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, false
		}
		v = s
	}
	f, err := cast.ToFloat64E(v)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// aliasSet matches custom field names case-insensitively.
type aliasSet []string

func (a aliasSet) matches(name string) bool {
	for _, alias := range a {
		if strings.EqualFold(alias, name) {
			return true
		}
	}
	return false
}

// lookup returns the first alias present in m with a non-empty value. Exact
// spellings win; case variants are then tried in sorted key order.
func (a aliasSet) lookup(m node) string {
	if m == nil {
		return ""
	}
	for _, alias := range a {
		if v := str(m[alias]); v != "" {
			return v
		}
	}
	for _, k := range slices.Sorted(maps.Keys(m)) {
		if a.matches(k) {
			if s := str(m[k]); s != "" {
				return s
			}
		}
	}
	return ""
}
