package extract

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-scrape-catalog/parser"
)

// Helpers for walking decoded JSON of unknown shape.

func decodeJSON(raw string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func lookup(v any, path ...string) any {
	for _, key := range path {
		m := asMap(v)
		if m == nil {
			return nil
		}
		v = m[key]
	}
	return v
}

// truthy follows loose JSON truthiness: null, false, 0, "" and NaN are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case float64:
		return t != 0 && !math.IsNaN(t)
	default:
		return true
	}
}

// firstOf returns the first truthy value among keys of m.
func firstOf(m map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := m[key]; ok && truthy(v) {
			return v
		}
	}
	return nil
}

func stringValue(v any) string {
	switch t := v.(type) {
	case string:
		return parser.CleanText(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func sizesValue(v any) []string {
	switch t := v.(type) {
	case string:
		return parser.ParseSizes(t)
	case []any:
		var sizes []string
		for _, item := range t {
			if s := stringValue(item); s != "" {
				sizes = append(sizes, s)
			}
		}
		return sizes
	default:
		return nil
	}
}
