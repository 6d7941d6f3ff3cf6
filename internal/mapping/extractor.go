// Package mapping infers generalized JSON field paths from sample
// external responses and extracts values from live responses using the
// inferred paths.
package mapping

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/params"
)

// Wildcard marks an array segment in a generalized path.
const Wildcard = "[*]"

// FieldPath is one inferred leaf of a sample response.
type FieldPath struct {
	Path          string          `json:"path"`
	DataType      domain.DataType `json:"dataType"`
	Sample        string          `json:"sample"`
	SuggestedName string          `json:"suggestedName"`
}

// Infer walks a sample JSON document and returns one FieldPath per
// scalar leaf. Object keys extend the dotted path; arrays descend into
// their first element and mark the segment with a wildcard, so
// items[0].amount generalizes to items[*].amount. Paths are returned in
// lexical order for determinism.
func Infer(sample []byte) ([]FieldPath, error) {
	var doc any
	if err := json.Unmarshal(sample, &doc); err != nil {
		return nil, fmt.Errorf("sample is not valid JSON: %w", err)
	}

	var out []FieldPath
	walk("", doc, &out)

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func walk(path string, v any, out *[]FieldPath) {
	switch node := v.(type) {
	case map[string]any:
		for key, child := range node {
			next := key
			if path != "" {
				next = path + "." + key
			}
			walk(next, child, out)
		}
	case []any:
		if len(node) == 0 {
			return
		}
		walk(path+Wildcard, node[0], out)
	default:
		if path == "" {
			return
		}
		*out = append(*out, FieldPath{
			Path:          path,
			DataType:      inferType(v),
			Sample:        renderSample(v),
			SuggestedName: suggestName(path),
		})
	}
}

func inferType(v any) domain.DataType {
	switch t := v.(type) {
	case bool:
		return domain.TypeBool
	case float64:
		if t == math.Trunc(t) {
			return domain.TypeInt
		}
		return domain.TypeDecimal
	case string:
		if _, err := params.ParseTime(t); err == nil {
			return domain.TypeDateTime
		}
		return domain.TypeString
	}
	return domain.TypeString
}

func renderSample(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		return fmt.Sprintf("%t", t)
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// suggestName derives a lowerCamel parameter name from the last path
// segment: items[*].unit_price -> unitPrice.
func suggestName(path string) string {
	seg := path
	if i := strings.LastIndex(path, "."); i >= 0 {
		seg = path[i+1:]
	}
	seg = strings.TrimSuffix(seg, Wildcard)

	parts := strings.FieldsFunc(seg, func(r rune) bool {
		return r == '_' || r == '-' || r == ' '
	})
	if len(parts) == 0 {
		return seg
	}

	var b strings.Builder
	for i, p := range parts {
		runes := []rune(p)
		if i == 0 {
			runes[0] = unicode.ToLower(runes[0])
		} else {
			runes[0] = unicode.ToUpper(runes[0])
		}
		b.WriteString(string(runes))
	}
	return b.String()
}

// Lookup extracts the value at a generalized path from a live response.
// Wildcard segments re-resolve against the real array's first element,
// consistent with inference; an empty array yields not-found rather
// than an error. The error return is reserved for an unparsable doc.
func Lookup(doc []byte, path string) (any, bool, error) {
	var root any
	if err := json.Unmarshal(doc, &root); err != nil {
		return nil, false, fmt.Errorf("response is not valid JSON: %w", err)
	}

	cur := root
	for _, seg := range strings.Split(path, ".") {
		wild := strings.HasSuffix(seg, Wildcard)
		key := strings.TrimSuffix(seg, Wildcard)

		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		cur, ok = obj[key]
		if !ok {
			return nil, false, nil
		}

		if wild {
			arr, ok := cur.([]any)
			if !ok || len(arr) == 0 {
				return nil, false, nil
			}
			cur = arr[0]
		}
	}

	switch cur.(type) {
	case map[string]any, []any, nil:
		return nil, false, nil
	}
	return cur, true, nil
}
