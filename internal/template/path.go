package template

import "strings"

// lookupPath walks a dotted path ("a.b.c") over nested
// map[string]any/[]any data, as produced by encoding/json.
func lookupPath(root any, path string) (any, bool) {
	cur := root
	if path == "" {
		return cur, true
	}
	for _, seg := range strings.Split(path, ".") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case Smart:
			next, ok := v.Field(seg)
			if !ok {
				return nil, false
			}
			cur = next
		default:
			return nil, false
		}
	}
	return cur, true
}

// getNestedValue is the lenient counterpart used by the renderer: a
// missing path yields (nil, false) rather than an error, so unresolved
// variables become empty strings, not template failures.
func getNestedValue(scope map[string]any, path string) (any, bool) {
	segs := strings.Split(path, ".")
	var cur any = scope
	for _, seg := range segs {
		seg = strings.TrimSpace(seg)
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case Smart:
			next, ok := v.Field(seg)
			if !ok {
				return nil, false
			}
			cur = next
		default:
			return nil, false
		}
	}
	return cur, true
}
