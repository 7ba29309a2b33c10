package template

import (
	"encoding/json"

	"github.com/visor-run/visor/internal/jsonextract"
)

// Smart is the JSON-smart wrapper around a dependency output: a value
// that is itself a JSON string behaves as its parsed value under
// property access (AsParsed) but as the original text under string
// coercion (AsString/String). Consumers pick explicitly; the template
// renderer is the one caller that performs the "smart" routing
// automatically.
type Smart struct {
	raw      string
	parsed   any
	isParsed bool
}

// NewSmart wraps an arbitrary dependency output value. If v is already
// structured (map/slice/etc, as most provider outputs are), AsParsed
// returns it directly and AsString renders it as JSON text. If v is a
// string, it is parsed as JSON on a best-effort basis (tail-first, then
// anywhere, then treated as plain text); AsString always returns the
// original string unchanged.
func NewSmart(v any) Smart {
	switch t := v.(type) {
	case string:
		parsed, ok := parseEmbeddedJSON(t)
		return Smart{raw: t, parsed: parsed, isParsed: ok}
	case nil:
		return Smart{raw: ""}
	default:
		if b, err := json.Marshal(t); err == nil {
			return Smart{raw: string(b), parsed: t, isParsed: true}
		}
		return Smart{parsed: t, isParsed: true}
	}
}

// AsString returns the raw text form.
func (s Smart) AsString() string { return s.raw }

// String makes Smart behave as raw text under fmt.Sprint/%v: coercion
// to string yields the raw text.
func (s Smart) String() string { return s.raw }

// AsParsed returns the parsed value (map[string]any, []any, or a
// scalar) when this Smart could be parsed as JSON, else nil.
func (s Smart) AsParsed() any {
	if !s.isParsed {
		return nil
	}
	return s.parsed
}

// IsParsed reports whether AsParsed has a usable value.
func (s Smart) IsParsed() bool { return s.isParsed }

// Field looks up a dotted path on the parsed value, used by the
// declarative renderer for `outputs.<check>.<field>` lookups.
func (s Smart) Field(path string) (any, bool) {
	if !s.isParsed {
		return nil, false
	}
	return lookupPath(s.parsed, path)
}

// parseEmbeddedJSON delegates to jsonextract's shared "tail-first, then
// anywhere, else plain text" lenient parse,
// also used by every provider that extracts issues from free text.
func parseEmbeddedJSON(s string) (any, bool) {
	return jsonextract.Parse(s)
}
