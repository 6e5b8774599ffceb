package expression

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*}}`)

// Lookup resolves a dotted path against a context map. Values are addressed
// with gjson paths over the JSON form of the context, so nested maps, slices
// and struct-shaped values all resolve uniformly.
func Lookup(context map[string]any, path string) (any, bool) {
	if context == nil || path == "" {
		return nil, false
	}
	raw, err := json.Marshal(context)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// Expand substitutes every {{ path }} placeholder in a template with the
// value found at that path in the context. String values are inserted
// verbatim; anything else is inserted as its JSON form. A placeholder that
// resolves to nothing is an error so that misconfigured output handlers are
// loud rather than silently publishing holes.
func Expand(template string, context map[string]any) (string, error) {
	var expandErr error
	out := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		path := strings.TrimSpace(placeholderRe.FindStringSubmatch(match)[1])
		v, ok := Lookup(context, path)
		if !ok {
			if expandErr == nil {
				expandErr = fmt.Errorf("template path %q resolved to nothing", path)
			}
			return ""
		}
		return stringify(v)
	})
	if expandErr != nil {
		return "", expandErr
	}
	return out, nil
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case gjson.Result:
		return s.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
