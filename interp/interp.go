// Package interp renders {key}-style placeholder templates against a set of
// string variables. Rendering is fail-fast: a placeholder that names an unset
// variable is an error, never a silent empty substitution.
package interp

import (
	"net/url"
	"strings"

	"github.com/caravel-data/caravel/errors"
)

// Render substitutes {key} placeholders in template with values from vars.
// Literal braces are escaped by doubling: "{{" renders as "{" and "}}" as "}".
// A placeholder referencing a key absent from vars returns an error marked
// errors.ErrMissingKey.
func Render(template string, vars map[string]string) (string, error) {
	var b strings.Builder
	b.Grow(len(template))

	i := 0
	for i < len(template) {
		c := template[i]
		switch c {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				b.WriteByte('{')
				i += 2
				continue
			}
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				return "", errors.Mark(
					errors.Newf("unterminated placeholder at offset %d in template %q", i, template),
					errors.ErrConfiguration)
			}
			key := template[i+1 : i+end]
			val, ok := vars[key]
			if !ok {
				return "", errors.Mark(
					errors.Newf("template %q references unset key %q", template, key),
					errors.ErrMissingKey)
			}
			b.WriteString(val)
			i += end + 1
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				b.WriteByte('}')
				i += 2
				continue
			}
			return "", errors.Mark(
				errors.Newf("unbalanced '}' at offset %d in template %q", i, template),
				errors.ErrConfiguration)
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), nil
}

// HasPlaceholders reports whether template contains at least one {key}
// placeholder (ignoring escaped braces).
func HasPlaceholders(template string) bool {
	for i := 0; i < len(template); i++ {
		if template[i] == '{' {
			if i+1 < len(template) && template[i+1] == '{' {
				i++
				continue
			}
			return true
		}
	}
	return false
}

// URLEncoded returns a copy of vars extended with a "<key>_urlencoded"
// variant of every entry, for use in templates that build URLs. Existing
// *_urlencoded keys are left untouched.
func URLEncoded(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars)*2)
	for k, v := range vars {
		out[k] = v
	}
	for k, v := range vars {
		if strings.HasSuffix(k, "_urlencoded") {
			continue
		}
		enc := k + "_urlencoded"
		if _, ok := out[enc]; !ok {
			out[enc] = url.QueryEscape(v)
		}
	}
	return out
}
