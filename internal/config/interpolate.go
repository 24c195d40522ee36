// Interpolate `${foo}` style strings.

package config

import (
	"strings"

	"github.com/pkg/errors"
)

/*
 * str : (s)*
 *     ;
 * s : (* empty *)
 *   | <literal>
 *   | $$
 *   | ${<literal>}
 *   ;
 */

const maxInterpolationDepth = 32

// Interpolate expands `${name}` references in `s` from `dict`.
// Undefined names expand to the empty string.
func Interpolate(s string, dict map[string]string) (string, error) {
	return interpolate(s, dict, false, 0)
}

// StrictInterpolate is Interpolate but fails on undefined names.
func StrictInterpolate(s string, dict map[string]string) (string, error) {
	return interpolate(s, dict, true, 0)
}

func interpolate(s string, dict map[string]string, strict bool, depth int) (string, error) {
	if depth > maxInterpolationDepth {
		return "", errors.Errorf("too deep interpolation in \"%s\"", s)
	}
	if strings.IndexByte(s, '$') < 0 {
		return s, nil
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '$' {
			sb.WriteByte(c)
			continue
		}
		if i+1 == len(s) {
			// Trailing `$` is a literal.
			sb.WriteByte(c)
			break
		}
		switch s[i+1] {
		case '$':
			sb.WriteByte('$')
			i++
		case '{':
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				return "", errors.Errorf("unmatched \"${\" in \"%s\"", s)
			}
			name := s[i+2 : i+2+end]
			val, ok := dict[name]
			if !ok && strict {
				return "", errors.Errorf("variable \"%s\" is not defined", name)
			}
			expanded, err := interpolate(val, dict, strict, depth+1)
			if err != nil {
				return "", err
			}
			sb.WriteString(expanded)
			i += 2 + end
		default:
			return "", errors.Errorf("invalid \"$\" sequence at %d in \"%s\"", i, s)
		}
	}
	return sb.String(), nil
}
