package config

import "regexp"

var (
	rxTruthy = regexp.MustCompile(`^\s*(?i:t(?:rue)?|y(?:es)?|on|1)(?:\s+.*)?$`)
	rxFalsy  = regexp.MustCompile(`^\s*(?i:f(?:alse)?|no?|off|0)(?:\s+.*)?$`)
)

// ParseBoolean converts `s` to boolean. `ok` is false for ambiguous input.
func ParseBoolean(s string) (value bool, ok bool) {
	if rxTruthy.MatchString(s) {
		return true, true
	}
	if rxFalsy.MatchString(s) {
		return false, true
	}
	return false, false
}

// ToBoolean converts passed string to boolean, ambiguous strings are false.
func ToBoolean(s string) bool {
	v, _ := ParseBoolean(s)
	return v
}
