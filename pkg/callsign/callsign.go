// Package callsign implements callsign authorization rules for the proxy.
package callsign

import (
	"fmt"
	"regexp"
)

// Rules matches callsigns against an optional allow pattern and an optional
// deny pattern. A nil Rules allows everything.
type Rules struct {
	allow *regexp.Regexp
	deny  *regexp.Regexp
}

// Compile builds Rules from the configured patterns. An empty pattern means
// the corresponding list is absent.
func Compile(allow, deny string) (*Rules, error) {
	var r Rules
	if allow != "" {
		re, err := regexp.Compile(allow)
		if err != nil {
			return nil, fmt.Errorf("compile allow pattern: %w", err)
		}
		r.allow = re
	}
	if deny != "" {
		re, err := regexp.Compile(deny)
		if err != nil {
			return nil, fmt.Errorf("compile deny pattern: %w", err)
		}
		r.deny = re
	}
	return &r, nil
}

// Allowed reports whether cs passes the rules: the deny pattern, if present,
// must not match, and the allow pattern, if present, must match.
func (r *Rules) Allowed(cs string) bool {
	if r == nil {
		return true
	}
	if r.deny != nil && r.deny.MatchString(cs) {
		return false
	}
	if r.allow != nil && !r.allow.MatchString(cs) {
		return false
	}
	return true
}
