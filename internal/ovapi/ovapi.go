// Package ovapi holds decoding helpers for the polling API's loosely typed
// JSON. The same field can arrive as a number, a string, or garbage depending
// on the upstream, and one bad record must not fail the payload it sits in.
package ovapi

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Float is a numeric field that tolerates string encoding. The zero value
// and anything unparseable report ok=false, so callers skip the record
// instead of aborting the surrounding decode.
type Float struct {
	value float64
	valid bool
}

// UnmarshalJSON never returns an error; bad input leaves the value unusable.
func (f *Float) UnmarshalJSON(b []byte) error {
	*f = Float{}
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		return nil
	}
	if s[0] == '"' {
		var raw string
		if json.Unmarshal(b, &raw) != nil {
			return nil
		}
		s = strings.TrimSpace(raw)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	*f = Float{value: v, valid: true}
	return nil
}

// Value returns the decoded number and whether it is usable.
func (f Float) Value() (float64, bool) {
	return f.value, f.valid
}

// String is a text field that tolerates a bare number. Non-scalar values
// decode to the empty string.
type String string

// UnmarshalJSON never returns an error.
func (s *String) UnmarshalJSON(b []byte) error {
	*s = ""
	t := strings.TrimSpace(string(b))
	if t == "" || t == "null" {
		return nil
	}
	if t[0] == '"' {
		var raw string
		if json.Unmarshal(b, &raw) == nil {
			*s = String(raw)
		}
		return nil
	}
	if _, err := strconv.ParseFloat(t, 64); err == nil {
		*s = String(t)
	}
	return nil
}

func (s String) String() string { return string(s) }
