package ovapi

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloatDecoding(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		want  float64
		valid bool
	}{
		{"number", `52.37`, 52.37, true},
		{"string number", `"52.37"`, 52.37, true},
		{"padded string", `" 4.9 "`, 4.9, true},
		{"negative", `-0.5`, -0.5, true},
		{"garbage string", `"abc"`, 0, false},
		{"empty string", `""`, 0, false},
		{"null", `null`, 0, false},
		{"object", `{"v": 1}`, 0, false},
		{"array", `[1]`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Float
			require.NoError(t, json.Unmarshal([]byte(tt.src), &f))
			v, ok := f.Value()
			assert.Equal(t, tt.valid, ok)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestFloatRecordSurvivesBadSibling(t *testing.T) {
	// One record's broken coordinate must not abort the whole map decode.
	var out map[string]struct {
		Latitude Float `json:"Latitude"`
	}
	src := `{"good": {"Latitude": 52.2}, "bad": {"Latitude": "abc"}}`
	require.NoError(t, json.Unmarshal([]byte(src), &out))

	v, ok := out["good"].Latitude.Value()
	assert.True(t, ok)
	assert.Equal(t, 52.2, v)
	_, ok = out["bad"].Latitude.Value()
	assert.False(t, ok)
}

func TestFloatZeroValueInvalid(t *testing.T) {
	// An absent field never looks like coordinate (0, 0).
	var out struct {
		Latitude Float `json:"Latitude"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{}`), &out))
	_, ok := out.Latitude.Value()
	assert.False(t, ok)
}

func TestStringDecoding(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"string", `"2053"`, "2053"},
		{"integer", `123`, "123"},
		{"float keeps literal", `7.0`, "7.0"},
		{"null", `null`, ""},
		{"object", `{"v": 1}`, ""},
		{"bool", `true`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s String
			require.NoError(t, json.Unmarshal([]byte(tt.src), &s))
			assert.Equal(t, tt.want, s.String())
		})
	}
}
