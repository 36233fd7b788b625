package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in expected JSON matches any value, as long as the key exists.
const PresencePlaceholder = "<<PRESENCE>>"

// JSONAssertOptions controls how documents are normalized before comparing.
type JSONAssertOptions struct {
	IgnoreExtraKeys          bool     `default:"true"`
	AllowPresencePlaceholder bool     `default:"true"`
	IgnoredFields            []string `default:""`
}

// JSONOption is a functional option for configuring JSONAsserter
type JSONOption func(*JSONAssertOptions)

// JSONAsserter compares JSON documents structurally and reports a gojsondiff delta on
// mismatch.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

// NewJSONAsserter creates a JSONAsserter with default options.
func NewJSONAsserter(t TestingT, opts ...JSONOption) *JSONAsserter {
	o := JSONAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &JSONAsserter{t: t, options: o}
}

// Assert reports a diff when actual does not match expected. It returns whether they matched.
func (ja *JSONAsserter) Assert(actual, expected string) bool {
	if d := ja.Diff(actual, expected); d != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", d)
		return false
	}
	return true
}

// Diff returns a readable delta, or "" when the documents match.
func (ja *JSONAsserter) Diff(actual, expected string) string {
	var exp, act interface{}
	if err := json.Unmarshal([]byte(expected), &exp); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actual), &act); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only.
	if _, ok := exp.([]interface{}); ok {
		exp = map[string]interface{}{"array": exp}
		act = map[string]interface{}{"array": act}
	}

	walk(exp, act, func(e, a map[string]interface{}) {
		for _, f := range ja.options.IgnoredFields {
			delete(e, f)
			delete(a, f)
		}
		for k, v := range e {
			if s, ok := v.(string); ok && s == PresencePlaceholder && ja.options.AllowPresencePlaceholder {
				if av, present := a[k]; present {
					e[k] = av
				}
			}
		}
		if ja.options.IgnoreExtraKeys {
			for k := range a {
				if _, ok := e[k]; !ok {
					delete(a, k)
				}
			}
		}
	})

	expBytes, _ := json.Marshal(exp)
	actBytes, _ := json.Marshal(act)
	diff, err := gojsondiff.New().Compare(expBytes, actBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}

	var left map[string]interface{}
	_ = json.Unmarshal(expBytes, &left)
	f := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, _ := f.Format(diff)
	return out
}

// walk calls fn on every pair of objects found at the same path in expected and actual.
func walk(expected, actual interface{}, fn func(e, a map[string]interface{})) {
	switch e := expected.(type) {
	case map[string]interface{}:
		a, ok := actual.(map[string]interface{})
		if !ok {
			return
		}
		fn(e, a)
		for k := range e {
			walk(e[k], a[k], fn)
		}
	case []interface{}:
		a, ok := actual.([]interface{})
		if !ok {
			return
		}
		for i := range e {
			if i < len(a) {
				walk(e[i], a[i], fn)
			}
		}
	}
}

// WithIgnoredFields drops the named keys at every depth of both documents.
func WithIgnoredFields(fields ...string) JSONOption {
	return func(opts *JSONAssertOptions) { opts.IgnoredFields = fields }
}

// WithIgnoreExtraKeys sets whether keys present only in actual are ignored.
func WithIgnoreExtraKeys(ignore bool) JSONOption {
	return func(opts *JSONAssertOptions) { opts.IgnoreExtraKeys = ignore }
}
