// Package masking implements policy-driven redaction of sensitive values in
// captured API records. The transform is a pure recursive walk over decoded
// JSON trees (maps, slices, scalars): only string scalars are ever rewritten,
// structure and non-string scalars pass through untouched.
//
// Masking is idempotent — already-masked output matches the policy's own
// replacement patterns, so running the engine twice yields the same bytes.
package masking

import (
	"fmt"
	"regexp"
	"strings"
)

// MaskedToken is the literal replacement used when the policy does not
// preserve value length.
const MaskedToken = "[MASKED]"

// Built-in value patterns. Connection strings are matched on scheme://
// URLs carrying credentials and on key=value credential fragments.
var (
	emailPattern   = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	ipv4Pattern    = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	connStrPattern = regexp.MustCompile(`(?i)\b(?:[a-z][a-z0-9+.-]*://[^\s@]+@[^\s]+|(?:password|pwd|accountkey|sharedaccesskey)=[^\s;]+)`)
)

// Default field names treated as sensitive when masking is enabled, in
// addition to any configured custom fields.
var defaultSensitiveFields = []string{
	"password", "passwd", "secret", "token", "authorization",
	"api_key", "apikey", "access_key", "secret_key", "credit_card", "ssn",
}

// Policy is the declarative masking configuration. The zero value disables
// masking entirely. Use Validate before handing a policy to an Engine.
type Policy struct {
	Enabled        bool              `yaml:"enabled"`
	ApplyOnIngest  bool              `yaml:"applyOnIngest"`
	MaskingChar    string            `yaml:"maskingChar"`
	PreserveLength bool              `yaml:"preserveLength"`
	ShowLastChars  int               `yaml:"showLastChars"`
	MaskEmails     bool              `yaml:"maskEmails"`
	MaskIPs        bool              `yaml:"maskIPs"`
	MaskConnStrs   bool              `yaml:"maskConnectionStrings"`
	CustomFields   []string          `yaml:"customFields"`
	ExemptFields   []string          `yaml:"exemptFields"`
	CustomPatterns map[string]string `yaml:"customPatterns"`
}

// Validate checks the policy for configuration errors and returns them all.
// Warnings (field listed as both custom and exempt — exempt wins) are
// returned separately so the caller can log them without failing startup.
func (p *Policy) Validate() (warnings []string, errs []string) {
	if p.ShowLastChars < 0 {
		errs = append(errs, fmt.Sprintf("dataMasking.showLastChars must be non-negative, got %d", p.ShowLastChars))
	}
	if len(p.MaskingChar) > 1 {
		errs = append(errs, fmt.Sprintf("dataMasking.maskingChar must be a single character, got %q", p.MaskingChar))
	}
	for label, expr := range p.CustomPatterns {
		if _, err := regexp.Compile(expr); err != nil {
			errs = append(errs, fmt.Sprintf("dataMasking.customPatterns[%s]: invalid regular expression: %v", label, err))
		}
	}
	exempt := make(map[string]struct{}, len(p.ExemptFields))
	for _, f := range p.ExemptFields {
		exempt[strings.ToLower(f)] = struct{}{}
	}
	for _, f := range p.CustomFields {
		if _, ok := exempt[strings.ToLower(f)]; ok {
			warnings = append(warnings, fmt.Sprintf("dataMasking: field %q is both custom and exempt — exempt wins", f))
		}
	}
	return warnings, errs
}

// Engine applies a compiled Policy to record trees. Engines are immutable
// and safe for concurrent use.
type Engine struct {
	policy   Policy
	maskChar string
	fields   map[string]struct{} // lowercased sensitive field names
	exempt   map[string]struct{} // lowercased exempt field names
	patterns []*regexp.Regexp
}

// New compiles a policy into an Engine. The policy must have passed
// Validate; invalid custom patterns are skipped here rather than panicking.
func New(policy Policy) *Engine {
	e := &Engine{
		policy:   policy,
		maskChar: policy.MaskingChar,
		fields:   make(map[string]struct{}),
		exempt:   make(map[string]struct{}),
	}
	if e.maskChar == "" {
		e.maskChar = "*"
	}
	for _, f := range defaultSensitiveFields {
		e.fields[f] = struct{}{}
	}
	for _, f := range policy.CustomFields {
		e.fields[strings.ToLower(f)] = struct{}{}
	}
	for _, f := range policy.ExemptFields {
		e.exempt[strings.ToLower(f)] = struct{}{}
	}
	if policy.MaskEmails {
		e.patterns = append(e.patterns, emailPattern)
	}
	if policy.MaskIPs {
		e.patterns = append(e.patterns, ipv4Pattern)
	}
	if policy.MaskConnStrs {
		e.patterns = append(e.patterns, connStrPattern)
	}
	for _, expr := range policy.CustomPatterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			continue
		}
		e.patterns = append(e.patterns, re)
	}
	return e
}

// Enabled reports whether the engine performs any masking at all.
func (e *Engine) Enabled() bool { return e.policy.Enabled }

// Mask returns a masked deep copy of v. The input is never mutated.
// Maps keep their keys, slices keep their order and length, and any
// non-string scalar (numbers, bools, nil, time values) is returned as is.
func (e *Engine) Mask(v any) any {
	if !e.policy.Enabled {
		return v
	}
	return e.walk(v, false)
}

// MaskString applies only the value-pattern rules to a single string.
// Used for flat fields (query strings, header blobs) that are stored as
// text rather than decoded trees.
func (e *Engine) MaskString(s string) string {
	if !e.policy.Enabled {
		return s
	}
	return e.applyPatterns(s)
}

func (e *Engine) walk(v any, sensitive bool) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = e.walk(child, sensitive || e.isSensitiveField(k))
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = e.walk(child, sensitive)
		}
		return out
	case string:
		if sensitive {
			return e.redact(val)
		}
		return e.applyPatterns(val)
	default:
		return v
	}
}

func (e *Engine) isSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	if _, ok := e.exempt[lower]; ok {
		return false
	}
	_, ok := e.fields[lower]
	return ok
}

// redact rewrites a sensitive value according to the length policy.
// ShowLastChars is capped at one below the value's length so a short
// secret is never revealed verbatim. The rewrite is naturally idempotent:
// a length-preserving mask maps a masked string onto itself, and the
// literal token is passed through.
func (e *Engine) redact(s string) string {
	if s == "" || s == MaskedToken {
		return s
	}
	if !e.policy.PreserveLength {
		return MaskedToken
	}
	keep := e.policy.ShowLastChars
	runes := []rune(s)
	if keep >= len(runes) {
		keep = len(runes) - 1
	}
	return strings.Repeat(e.maskChar, len(runes)-keep) + string(runes[len(runes)-keep:])
}

func (e *Engine) applyPatterns(s string) string {
	for _, re := range e.patterns {
		s = re.ReplaceAllString(s, MaskedToken)
	}
	return s
}
