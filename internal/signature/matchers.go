package signature

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// StringMatch matches a string either by substring or, when written as
// "/expr/", by regular expression.
type StringMatch struct {
	Value string
	re    *regexp.Regexp
}

// NewStringMatch parses a string match from its signature form.
func NewStringMatch(s string) (StringMatch, error) {
	if len(s) >= 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") {
		re, err := regexp.Compile(s[1 : len(s)-1])
		if err != nil {
			return StringMatch{}, fmt.Errorf("invalid regular expression %q: %w", s, err)
		}
		return StringMatch{Value: s[1 : len(s)-1], re: re}, nil
	}
	return StringMatch{Value: s}, nil
}

// LiteralMatch returns a substring match for s.
func LiteralMatch(s string) StringMatch {
	return StringMatch{Value: s}
}

// IsRegex reports whether the match is a regular expression.
func (m StringMatch) IsRegex() bool {
	return m.re != nil
}

// Matches tests s against the match.
func (m StringMatch) Matches(s string) bool {
	if m.re != nil {
		return m.re.MatchString(s)
	}
	return strings.Contains(s, m.Value)
}

// String returns the signature form.
func (m StringMatch) String() string {
	if m.re != nil {
		return "/" + m.Value + "/"
	}
	return m.Value
}

func (m StringMatch) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *StringMatch) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := NewStringMatch(s)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	}
	// Object form: {"value": "...", "matchType": "pcre"|"contains"}
	var obj struct {
		Value     *string `json:"value"`
		MatchType string  `json:"matchType"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("string match must be a string or object")
	}
	if obj.Value == nil {
		return fmt.Errorf("string match object is missing value")
	}
	switch obj.MatchType {
	case "", "contains":
		*m = LiteralMatch(*obj.Value)
	case "pcre":
		parsed, err := NewStringMatch("/" + *obj.Value + "/")
		if err != nil {
			return err
		}
		*m = parsed
	default:
		return fmt.Errorf("unknown string match type %q", obj.MatchType)
	}
	return nil
}

// Comparison operators accepted by NumberMatch.
const (
	OpEq = "=="
	OpLt = "<"
	OpLe = "<="
	OpGt = ">"
	OpGe = ">="
)

// NumberMatch compares a number against a value with an operator. Values may
// be written in decimal or 0x-prefixed hex.
type NumberMatch struct {
	Op    string
	Value uint64
	hex   bool
}

// NewNumberMatch parses forms like "0x10", "< 0x100", ">=3" or "7".
func NewNumberMatch(s string) (NumberMatch, error) {
	s = strings.TrimSpace(s)
	op := OpEq
	for _, candidate := range []string{OpLe, OpGe, OpEq, OpLt, OpGt} {
		if strings.HasPrefix(s, candidate) {
			op = candidate
			s = strings.TrimSpace(s[len(candidate):])
			break
		}
	}
	m := NumberMatch{Op: op}
	var err error
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		m.hex = true
		m.Value, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		m.Value, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return NumberMatch{}, fmt.Errorf("invalid number match %q", s)
	}
	return m, nil
}

// ExactNumber returns an equality match for v.
func ExactNumber(v uint64, hex bool) NumberMatch {
	return NumberMatch{Op: OpEq, Value: v, hex: hex}
}

// Matches tests v against the match.
func (m NumberMatch) Matches(v uint64) bool {
	switch m.Op {
	case OpLt:
		return v < m.Value
	case OpLe:
		return v <= m.Value
	case OpGt:
		return v > m.Value
	case OpGe:
		return v >= m.Value
	default:
		return v == m.Value
	}
}

func (m NumberMatch) String() string {
	num := strconv.FormatUint(m.Value, 10)
	if m.hex {
		num = fmt.Sprintf("0x%x", m.Value)
	}
	if m.Op == OpEq {
		return num
	}
	return m.Op + " " + num
}

func (m NumberMatch) MarshalJSON() ([]byte, error) {
	if m.Op == OpEq && !m.hex {
		return json.Marshal(m.Value)
	}
	return json.Marshal(m.String())
}

func (m *NumberMatch) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		*m = ExactNumber(n, false)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("number match must be a number or string")
	}
	parsed, err := NewNumberMatch(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
