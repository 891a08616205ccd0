// Package signature implements symptom-based crash signatures.
//
// A signature is a JSON document listing symptoms that must all hold for a
// crash to match, optionally restricted to platforms, operating systems and
// products:
//
//	{
//	  "symptoms": [
//	    {"type": "output", "src": "stderr", "value": "/ERROR: AddressSanitizer/"},
//	    {"type": "stackFrames", "functionNames": ["js::gc::Mark", "?", "js::Interpret"]}
//	  ],
//	  "platforms": ["x86-64"]
//	}
//
// String values written as "/expr/" are regular expressions; anything else is
// a substring match.
package signature

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/fuzztriage/fuzztriage/internal/crashinfo"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

// ValidationError reports a signature that failed to parse.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return "invalid signature: " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err carries a signature ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Signature is a parsed crash signature.
type Signature struct {
	Symptoms         []Symptom
	Platforms        []string
	OperatingSystems []string
	Products         []string
}

type signatureJSON struct {
	Symptoms         []json.RawMessage `json:"symptoms"`
	Platforms        []string          `json:"platforms,omitempty"`
	OperatingSystems []string          `json:"operatingSystems,omitempty"`
	Products         []string          `json:"products,omitempty"`
}

// Parse parses signature JSON. Any failure is returned as *ValidationError.
func Parse(text string) (*Signature, error) {
	var raw signatureJSON
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("malformed JSON: %v", err), Err: err}
	}
	if len(raw.Symptoms) == 0 {
		return nil, &ValidationError{Reason: "signature has no symptoms"}
	}

	sig := &Signature{
		Platforms:        raw.Platforms,
		OperatingSystems: raw.OperatingSystems,
		Products:         raw.Products,
	}
	for i, rs := range raw.Symptoms {
		s, err := parseSymptom(rs)
		if err != nil {
			return nil, &ValidationError{Reason: fmt.Sprintf("symptom %d: %v", i, err), Err: err}
		}
		sig.Symptoms = append(sig.Symptoms, s)
	}
	return sig, nil
}

// MustParse is Parse for signatures known to be valid. It panics on error.
func MustParse(text string) *Signature {
	sig, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return sig
}

// MarshalJSON encodes the signature in its document form.
func (s *Signature) MarshalJSON() ([]byte, error) {
	symptoms := make([]json.RawMessage, 0, len(s.Symptoms))
	for _, sym := range s.Symptoms {
		data, err := json.Marshal(sym)
		if err != nil {
			return nil, err
		}
		symptoms = append(symptoms, data)
	}
	return json.Marshal(signatureJSON{
		Symptoms:         symptoms,
		Platforms:        s.Platforms,
		OperatingSystems: s.OperatingSystems,
		Products:         s.Products,
	})
}

var htmlUnescaper = strings.NewReplacer(`\u003c`, "<", `\u003e`, ">", `\u0026`, "&")

// String returns the signature as indented JSON.
func (s *Signature) String() string {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf("<unencodable signature: %v>", err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return string(data)
	}
	return htmlUnescaper.Replace(out.String())
}

// Matches reports whether the crash satisfies the configuration
// restrictions and every symptom.
func (s *Signature) Matches(ci *crashinfo.CrashInfo) bool {
	if !s.matchesConfig(ci) {
		return false
	}
	for _, sym := range s.Symptoms {
		if !sym.Matches(ci) {
			return false
		}
	}
	return true
}

func (s *Signature) matchesConfig(ci *crashinfo.CrashInfo) bool {
	return restrictionHolds(s.Platforms, ci.Config.Platform) &&
		restrictionHolds(s.OperatingSystems, ci.Config.OS) &&
		restrictionHolds(s.Products, ci.Config.Product)
}

func restrictionHolds(allowed []string, value string) bool {
	return len(allowed) == 0 || slices.Contains(allowed, value)
}

// MatchRequiresTest reports whether matching needs testcase content.
func (s *Signature) MatchRequiresTest() bool {
	for _, sym := range s.Symptoms {
		if sym.Type() == TypeTestcase {
			return true
		}
	}
	return false
}

// RequiredOutputSources returns the raw output streams matching reads, in
// canonical order.
func (s *Signature) RequiredOutputSources() []types.OutputSource {
	need := make(map[types.OutputSource]bool)
	for _, sym := range s.Symptoms {
		if out, ok := sym.(*OutputSymptom); ok {
			for _, src := range out.Sources() {
				need[src] = true
			}
		}
	}
	var sources []types.OutputSource
	for _, src := range types.AllOutputSources {
		if need[src] {
			sources = append(sources, src)
		}
	}
	return sources
}

// Projection returns the storage projection matching needs.
func (s *Signature) Projection() types.Projection {
	return types.ProjectionFor(s.RequiredOutputSources(), s.MatchRequiresTest())
}
