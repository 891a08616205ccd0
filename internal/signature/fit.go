package signature

import (
	"errors"
	"fmt"
	"regexp"
	"slices"

	"github.com/fuzztriage/fuzztriage/internal/crashinfo"
)

// Fit returns a broadened copy of the signature that matches ci. Symptoms
// that already match are kept, stackFrames symptoms are widened with
// wildcards where the stack differs, and other mismatching symptoms and
// configuration restrictions are dropped. Fit returns nil when no symptom
// survives.
func (s *Signature) Fit(ci *crashinfo.CrashInfo) *Signature {
	fitted := &Signature{}
	for _, sym := range s.Symptoms {
		if sym.Matches(ci) {
			fitted.Symptoms = append(fitted.Symptoms, sym)
			continue
		}
		if frames, ok := sym.(*StackFramesSymptom); ok {
			if _, proposal := frames.Diff(ci.Backtrace); proposal != nil {
				fitted.Symptoms = append(fitted.Symptoms, proposal)
			}
		}
	}
	if len(fitted.Symptoms) == 0 {
		return nil
	}
	if restrictionHolds(s.Platforms, ci.Config.Platform) {
		fitted.Platforms = slices.Clone(s.Platforms)
	}
	if restrictionHolds(s.OperatingSystems, ci.Config.OS) {
		fitted.OperatingSystems = slices.Clone(s.OperatingSystems)
	}
	if restrictionHolds(s.Products, ci.Config.Product) {
		fitted.Products = slices.Clone(s.Products)
	}
	return fitted
}

// Distance estimates how far ci is from matching the signature: one per
// mismatching symptom or restriction, and the frame edit distance for
// stackFrames symptoms. Zero means the signature matches.
func (s *Signature) Distance(ci *crashinfo.CrashInfo) int {
	distance := 0
	for _, sym := range s.Symptoms {
		if sym.Matches(ci) {
			continue
		}
		if frames, ok := sym.(*StackFramesSymptom); ok {
			d, proposal := frames.Diff(ci.Backtrace)
			if proposal == nil && d <= MaxDiffDepth {
				d = MaxDiffDepth + 1
			}
			distance += d
			continue
		}
		distance++
	}
	if !restrictionHolds(s.Platforms, ci.Config.Platform) {
		distance++
	}
	if !restrictionHolds(s.OperatingSystems, ci.Config.OS) {
		distance++
	}
	if !restrictionHolds(s.Products, ci.Config.Product) {
		distance++
	}
	return distance
}

// CreateOptions tunes FromCrashInfo.
type CreateOptions struct {
	MaxFrames             int  // frames in the stackFrames symptom (default 8)
	ForceCrashAddress     bool // always add an exact crash address symptom
	ForceCrashInstruction bool // always add an instruction symptom
}

// DefaultMaxFrames is the stackFrames length FromCrashInfo uses by default.
const DefaultMaxFrames = 8

// NullDerefThreshold bounds addresses treated as near-null dereferences.
const NullDerefThreshold = 0x100

// ErrNoSymptoms is returned when a crash offers nothing to build a signature from.
var ErrNoSymptoms = errors.New("crash has no usable symptoms")

// FromCrashInfo proposes a new signature for ci: the abort message (or
// sanitizer summary) as an output symptom, the top stack frames, and the
// crash address when it is near-null or forced.
func FromCrashInfo(ci *crashinfo.CrashInfo, opts CreateOptions) (*Signature, error) {
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = DefaultMaxFrames
	}
	sig := &Signature{}

	switch {
	case ci.AbortMessage != "":
		sig.Symptoms = append(sig.Symptoms, &OutputSymptom{Value: exactLineMatch(ci.AbortMessage)})
	case ci.SanitizerSummary != "":
		sig.Symptoms = append(sig.Symptoms, &OutputSymptom{Value: exactLineMatch(ci.SanitizerSummary)})
	}

	if len(ci.Backtrace) > 0 {
		n := min(len(ci.Backtrace), opts.MaxFrames)
		functions := make([]StringMatch, 0, n)
		concrete := false
		for _, frame := range ci.Backtrace[:n] {
			if frame == "" || frame == "??" {
				functions = append(functions, LiteralMatch(WildcardOne))
				continue
			}
			functions = append(functions, LiteralMatch(frame))
			concrete = true
		}
		if concrete {
			sig.Symptoms = append(sig.Symptoms, &StackFramesSymptom{Functions: normalizeWildcards(functions)})
		}
	}

	if ci.CrashAddress != nil {
		switch {
		case opts.ForceCrashAddress:
			sig.Symptoms = append(sig.Symptoms, &CrashAddressSymptom{Address: ExactNumber(*ci.CrashAddress, true)})
		case ci.AbortMessage == "" && *ci.CrashAddress < NullDerefThreshold:
			sig.Symptoms = append(sig.Symptoms, &CrashAddressSymptom{
				Address: NumberMatch{Op: OpLt, Value: NullDerefThreshold, hex: true},
			})
		}
	}

	if opts.ForceCrashInstruction && ci.CrashInstruction != "" {
		sig.Symptoms = append(sig.Symptoms, &InstructionSymptom{Instruction: LiteralMatch(ci.CrashInstruction)})
	}

	if len(sig.Symptoms) == 0 {
		return nil, fmt.Errorf("create signature: %w", ErrNoSymptoms)
	}
	return sig, nil
}

// exactLineMatch builds a match for text that survives JSON round trips
// even when text itself looks like "/.../".
func exactLineMatch(text string) StringMatch {
	m := LiteralMatch(text)
	if len(text) >= 2 && text[0] == '/' && text[len(text)-1] == '/' {
		m, _ = NewStringMatch("/" + regexp.QuoteMeta(text) + "/")
	}
	return m
}
