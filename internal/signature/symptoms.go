package signature

import (
	"encoding/json"
	"fmt"

	"github.com/fuzztriage/fuzztriage/internal/crashinfo"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

// Symptom type tags as they appear in signature JSON.
const (
	TypeOutput       = "output"
	TypeStackFrame   = "stackFrame"
	TypeStackFrames  = "stackFrames"
	TypeCrashAddress = "crashAddress"
	TypeInstruction  = "instruction"
	TypeTestcase     = "testcase"
	TypeStackSize    = "stackSize"
)

// Symptom is one condition a crash must satisfy to match a signature.
type Symptom interface {
	Type() string
	Matches(ci *crashinfo.CrashInfo) bool
}

// OutputSymptom matches a line of raw output. An empty Source searches every stream.
type OutputSymptom struct {
	Source types.OutputSource
	Value  StringMatch
}

func (s *OutputSymptom) Type() string { return TypeOutput }

func (s *OutputSymptom) Sources() []types.OutputSource {
	if s.Source == "" {
		return types.AllOutputSources
	}
	return []types.OutputSource{s.Source}
}

func (s *OutputSymptom) Matches(ci *crashinfo.CrashInfo) bool {
	for _, src := range s.Sources() {
		for _, line := range ci.Lines(src) {
			if s.Value.Matches(line) {
				return true
			}
		}
	}
	return false
}

func (s *OutputSymptom) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  string             `json:"type"`
		Src   types.OutputSource `json:"src,omitempty"`
		Value StringMatch        `json:"value"`
	}{TypeOutput, s.Source, s.Value})
}

// StackFrameSymptom matches a single frame, optionally at a given depth.
type StackFrameSymptom struct {
	Function StringMatch
	Frame    *NumberMatch
}

func (s *StackFrameSymptom) Type() string { return TypeStackFrame }

func (s *StackFrameSymptom) Matches(ci *crashinfo.CrashInfo) bool {
	for idx, frame := range ci.Backtrace {
		if s.Frame != nil && !s.Frame.Matches(uint64(idx)) {
			continue
		}
		if s.Function.Matches(frame) {
			return true
		}
	}
	return false
}

func (s *StackFrameSymptom) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type         string       `json:"type"`
		FunctionName StringMatch  `json:"functionName"`
		FrameNumber  *NumberMatch `json:"frameNumber,omitempty"`
	}{TypeStackFrame, s.Function, s.Frame})
}

// CrashAddressSymptom matches the faulting address.
type CrashAddressSymptom struct {
	Address NumberMatch
}

func (s *CrashAddressSymptom) Type() string { return TypeCrashAddress }

func (s *CrashAddressSymptom) Matches(ci *crashinfo.CrashInfo) bool {
	return ci.CrashAddress != nil && s.Address.Matches(*ci.CrashAddress)
}

func (s *CrashAddressSymptom) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string      `json:"type"`
		Address NumberMatch `json:"address"`
	}{TypeCrashAddress, s.Address})
}

// InstructionSymptom matches the faulting instruction.
type InstructionSymptom struct {
	Instruction StringMatch
}

func (s *InstructionSymptom) Type() string { return TypeInstruction }

func (s *InstructionSymptom) Matches(ci *crashinfo.CrashInfo) bool {
	return ci.CrashInstruction != "" && s.Instruction.Matches(ci.CrashInstruction)
}

func (s *InstructionSymptom) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type            string      `json:"type"`
		InstructionName StringMatch `json:"instructionName"`
	}{TypeInstruction, s.Instruction})
}

// TestcaseSymptom matches a line of the attached testcase.
type TestcaseSymptom struct {
	Value StringMatch
}

func (s *TestcaseSymptom) Type() string { return TypeTestcase }

func (s *TestcaseSymptom) Matches(ci *crashinfo.CrashInfo) bool {
	for _, line := range ci.TestCase {
		if s.Value.Matches(line) {
			return true
		}
	}
	return false
}

func (s *TestcaseSymptom) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  string      `json:"type"`
		Value StringMatch `json:"value"`
	}{TypeTestcase, s.Value})
}

// StackSizeSymptom matches the backtrace length.
type StackSizeSymptom struct {
	Size NumberMatch
}

func (s *StackSizeSymptom) Type() string { return TypeStackSize }

func (s *StackSizeSymptom) Matches(ci *crashinfo.CrashInfo) bool {
	return s.Size.Matches(uint64(len(ci.Backtrace)))
}

func (s *StackSizeSymptom) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string      `json:"type"`
		Size NumberMatch `json:"size"`
	}{TypeStackSize, s.Size})
}

// parseSymptom decodes one symptom object.
func parseSymptom(raw json.RawMessage) (Symptom, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("symptom must be an object")
	}
	var typ string
	if err := decodeField(fields, "type", &typ); err != nil {
		return nil, err
	}

	switch typ {
	case TypeOutput:
		s := &OutputSymptom{}
		if err := decodeField(fields, "value", &s.Value); err != nil {
			return nil, err
		}
		if _, ok := fields["src"]; ok {
			if err := decodeField(fields, "src", &s.Source); err != nil {
				return nil, err
			}
			if !s.Source.IsValid() {
				return nil, fmt.Errorf("invalid output source %q", s.Source)
			}
		}
		return s, nil

	case TypeStackFrame:
		s := &StackFrameSymptom{}
		if err := decodeField(fields, "functionName", &s.Function); err != nil {
			return nil, err
		}
		if _, ok := fields["frameNumber"]; ok {
			var n NumberMatch
			if err := decodeField(fields, "frameNumber", &n); err != nil {
				return nil, err
			}
			s.Frame = &n
		}
		return s, nil

	case TypeStackFrames:
		s := &StackFramesSymptom{}
		if err := decodeField(fields, "functionNames", &s.Functions); err != nil {
			return nil, err
		}
		if len(s.Functions) == 0 {
			return nil, fmt.Errorf("stackFrames symptom needs at least one function name")
		}
		return s, nil

	case TypeCrashAddress:
		s := &CrashAddressSymptom{}
		if err := decodeField(fields, "address", &s.Address); err != nil {
			return nil, err
		}
		return s, nil

	case TypeInstruction:
		s := &InstructionSymptom{}
		if err := decodeField(fields, "instructionName", &s.Instruction); err != nil {
			return nil, err
		}
		return s, nil

	case TypeTestcase:
		s := &TestcaseSymptom{}
		if err := decodeField(fields, "value", &s.Value); err != nil {
			return nil, err
		}
		return s, nil

	case TypeStackSize:
		s := &StackSizeSymptom{}
		if err := decodeField(fields, "size", &s.Size); err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown symptom type %q", typ)
}

func decodeField(fields map[string]json.RawMessage, name string, dst any) error {
	raw, ok := fields[name]
	if !ok {
		return fmt.Errorf("missing mandatory field %q", name)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("field %q: %w", name, err)
	}
	return nil
}
