package signature

import (
	"encoding/json"
	"math"

	"github.com/fuzztriage/fuzztriage/internal/crashinfo"
)

// Wildcard frame patterns in a stackFrames symptom.
const (
	WildcardOne  = "?"   // exactly one frame
	WildcardSome = "??"  // one or more frames
	WildcardAny  = "???" // zero or more frames
)

// MaxDiffDepth is the largest number of frame edits Diff will propose.
const MaxDiffDepth = 3

// StackFramesSymptom matches a sequence of frames from the top of the stack.
// The pattern may match a prefix of the backtrace.
type StackFramesSymptom struct {
	Functions []StringMatch
}

func (s *StackFramesSymptom) Type() string { return TypeStackFrames }

func (s *StackFramesSymptom) Matches(ci *crashinfo.CrashInfo) bool {
	return matchFrames(s.Functions, ci.Backtrace)
}

func (s *StackFramesSymptom) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type          string        `json:"type"`
		FunctionNames []StringMatch `json:"functionNames"`
	}{TypeStackFrames, s.Functions})
}

type wildKind int

const (
	wildNone wildKind = iota
	wildOne
	wildSome
	wildAny
)

func wildcardOf(m StringMatch) wildKind {
	if m.IsRegex() {
		return wildNone
	}
	switch m.Value {
	case WildcardOne:
		return wildOne
	case WildcardSome:
		return wildSome
	case WildcardAny:
		return wildAny
	}
	return wildNone
}

func matchFrames(pattern []StringMatch, frames []string) bool {
	if len(pattern) == 0 {
		return true
	}
	switch wildcardOf(pattern[0]) {
	case wildOne:
		return len(frames) > 0 && matchFrames(pattern[1:], frames[1:])
	case wildSome, wildAny:
		start := 0
		if wildcardOf(pattern[0]) == wildSome {
			start = 1
		}
		for i := start; i <= len(frames); i++ {
			if matchFrames(pattern[1:], frames[i:]) {
				return true
			}
		}
		return false
	}
	if len(frames) == 0 || !pattern[0].Matches(frames[0]) {
		return false
	}
	return matchFrames(pattern[1:], frames[1:])
}

type diffOp uint8

const (
	opNone        diffOp = iota
	opKeepConsume        // pattern element consumes one frame
	opKeepEmpty          // zero-or-more wildcard consumes nothing
	opExtend             // wildcard consumes one more frame
	opSubstitute         // mismatching element becomes "?"
	opDrop               // pattern element missing from the stack becomes "???"
	opInsert             // extra stack frame gets a "?"
)

// Diff aligns the pattern with frames and proposes the cheapest broadened
// pattern that matches them. It returns the edit distance and the proposal,
// or a nil proposal when more than MaxDiffDepth edits are needed or no
// concrete frame would remain.
func (s *StackFramesSymptom) Diff(frames []string) (int, *StackFramesSymptom) {
	m, n := len(s.Functions), len(frames)
	inf := math.MaxInt32
	dp := make([][]int, m+1)
	back := make([][]diffOp, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
		back[i] = make([]diffOp, n+1)
		for j := range dp[i] {
			dp[i][j] = inf
		}
	}
	dp[0][0] = 0
	for j := 1; j <= n; j++ {
		dp[0][j] = j
		back[0][j] = opInsert
	}

	relax := func(i, j, cost int, op diffOp) {
		if cost < dp[i][j] {
			dp[i][j] = cost
			back[i][j] = op
		}
	}

	for i := 1; i <= m; i++ {
		p := s.Functions[i-1]
		kind := wildcardOf(p)
		for j := 0; j <= n; j++ {
			switch kind {
			case wildAny:
				relax(i, j, dp[i-1][j], opKeepEmpty)
				if j > 0 && dp[i][j-1] < inf {
					relax(i, j, dp[i][j-1], opExtend)
				}
			case wildSome:
				if j > 0 {
					relax(i, j, dp[i-1][j-1], opKeepConsume)
					if dp[i][j-1] < inf {
						relax(i, j, dp[i][j-1], opExtend)
					}
				}
			case wildOne:
				if j > 0 {
					relax(i, j, dp[i-1][j-1], opKeepConsume)
				}
				if dp[i-1][j] < inf {
					relax(i, j, dp[i-1][j]+1, opDrop)
				}
			default:
				if j > 0 && dp[i-1][j-1] < inf {
					if p.Matches(frames[j-1]) {
						relax(i, j, dp[i-1][j-1], opKeepConsume)
					} else {
						relax(i, j, dp[i-1][j-1]+1, opSubstitute)
					}
				}
				if dp[i-1][j] < inf {
					relax(i, j, dp[i-1][j]+1, opDrop)
				}
				if j > 0 && dp[i][j-1] < inf {
					relax(i, j, dp[i][j-1]+1, opInsert)
				}
			}
		}
	}

	// The pattern only has to match a prefix of the stack. On ties the
	// longest alignment wins so trailing concrete frames are kept.
	bestJ := 0
	for j := 1; j <= n; j++ {
		if dp[m][j] <= dp[m][bestJ] {
			bestJ = j
		}
	}
	cost := dp[m][bestJ]
	if cost > MaxDiffDepth {
		return cost, nil
	}

	var rev []StringMatch
	for i, j := m, bestJ; i > 0 || j > 0; {
		switch back[i][j] {
		case opKeepConsume:
			rev = append(rev, s.Functions[i-1])
			i, j = i-1, j-1
		case opKeepEmpty:
			rev = append(rev, s.Functions[i-1])
			i--
		case opExtend:
			j--
		case opSubstitute:
			rev = append(rev, LiteralMatch(WildcardOne))
			i, j = i-1, j-1
		case opDrop:
			rev = append(rev, LiteralMatch(WildcardAny))
			i--
		case opInsert:
			rev = append(rev, LiteralMatch(WildcardOne))
			j--
		default:
			return cost, nil
		}
	}
	proposal := make([]StringMatch, len(rev))
	for k := range rev {
		proposal[k] = rev[len(rev)-1-k]
	}

	proposal = normalizeWildcards(proposal)
	concrete := false
	for _, f := range proposal {
		if wildcardOf(f) == wildNone {
			concrete = true
			break
		}
	}
	if !concrete {
		return cost, nil
	}
	return cost, &StackFramesSymptom{Functions: proposal}
}

// normalizeWildcards collapses runs of adjacent wildcards into the shortest
// equivalent sequence and drops a trailing zero-or-more run.
func normalizeWildcards(in []StringMatch) []StringMatch {
	var out []StringMatch
	flush := func(ones int, some, anyRun bool) {
		switch {
		case !some && !anyRun:
			for k := 0; k < ones; k++ {
				out = append(out, LiteralMatch(WildcardOne))
			}
		default:
			minFrames := ones
			if some {
				minFrames++
			}
			if minFrames == 0 {
				out = append(out, LiteralMatch(WildcardAny))
				return
			}
			for k := 0; k < minFrames-1; k++ {
				out = append(out, LiteralMatch(WildcardOne))
			}
			out = append(out, LiteralMatch(WildcardSome))
		}
	}

	ones, some, anyRun := 0, false, false
	inRun := false
	for _, f := range in {
		switch wildcardOf(f) {
		case wildOne:
			ones++
			inRun = true
		case wildSome:
			some = true
			inRun = true
		case wildAny:
			anyRun = true
			inRun = true
		default:
			if inRun {
				flush(ones, some, anyRun)
				ones, some, anyRun, inRun = 0, false, false, false
			}
			out = append(out, f)
		}
	}
	if inRun && !(ones == 0 && !some) {
		flush(ones, some, anyRun)
	}
	return out
}
