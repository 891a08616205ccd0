package crashinfo

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// cachedCrashInfo is the stored form of the parsed fields. Raw output and
// testcase content are not part of it; they live in their own columns.
type cachedCrashInfo struct {
	Backtrace        []string `json:"backtrace"`
	CrashAddress     string   `json:"crashAddress,omitempty"`
	CrashInstruction string   `json:"crashInstruction,omitempty"`
	AbortMessage     string   `json:"abortMessage,omitempty"`
	SanitizerSummary string   `json:"sanitizerSummary,omitempty"`
}

// Encode serializes the parsed fields of ci for the crash entry's cache column.
func Encode(ci *CrashInfo) (string, error) {
	blob := cachedCrashInfo{
		Backtrace:        ci.Backtrace,
		CrashAddress:     ci.CrashAddressString(),
		CrashInstruction: ci.CrashInstruction,
		AbortMessage:     ci.AbortMessage,
		SanitizerSummary: ci.SanitizerSummary,
	}
	if blob.Backtrace == nil {
		blob.Backtrace = []string{}
	}
	data, err := json.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("encode crash info: %w", err)
	}
	return string(data), nil
}

// Decode restores parsed fields from a cache column value.
func Decode(s string) (*CrashInfo, error) {
	var blob cachedCrashInfo
	if err := json.Unmarshal([]byte(s), &blob); err != nil {
		return nil, fmt.Errorf("decode cached crash info: %w", err)
	}
	ci := &CrashInfo{
		Backtrace:        blob.Backtrace,
		CrashInstruction: blob.CrashInstruction,
		AbortMessage:     blob.AbortMessage,
		SanitizerSummary: blob.SanitizerSummary,
	}
	if blob.CrashAddress != "" {
		addr, err := strconv.ParseUint(strings.TrimPrefix(blob.CrashAddress, "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("decode cached crash info: bad crash address %q: %w", blob.CrashAddress, err)
		}
		ci.CrashAddress = &addr
	}
	return ci, nil
}
