package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzztriage/fuzztriage/internal/types"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestBuildSubmission(t *testing.T) {
	sub, err := buildSubmission(submitFlags{
		tool:         "libfuzzer",
		product:      "firefox",
		stderrFile:   writeTemp(t, "stderr", "==1==ERROR: AddressSanitizer"),
		testCaseFile: writeTemp(t, "test.html", "<html>"),
		quality:      5,
		bucket:       3,
	})
	require.NoError(t, err)
	assert.Equal(t, "libfuzzer", sub.Tool)
	assert.Equal(t, "firefox", sub.Product)
	assert.Equal(t, "==1==ERROR: AddressSanitizer", sub.Stderr)
	assert.Empty(t, sub.Stdout)
	require.NotNil(t, sub.TestCase)
	assert.Equal(t, "<html>", sub.TestCase.Content)
	assert.Equal(t, 5, sub.TestCase.Quality)
	require.NotNil(t, sub.BucketID)
	assert.Equal(t, int64(3), *sub.BucketID)
}

func TestBuildSubmissionErrors(t *testing.T) {
	_, err := buildSubmission(submitFlags{})
	assert.ErrorContains(t, err, "--tool is required")

	_, err = buildSubmission(submitFlags{tool: "afl", stdoutFile: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}

func TestDecodeSubmission(t *testing.T) {
	path := writeTemp(t, "crash.json", `{"tool":"afl","stderr":"X","testcase":"abc","testcase_quality":2}`)
	sub, err := decodeSubmission(path)
	require.NoError(t, err)
	assert.Equal(t, "afl", sub.Tool)
	require.NotNil(t, sub.TestCase)
	assert.Equal(t, 2, sub.TestCase.Quality)

	_, err = decodeSubmission(writeTemp(t, "bad.json", `{"tool":"afl"}`))
	assert.Error(t, err)
}

func TestRenderCrashTruncates(t *testing.T) {
	lines := make([]string, 200)
	for i := range lines {
		lines[i] = "frame"
	}
	bucket := int64(4)
	c := &types.CrashEntry{
		ID:             9,
		BucketID:       &bucket,
		ShortSignature: "AddressSanitizer: heap-use-after-free",
		RawStderr:      strings.Join(lines, "\n"),
		TestCase:       &types.TestCase{Quality: 1, Size: 10},
	}

	short := renderCrash(c, "afl", false)
	full := renderCrash(c, "afl", true)
	assert.Contains(t, short, "heap-use-after-free")
	assert.Contains(t, short, "afl")
	assert.Less(t, strings.Count(short, "frame"), 200)
	assert.Equal(t, 200, strings.Count(full, "frame"))
}
