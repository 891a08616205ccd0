// Package types defines core data structures for the ft crash bucketing tool.
package types

import (
	"fmt"
	"strings"
	"time"
)

// MaxShortDescriptionLength bounds Bucket.ShortDescription.
const MaxShortDescriptionLength = 1023

// Bucket groups crash entries that share a symptom-based signature.
type Bucket struct {
	ID               int64     `json:"id"`
	Signature        string    `json:"signature"`                  // Signature JSON, parsed lazily by internal/signature
	ShortDescription string    `json:"shortDescription,omitempty"` // Human summary shown in listings
	BugID            *int64    `json:"bug,omitempty"`              // Linked external bug (nil = none)
	Frequent         bool      `json:"frequent,omitempty"`
	Permanent        bool      `json:"permanent,omitempty"`
	DoNotReduce      bool      `json:"doNotReduce,omitempty"`
	CreatedAt        time.Time `json:"created_at"`

	// ReassignInProgress is an advisory marker set while an asynchronous
	// full-corpus reassignment runs. It is not a lock.
	ReassignInProgress bool `json:"reassign_in_progress,omitempty"`
}

// Validate checks the bucket's plain field constraints. Signature syntax is
// checked separately by the signature package.
func (b *Bucket) Validate() error {
	if strings.TrimSpace(b.Signature) == "" {
		return fmt.Errorf("signature is required")
	}
	if len(b.ShortDescription) > MaxShortDescriptionLength {
		return fmt.Errorf("short description must be %d characters or less (got %d)",
			MaxShortDescriptionLength, len(b.ShortDescription))
	}
	return nil
}

// SameBug reports whether both buckets are linked to the same external bug.
func (b *Bucket) SameBug(other *Bucket) bool {
	if b == nil || other == nil || b.BugID == nil || other.BugID == nil {
		return false
	}
	return *b.BugID == *other.BugID
}

// CrashEntry is one stored observation of a crash.
type CrashEntry struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	BucketID  *int64    `json:"bucket,omitempty"`
	ToolID    int64     `json:"tool"`
	Product   string    `json:"product,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	OS        string    `json:"os,omitempty"`

	// Raw output. Fields not requested by a Projection are left empty and
	// RawLoaded reports which ones were actually fetched.
	RawStdout    string     `json:"rawStdout,omitempty"`
	RawStderr    string     `json:"rawStderr,omitempty"`
	RawCrashData string     `json:"rawCrashData,omitempty"`
	RawLoaded    Projection `json:"-"`

	Args           string `json:"args,omitempty"`
	Env            string `json:"env,omitempty"`
	ShortSignature string `json:"shortSignature,omitempty"`
	CrashAddress   string `json:"crashAddress,omitempty"`

	TestCaseID *int64    `json:"testcase_id,omitempty"`
	TestCase   *TestCase `json:"testcase,omitempty"` // Populated only when the projection asks for it

	// CachedCrashInfo is the encoded parsed crash (without raw text) so
	// signature matching does not reparse raw output on every scan.
	CachedCrashInfo string `json:"-"`

	// Triaged is set once automatic triage has looked at the entry.
	Triaged bool `json:"triaged"`
}

// Bucketed reports whether the entry currently belongs to a bucket.
func (c *CrashEntry) Bucketed() bool {
	return c.BucketID != nil
}

// InBucket reports whether the entry belongs to the given bucket.
func (c *CrashEntry) InBucket(bucketID int64) bool {
	return c.BucketID != nil && *c.BucketID == bucketID
}

// Quality returns the entry's testcase quality, or nil if it has no
// testcase or the testcase was not loaded.
func (c *CrashEntry) Quality() *int {
	if c.TestCase == nil {
		return nil
	}
	q := c.TestCase.Quality
	return &q
}

// Validate checks an entry before ingestion.
func (c *CrashEntry) Validate() error {
	if c.ToolID <= 0 {
		return fmt.Errorf("tool is required")
	}
	if c.RawStdout == "" && c.RawStderr == "" && c.RawCrashData == "" {
		return fmt.Errorf("crash entry has no output")
	}
	return nil
}

// TestCase is a reproduction input attached to one crash entry.
// Lower Quality is better.
type TestCase struct {
	ID       int64  `json:"id"`
	Content  string `json:"content,omitempty"`
	Quality  int    `json:"quality"`
	Size     int    `json:"size"`
	IsBinary bool   `json:"isBinary,omitempty"`
}

// Lines returns the testcase content split into lines. Binary testcases
// have no lines.
func (t *TestCase) Lines() []string {
	if t == nil || t.IsBinary || t.Content == "" {
		return nil
	}
	return strings.Split(t.Content, "\n")
}

// Tool identifies the fuzzer or test harness that produced a crash.
type Tool struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Bug is a reference to an issue in an external bug tracker.
type Bug struct {
	ID           int64      `json:"id"`
	ExternalID   string     `json:"externalId"`
	ExternalType string     `json:"externalType"` // bug provider registry tag, e.g. "github"
	ClosedAt     *time.Time `json:"closed,omitempty"`
}
