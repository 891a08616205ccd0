package types

// OutputSource names a raw output stream of a crash entry.
type OutputSource string

const (
	SourceStdout    OutputSource = "stdout"
	SourceStderr    OutputSource = "stderr"
	SourceCrashData OutputSource = "crashdata"
)

// AllOutputSources lists every raw output stream in canonical order.
var AllOutputSources = []OutputSource{SourceStdout, SourceStderr, SourceCrashData}

// IsValid checks if the source is a known output stream.
func (s OutputSource) IsValid() bool {
	switch s {
	case SourceStdout, SourceStderr, SourceCrashData:
		return true
	}
	return false
}

// Projection selects which large columns a crash query loads.
// Columns left false are deferred and come back empty.
type Projection struct {
	Stdout    bool
	Stderr    bool
	CrashData bool
	TestCase  bool
}

// FullProjection loads every column.
func FullProjection() Projection {
	return Projection{Stdout: true, Stderr: true, CrashData: true, TestCase: true}
}

// ProjectionFor builds a projection for the given output sources.
func ProjectionFor(sources []OutputSource, withTest bool) Projection {
	p := Projection{TestCase: withTest}
	for _, s := range sources {
		switch s {
		case SourceStdout:
			p.Stdout = true
		case SourceStderr:
			p.Stderr = true
		case SourceCrashData:
			p.CrashData = true
		}
	}
	return p
}

// Has reports whether the projection loads the given source.
func (p Projection) Has(s OutputSource) bool {
	switch s {
	case SourceStdout:
		return p.Stdout
	case SourceStderr:
		return p.Stderr
	case SourceCrashData:
		return p.CrashData
	}
	return false
}

// Covers reports whether p loads everything q loads.
func (p Projection) Covers(q Projection) bool {
	return (p.Stdout || !q.Stdout) && (p.Stderr || !q.Stderr) &&
		(p.CrashData || !q.CrashData) && (p.TestCase || !q.TestCase)
}

// SortOrder is the id ordering of a crash scan.
type SortOrder int

const (
	// Ascending scans oldest first.
	Ascending SortOrder = iota
	// Descending scans most recent first.
	Descending
)

// CrashFilter narrows crash entry listings.
type CrashFilter struct {
	BucketID   *int64 // Entries in this bucket
	Unbucketed bool   // Entries without a bucket (ignored when BucketID is set)
	ToolID     *int64
	Triaged    *bool
	Order      SortOrder
	Limit      int // 0 = no limit
}

// BucketFilter narrows bucket listings.
type BucketFilter struct {
	BugID *int64
	Limit int
}
