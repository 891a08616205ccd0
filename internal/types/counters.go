package types

import "time"

// BucketStatistics caches per (bucket, tool) aggregates.
// Quality is nil iff no member entry for that pair has a testcase.
type BucketStatistics struct {
	BucketID int64 `json:"bucket"`
	ToolID   int64 `json:"tool"`
	Size     int   `json:"size"`
	Quality  *int  `json:"quality,omitempty"`
}

// BucketHit counts entries created in one hour for a (bucket, tool) pair.
// Begin is always truncated to the top of the hour (UTC).
type BucketHit struct {
	BucketID int64     `json:"bucket"`
	ToolID   int64     `json:"tool"`
	Begin    time.Time `json:"begin"`
	Count    int       `json:"count"`
}

// HourBegin truncates t to the top of its hour in UTC.
func HourBegin(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// CrashRef is the slim view of a crash entry needed for counter
// maintenance and foreign key moves.
type CrashRef struct {
	ID        int64     `json:"id"`
	BucketID  *int64    `json:"bucket,omitempty"`
	ToolID    int64     `json:"tool"`
	CreatedAt time.Time `json:"created_at"`
	Quality   *int      `json:"quality,omitempty"`
}
