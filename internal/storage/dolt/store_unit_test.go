package dolt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzztriage/fuzztriage/internal/types"
)

func TestValidateDatabaseName(t *testing.T) {
	for _, name := range []string{"fuzztriage", "_scratch", "ft-prod_2"} {
		assert.NoError(t, validateDatabaseName(name), name)
	}
	for _, name := range []string{"", "1abc", "bad name", "x`; DROP DATABASE y", strings.Repeat("a", 65)} {
		assert.Error(t, validateDatabaseName(name), name)
	}
}

func TestBuildServerDSN(t *testing.T) {
	cfg := &Config{ServerUser: "root", ServerHost: "127.0.0.1", ServerPort: 3307}
	assert.Equal(t, "root@tcp(127.0.0.1:3307)/fuzztriage?parseTime=true&loc=UTC", buildServerDSN(cfg, "fuzztriage"))

	cfg.ServerPassword = "s3cret"
	cfg.ServerTLS = true
	assert.Equal(t, "root:s3cret@tcp(127.0.0.1:3307)/?parseTime=true&loc=UTC&tls=true", buildServerDSN(cfg, ""))
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("CREATE TABLE a (x TEXT DEFAULT ';');\n-- comment only\n;\nINSERT INTO a VALUES ('b;c');")
	require.Len(t, stmts, 3)
	assert.Equal(t, "CREATE TABLE a (x TEXT DEFAULT ';')", stmts[0])
	assert.True(t, isOnlyComments(stmts[1]))
	assert.Equal(t, "INSERT INTO a VALUES ('b;c')", stmts[2])

	var tables int
	for _, stmt := range splitStatements(schema) {
		if strings.HasPrefix(stmt, "CREATE TABLE") {
			tables++
		}
	}
	assert.Equal(t, 8, tables)
}

func TestLimitClause(t *testing.T) {
	assert.Equal(t, "", limitClause(0, 0))
	assert.Equal(t, " LIMIT 10", limitClause(10, 0))
	assert.Equal(t, " LIMIT 10 OFFSET 5", limitClause(10, 5))
	assert.Equal(t, " LIMIT 18446744073709551615 OFFSET 5", limitClause(0, 5))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "", placeholders(0))
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?,?,?", placeholders(3))
}

func TestDBTime(t *testing.T) {
	want := time.Date(2025, 1, 15, 10, 0, 0, 123000000, time.UTC)
	for _, src := range []any{want, []byte("2025-01-15 10:00:00.123"), "2025-01-15T10:00:00.123Z"} {
		var got dbTime
		require.NoError(t, got.Scan(src))
		assert.True(t, got.Valid)
		assert.True(t, got.Time.Equal(want), "%v", src)
	}

	var null dbTime
	require.NoError(t, null.Scan(nil))
	assert.Nil(t, null.ptr())

	var bad dbTime
	assert.Error(t, bad.Scan("yesterday"))
	assert.Error(t, bad.Scan(42))

	assert.Equal(t, "2025-01-15 10:00:00.123000", dbValue(want))
}

func TestCrashColumns(t *testing.T) {
	cols := crashColumns(types.Projection{Stderr: true})
	assert.Contains(t, cols, "IF(c.cached_crash_info IS NULL, c.raw_stdout, '')")
	assert.Contains(t, cols, "c.raw_stderr,")
	assert.NotContains(t, cols, "t.content")
	assert.Equal(t, "crash_entries c", crashFrom(types.Projection{}))

	cols = crashColumns(types.FullProjection())
	assert.NotContains(t, cols, "IF(")
	assert.Contains(t, cols, "t.content")
	assert.Contains(t, crashFrom(types.FullProjection()), "LEFT JOIN testcases")
}

func TestUniqueIDs(t *testing.T) {
	assert.Equal(t, []int64{3, 1, 2}, uniqueIDs([]int64{3, 1, 3, 2, 1}))
	assert.Empty(t, uniqueIDs(nil))
}
