package dolt

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// currentSchemaVersion is stored in config.schema_version. Bump it when the
// schema below changes.
const currentSchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS config (
    ` + "`key`" + ` VARCHAR(255) PRIMARY KEY,
    ` + "`value`" + ` TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tools (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    name VARCHAR(63) NOT NULL,
    UNIQUE KEY uq_tools_name (name)
);

CREATE TABLE IF NOT EXISTS bugs (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    external_id VARCHAR(255) NOT NULL,
    external_type VARCHAR(63) NOT NULL,
    closed_at DATETIME(6) NULL,
    UNIQUE KEY uq_bugs_external (external_type, external_id)
);

CREATE TABLE IF NOT EXISTS buckets (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    signature LONGTEXT NOT NULL,
    short_description VARCHAR(1023) NOT NULL DEFAULT '',
    bug_id BIGINT NULL,
    frequent BOOLEAN NOT NULL DEFAULT FALSE,
    permanent BOOLEAN NOT NULL DEFAULT FALSE,
    do_not_reduce BOOLEAN NOT NULL DEFAULT FALSE,
    reassign_in_progress BOOLEAN NOT NULL DEFAULT FALSE,
    created_at DATETIME(6) NOT NULL,
    INDEX idx_buckets_bug (bug_id),
    CONSTRAINT fk_buckets_bug FOREIGN KEY (bug_id) REFERENCES bugs(id) ON DELETE SET NULL
);

CREATE TABLE IF NOT EXISTS testcases (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    content LONGBLOB NOT NULL,
    quality INT NOT NULL DEFAULT 0,
    size INT NOT NULL DEFAULT 0,
    is_binary BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS crash_entries (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    created_at DATETIME(6) NOT NULL,
    bucket_id BIGINT NULL,
    tool_id BIGINT NOT NULL,
    product VARCHAR(63) NOT NULL DEFAULT '',
    platform VARCHAR(63) NOT NULL DEFAULT '',
    os VARCHAR(63) NOT NULL DEFAULT '',
    raw_stdout LONGTEXT NOT NULL,
    raw_stderr LONGTEXT NOT NULL,
    raw_crash_data LONGTEXT NOT NULL,
    args TEXT NOT NULL,
    env TEXT NOT NULL,
    short_signature VARCHAR(255) NOT NULL DEFAULT '',
    crash_address VARCHAR(255) NOT NULL DEFAULT '',
    testcase_id BIGINT NULL,
    cached_crash_info LONGTEXT NULL,
    triaged BOOLEAN NOT NULL DEFAULT FALSE,
    INDEX idx_crash_entries_bucket (bucket_id),
    INDEX idx_crash_entries_tool (tool_id),
    CONSTRAINT fk_crash_entries_bucket FOREIGN KEY (bucket_id) REFERENCES buckets(id),
    CONSTRAINT fk_crash_entries_tool FOREIGN KEY (tool_id) REFERENCES tools(id),
    CONSTRAINT fk_crash_entries_testcase FOREIGN KEY (testcase_id) REFERENCES testcases(id) ON DELETE SET NULL
);

CREATE TABLE IF NOT EXISTS bucket_statistics (
    bucket_id BIGINT NOT NULL,
    tool_id BIGINT NOT NULL,
    size INT NOT NULL DEFAULT 0,
    quality INT NULL,
    PRIMARY KEY (bucket_id, tool_id),
    CONSTRAINT fk_bucket_statistics_bucket FOREIGN KEY (bucket_id) REFERENCES buckets(id) ON DELETE CASCADE,
    CONSTRAINT fk_bucket_statistics_tool FOREIGN KEY (tool_id) REFERENCES tools(id)
);

CREATE TABLE IF NOT EXISTS bucket_hits (
    bucket_id BIGINT NOT NULL,
    tool_id BIGINT NOT NULL,
    begin_at DATETIME NOT NULL,
    count INT NOT NULL DEFAULT 0,
    PRIMARY KEY (bucket_id, tool_id, begin_at),
    INDEX idx_bucket_hits_begin (begin_at),
    CONSTRAINT fk_bucket_hits_bucket FOREIGN KEY (bucket_id) REFERENCES buckets(id) ON DELETE CASCADE,
    CONSTRAINT fk_bucket_hits_tool FOREIGN KEY (tool_id) REFERENCES tools(id)
);
`

// initSchemaOnDB creates all tables if they don't exist. It returns early
// when the stored schema version is current.
func initSchemaOnDB(ctx context.Context, db *sql.DB) error {
	var version int
	err := db.QueryRowContext(ctx, "SELECT `value` FROM config WHERE `key` = 'schema_version'").Scan(&version)
	if err == nil && version >= currentSchemaVersion {
		return nil
	}

	// MySQL/Dolt does not accept several statements in one Exec.
	for _, stmt := range splitStatements(schema) {
		if isOnlyComments(stmt) {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w\nStatement: %s", err, truncateForError(stmt))
		}
	}

	if _, err := db.ExecContext(ctx,
		"INSERT INTO config (`key`, `value`) VALUES ('schema_version', ?) "+
			"ON DUPLICATE KEY UPDATE `value` = ?",
		currentSchemaVersion, currentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	_, _ = db.ExecContext(ctx, "CALL DOLT_COMMIT('-Am', 'ft: initialize schema')") // no-op when already committed
	return nil
}

// splitStatements splits a SQL script on semicolons outside quotes.
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	stringChar := byte(0)

	for i := 0; i < len(script); i++ {
		c := script[i]

		if inString {
			current.WriteByte(c)
			if c == stringChar && (i == 0 || script[i-1] != '\\') {
				inString = false
			}
			continue
		}

		if c == '\'' || c == '"' || c == '`' {
			inString = true
			stringChar = c
			current.WriteByte(c)
			continue
		}

		if c == ';' {
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}
			current.Reset()
			continue
		}

		current.WriteByte(c)
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}

func truncateForError(s string) string {
	if len(s) > 100 {
		return s[:100] + "..."
	}
	return s
}

// isOnlyComments reports whether stmt holds nothing but -- comments.
func isOnlyComments(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
