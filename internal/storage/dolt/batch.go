package dolt

import (
	"context"
	"fmt"

	"github.com/fuzztriage/fuzztriage/internal/storage"
)

// DefaultBatchSize is the maximum number of ids per IN clause. Very large IN
// clauses create queries Dolt cannot execute efficiently.
const DefaultBatchSize = 500

// batchIN runs queryTemplate once per chunk of ids. The template must contain
// exactly one %s, which is replaced with the chunk's ? markers; extra args
// are bound before the ids.
//
// nolint:gosec // G201: queryTemplate %s is filled with ? placeholders only
func batchIN(ctx context.Context, q querier, ids []int64, queryTemplate string, scan func(rowScanner) error, extra ...any) error {
	for _, chunk := range storage.Chunk(ids, DefaultBatchSize) {
		query := fmt.Sprintf(queryTemplate, placeholders(len(chunk)))
		args := append(append([]any{}, extra...), int64Args(chunk)...)
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			if err := scan(rows); err != nil {
				_ = rows.Close()
				return err
			}
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// batchExec runs an UPDATE or DELETE template once per chunk of ids, with
// extra args bound before the ids.
//
// nolint:gosec // G201: queryTemplate %s is filled with ? placeholders only
func batchExec(ctx context.Context, q querier, ids []int64, queryTemplate string, extra ...any) error {
	for _, chunk := range storage.Chunk(ids, DefaultBatchSize) {
		query := fmt.Sprintf(queryTemplate, placeholders(len(chunk)))
		args := append(append([]any{}, extra...), int64Args(chunk)...)
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
