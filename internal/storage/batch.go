package storage

import "github.com/fuzztriage/fuzztriage/internal/types"

// Chunk splits ids into consecutive slices of at most size elements.
// The returned slices share ids' backing array.
func Chunk(ids []int64, size int) [][]int64 {
	if size <= 0 {
		size = len(ids)
	}
	var chunks [][]int64
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}
	return chunks
}

// EffectiveProjection returns the projection an entry is actually loaded
// with: entries without a cached crash info blob have all raw output loaded
// so they can be parsed.
func EffectiveProjection(hasCachedInfo bool, proj types.Projection) types.Projection {
	if !hasCachedInfo {
		proj.Stdout, proj.Stderr, proj.CrashData = true, true, true
	}
	return proj
}
