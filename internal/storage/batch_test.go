package storage

import (
	"reflect"
	"testing"

	"github.com/fuzztriage/fuzztriage/internal/types"
)

func TestChunk(t *testing.T) {
	tests := []struct {
		name string
		ids  []int64
		size int
		want [][]int64
	}{
		{"empty", nil, 3, nil},
		{"exact", []int64{1, 2, 3, 4}, 2, [][]int64{{1, 2}, {3, 4}}},
		{"remainder", []int64{1, 2, 3, 4, 5}, 2, [][]int64{{1, 2}, {3, 4}, {5}}},
		{"larger than input", []int64{1, 2}, 500, [][]int64{{1, 2}}},
		{"non-positive size", []int64{1, 2, 3}, 0, [][]int64{{1, 2, 3}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Chunk(tt.ids, tt.size); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Chunk() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEffectiveProjection(t *testing.T) {
	proj := types.Projection{Stderr: true, TestCase: true}
	if got := EffectiveProjection(true, proj); got != proj {
		t.Errorf("with cached info = %+v, want %+v", got, proj)
	}
	want := types.Projection{Stdout: true, Stderr: true, CrashData: true, TestCase: true}
	if got := EffectiveProjection(false, proj); got != want {
		t.Errorf("without cached info = %+v, want %+v", got, want)
	}
}
