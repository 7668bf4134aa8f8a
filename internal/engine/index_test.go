package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStringIndexScanOrdersByTiebreak(t *testing.T) {
	idx := NewStringIndex()
	idx.Insert("layer-a", "ts-2", "ts-2")
	idx.Insert("layer-a", "ts-1", "ts-1")
	idx.Insert("layer-b", "ts-3", "ts-3")

	var seen []string
	idx.Scan("layer-a", func(_ string, value any) bool {
		seen = append(seen, value.(string))
		return true
	})

	assert.Equal(t, []string{"ts-1", "ts-2"}, seen)
	assert.Equal(t, 3, idx.Len())
}

func TestStringIndexDelete(t *testing.T) {
	idx := NewStringIndex()
	idx.Insert("layer-a", "ts-1", "ts-1")

	assert.True(t, idx.Delete("layer-a", "ts-1"))
	assert.False(t, idx.Delete("layer-a", "ts-1"))

	var seen []string
	idx.Scan("layer-a", func(_ string, value any) bool {
		seen = append(seen, value.(string))
		return true
	})
	assert.Empty(t, seen)
}

func TestFloatIndexAscendsInScoreOrder(t *testing.T) {
	idx := NewFloatIndex()
	idx.Insert(3.5, "3", uint64(3))
	idx.Insert(-1.0, "1", uint64(1))
	idx.Insert(2.0, "2", uint64(2))

	var scores []float64
	idx.AscendAll(func(key float64, _ string, _ any) bool {
		scores = append(scores, key)
		return true
	})

	assert.Equal(t, []float64{-1.0, 2.0, 3.5}, scores)
}

func TestFloatIndexNaNSortsLast(t *testing.T) {
	idx := NewFloatIndex()
	idx.Insert(math.NaN(), "nan", "nan-entry")
	idx.Insert(1.0, "one", "one-entry")

	var order []string
	idx.AscendAll(func(_ float64, _ string, value any) bool {
		order = append(order, value.(string))
		return true
	})

	assert.Equal(t, []string{"one-entry", "nan-entry"}, order)
}

func TestFloatIndexStopsWhenVisitReturnsFalse(t *testing.T) {
	idx := NewFloatIndex()
	idx.Insert(1.0, "a", "a")
	idx.Insert(2.0, "b", "b")
	idx.Insert(3.0, "c", "c")

	var visited int
	idx.AscendAll(func(_ float64, _ string, _ any) bool {
		visited++
		return visited < 2
	})

	assert.Equal(t, 2, visited)
}
