package engine

import "math"

// StringEntry is a (key, tiebreak) -> value tuple stored in a StringIndex.
// The tiebreak keeps scan order deterministic when multiple rows share a
// key, per the schema's "key then primary id tiebreak" ordering rule.
type StringEntry struct {
	Key      string
	Tiebreak string
	Value    any
}

// StringIndex is an ordered secondary index over string keys, used for
// TileSetsByLayer (non-unique, grouped by layer name).
type StringIndex struct {
	skl *skiplist[StringEntry]
}

func NewStringIndex() *StringIndex {
	less := func(a, b StringEntry) bool {
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.Tiebreak < b.Tiebreak
	}
	equal := func(a, b StringEntry) bool {
		return a.Key == b.Key && a.Tiebreak == b.Tiebreak
	}
	return &StringIndex{skl: newSkiplist(less, equal)}
}

func (idx *StringIndex) Insert(key, tiebreak string, value any) {
	idx.skl.Insert(StringEntry{Key: key, Tiebreak: tiebreak, Value: value})
}

func (idx *StringIndex) Delete(key, tiebreak string) bool {
	return idx.skl.Delete(StringEntry{Key: key, Tiebreak: tiebreak})
}

// Scan visits every entry whose key equals the given key, in tiebreak
// order, until visit returns false.
func (idx *StringIndex) Scan(key string, visit func(tiebreak string, value any) bool) {
	lo := StringEntry{Key: key}
	idx.skl.Ascend(&lo, nil, true, true, func(e StringEntry) bool {
		if e.Key != key {
			return false
		}
		return visit(e.Tiebreak, e.Value)
	})
}

func (idx *StringIndex) Len() int { return idx.skl.Len() }

// FloatEntry is the (score, tiebreak) -> value tuple used by the LRU/LFU
// eviction indexes.
type FloatEntry struct {
	Key      float64
	Tiebreak string
	Value    any
}

// FloatIndex is an ordered secondary index over float64 keys, used for
// PageStatsByLRU and PageStatsByLFU. NaN sorts after every finite value,
// per the schema's note that reimplementations must give floats a total
// order.
type FloatIndex struct {
	skl *skiplist[FloatEntry]
}

func NewFloatIndex() *FloatIndex {
	rank := func(f float64) int {
		if math.IsNaN(f) {
			return 1
		}
		return 0
	}
	less := func(a, b FloatEntry) bool {
		ra, rb := rank(a.Key), rank(b.Key)
		if ra != rb {
			return ra < rb
		}
		if ra == 1 {
			// both NaN: fall through to tiebreak
			return a.Tiebreak < b.Tiebreak
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.Tiebreak < b.Tiebreak
	}
	equal := func(a, b FloatEntry) bool {
		return a.Key == b.Key && a.Tiebreak == b.Tiebreak
	}
	return &FloatIndex{skl: newSkiplist(less, equal)}
}

func (idx *FloatIndex) Insert(key float64, tiebreak string, value any) {
	idx.skl.Insert(FloatEntry{Key: key, Tiebreak: tiebreak, Value: value})
}

func (idx *FloatIndex) Delete(key float64, tiebreak string) bool {
	return idx.skl.Delete(FloatEntry{Key: key, Tiebreak: tiebreak})
}

// AscendAll walks every entry in ascending (key, tiebreak) order until
// visit returns false. This is the eviction-candidate scan of §4.8.
func (idx *FloatIndex) AscendAll(visit func(key float64, tiebreak string, value any) bool) {
	idx.skl.Ascend(nil, nil, true, true, func(e FloatEntry) bool {
		return visit(e.Key, e.Tiebreak, e.Value)
	})
}

func (idx *FloatIndex) Len() int { return idx.skl.Len() }
