package diskquota

import "github.com/tilecache/diskquota/internal/model"

// Type aliases so callers of this package never need to import the
// internal model package directly.
type (
	TileSet   = model.TileSet
	TilePage  = model.TilePage
	PageStats = model.PageStats
	Quota     = model.Quota
)

// PageUpdate is one (page, tiles-added) payload for
// addToQuotaAndTileCounts.
type PageUpdate struct {
	ZoomLevel    uint8
	PageX        int32
	PageY        int32
	TilesAdded   int64
}

// PageHit is one (tile set, page, hits, access-time) payload for
// addHitsAndSetAccessTime. TileSetID is per-payload, not per-batch: a
// single call can span tile sets that vanish independently of one
// another.
type PageHit struct {
	TileSetID            string
	ZoomLevel            uint8
	PageX                int32
	PageY                int32
	Hits                 int64
	LastAccessTimeMillis int64
}

// Policy selects the eviction scoring an eviction query scans by.
type Policy int

const (
	PolicyLRU Policy = iota
	PolicyLFU
)
