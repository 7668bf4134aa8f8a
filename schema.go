package diskquota

import (
	"fmt"
	"math/big"
	"time"

	"github.com/tilecache/diskquota/internal/engine"
	"github.com/tilecache/diskquota/internal/model"
)

// pageKey derives the deterministic, globally unique key a TilePage is
// looked up by: it must be a pure function of the tile set, zoom level
// and page coordinates so two calls describing the same page always
// resolve to the same row.
func pageKey(tileSetID string, zoom uint8, pageX, pageY int32) string {
	return fmt.Sprintf("%s/%d/%d/%d", tileSetID, zoom, pageX, pageY)
}

// nowMinutes is minutes since the Unix epoch, truncated — the unit
// every timestamp in the schema is stored in.
func nowMinutes() int64 {
	return time.Now().Unix() / 60
}

// seedSentinel creates the sentinel TileSet and its zero Quota row if
// they don't already exist. Returns true if it created them (a fresh
// store).
func seedSentinel(tx *engine.Tx) bool {
	if _, ok := tx.GetQuotaByTileSet(model.GlobalTileSetID); ok {
		return false
	}

	tx.PutTileSet(&model.TileSet{
		ID:        model.GlobalTileSetID,
		LayerName: model.GlobalTileSetID,
	})
	tx.PutQuota(&model.Quota{
		ID:        tx.NextQuotaID(),
		TileSetID: model.GlobalTileSetID,
		Bytes:     big.NewInt(0),
	})
	return true
}

// resolveOrCreatePage finds the TilePage for (tileSetID, zoom, x, y),
// creating it if this is the first time it's been referenced, and
// reports whether it created it. It creates no PageStats row; callers
// create one when they need it. Mirrors the "resolve or create"
// path shared by addToQuotaAndTileCounts and addHitsAndSetAccessTime.
func resolveOrCreatePage(tx *engine.Tx, tileSetID string, zoom uint8, pageX, pageY int32) (*model.TilePage, bool) {
	key := pageKey(tileSetID, zoom, pageX, pageY)
	if existing, ok := tx.GetPageByKey(key); ok {
		return existing, false
	}

	page := &model.TilePage{
		ID:               tx.NextPageID(),
		TileSetID:        tileSetID,
		ZoomLevel:        zoom,
		PageX:            pageX,
		PageY:            pageY,
		PageKey:          key,
		CreatedAtMinutes: nowMinutes(),
	}
	tx.PutPage(page)
	return page, true
}
