package diskquota

import (
	"context"
	"errors"
	"math/big"

	"go.uber.org/zap"

	"github.com/tilecache/diskquota/internal/engine"
	"github.com/tilecache/diskquota/internal/model"
	"github.com/tilecache/diskquota/internal/txworker"
)

// translateWaitErr turns whatever txworker.SubmitAndWait surfaced into
// the QuotaError kind callers are meant to branch on.
func translateWaitErr(err error) error {
	if err == nil {
		return nil
	}
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errInterrupted(err)
	}
	if errors.Is(err, txworker.ErrClosed) || errors.Is(err, txworker.ErrQueueFull) {
		return errStoreClosed()
	}
	return errStorageFailure("transaction worker", err)
}

// GloballyUsedQuota returns the sentinel Quota row's bytes.
func (s *Store) GloballyUsedQuota(ctx context.Context) (*Quota, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	result, err := s.worker.SubmitAndWait(ctx, func(context.Context) (any, error) {
		tx := s.env.BeginTx()
		defer tx.Abort()

		q, ok := tx.GetQuotaByTileSet(model.GlobalTileSetID)
		if !ok {
			return nil, errStoreNotInitialized()
		}
		return q.Clone(), nil
	})
	if err != nil {
		return nil, translateWaitErr(err)
	}
	return result.(*Quota), nil
}

// UsedQuotaByTileSetID returns the Quota row for id, failing with
// NoSuchTileSet if there isn't one.
func (s *Store) UsedQuotaByTileSetID(ctx context.Context, id string) (*Quota, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	result, err := s.worker.SubmitAndWait(ctx, func(context.Context) (any, error) {
		tx := s.env.BeginTx()
		defer tx.Abort()

		if _, ok := tx.GetTileSet(id); !ok {
			return nil, errNoSuchTileSet(id)
		}
		q, ok := tx.GetQuotaByTileSet(id)
		if !ok {
			return nil, errNoSuchTileSet(id)
		}
		return q.Clone(), nil
	})
	if err != nil {
		return nil, translateWaitErr(err)
	}
	return result.(*Quota), nil
}

// UsedQuotaByLayer sums the bytes of every tile set registered under
// layer, failing with NoSuchLayer if the layer has none.
func (s *Store) UsedQuotaByLayer(ctx context.Context, layer string) (*Quota, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	result, err := s.worker.SubmitAndWait(ctx, func(context.Context) (any, error) {
		tx := s.env.BeginTx()
		defer tx.Abort()

		tileSets := tx.ScanTileSetsByLayer(layer)
		if len(tileSets) == 0 {
			return nil, errNoSuchLayer(layer)
		}

		sum := big.NewInt(0)
		for _, ts := range tileSets {
			q, ok := tx.GetQuotaByTileSet(ts.ID)
			if !ok {
				continue
			}
			sum.Add(sum, q.Bytes)
		}
		return &model.Quota{TileSetID: layer, Bytes: sum}, nil
	})
	if err != nil {
		return nil, translateWaitErr(err)
	}
	return result.(*Quota), nil
}

// AddToQuotaAndTileCounts applies quotaDiff to tileSetID's Quota and to
// the global Quota, then folds each per-page tile count into that
// page's fill factor. It runs synchronously, per §4.3.
func (s *Store) AddToQuotaAndTileCounts(ctx context.Context, tileSetID string, quotaDiff *big.Int, updates []PageUpdate) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.worker.SubmitAndWait(ctx, func(context.Context) (any, error) {
		tx := s.env.BeginTx()

		tileSet, ok := tx.GetTileSet(tileSetID)
		if !ok {
			// Concurrently deleted: no-op, not an error.
			s.logger.Info("tile set vanished before quota update", zap.String("tile_set_id", tileSetID))
			tx.Abort()
			return nil, nil
		}

		if err := s.applyQuotaDiff(tx, tileSetID, quotaDiff); err != nil {
			tx.Abort()
			return nil, err
		}

		for _, u := range updates {
			if err := s.applyTileCount(tx, tileSet, u); err != nil {
				tx.Abort()
				return nil, err
			}
		}

		if err := tx.Commit(); err != nil {
			return nil, errStorageFailure("commit quota update", err)
		}
		return nil, nil
	})
	return translateWaitErr(err)
}

func (s *Store) applyQuotaDiff(tx *engine.Tx, tileSetID string, diff *big.Int) error {
	tsQuota, ok := tx.GetQuotaByTileSet(tileSetID)
	if !ok {
		return errInvariant("tile set has no quota row: " + tileSetID)
	}
	globalQuota, ok := tx.GetQuotaByTileSet(model.GlobalTileSetID)
	if !ok {
		return errStoreNotInitialized()
	}

	newTS := tsQuota.Clone()
	newTS.Bytes.Add(newTS.Bytes, diff)
	tx.PutQuota(newTS)

	newGlobal := globalQuota.Clone()
	newGlobal.Bytes.Add(newGlobal.Bytes, diff)
	tx.PutQuota(newGlobal)

	return nil
}

func (s *Store) applyTileCount(tx *engine.Tx, tileSet *model.TileSet, u PageUpdate) error {
	key := pageKey(tileSet.ID, u.ZoomLevel, u.PageX, u.PageY)
	page, created := resolveOrCreatePage(tx, tileSet.ID, u.ZoomLevel, u.PageX, u.PageY)

	stats, hadStats := tx.GetPageStatsByPageID(page.ID)
	if hadStats {
		copied := *stats
		stats = &copied
	} else {
		stats = &model.PageStats{ID: tx.NextStatsID(), PageID: page.ID, FillFactor: 0}
	}

	if u.TilesAdded == 0 {
		// Lazy persistence: a zero-tile update never puts a new stats
		// row, and a page created by this update is deleted again, per
		// the original's "does not persist if unchanged" behavior.
		if created && !hadStats {
			tx.DeletePage(page.ID)
		}
		return nil
	}

	tilesPerPage, err := s.calc.TilesPerPage(tileSet.ID, u.ZoomLevel)
	if err != nil {
		return errStorageFailure("tiles per page for "+key, err)
	}
	if tilesPerPage == nil || tilesPerPage.Sign() == 0 {
		return errInvariant("tiles per page is zero for " + key)
	}

	total := new(big.Float).SetInt(tilesPerPage)
	added := new(big.Float).SetInt64(u.TilesAdded)
	delta, _ := new(big.Float).Quo(added, total).Float64()

	fillFactor := stats.FillFactor + delta
	if fillFactor < 0 {
		fillFactor = 0
	}
	if fillFactor > 1 {
		fillFactor = 1
	}
	stats.FillFactor = fillFactor

	tx.PutPageStats(stats)
	return nil
}

// AddHitsAndSetAccessTime folds a batch of page hits into their
// PageStats rows, recomputing the LRU/LFU scores. Each payload carries
// its own tile set id, since a batch can span tile sets that vanish
// independently; a payload whose tile set has vanished is skipped, not
// an error, and the rest of the batch still commits. It runs
// asynchronously; the returned StatsFuture resolves to the updated
// stats, in the same order as hits, once the batch has committed.
func (s *Store) AddHitsAndSetAccessTime(ctx context.Context, hits []PageHit) (*StatsFuture, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	inner, err := s.worker.Submit(ctx, func(context.Context) (any, error) {
		tx := s.env.BeginTx()

		var updated []*model.PageStats
		for _, h := range hits {
			tileSet, ok := tx.GetTileSet(h.TileSetID)
			if !ok {
				s.logger.Info("tile set vanished before hit recording", zap.String("tile_set_id", h.TileSetID))
				continue
			}

			page, _ := resolveOrCreatePage(tx, tileSet.ID, h.ZoomLevel, h.PageX, h.PageY)
			lastAccessMinutes := h.LastAccessTimeMillis / 60000

			stats, ok := tx.GetPageStatsByPageID(page.ID)
			if ok {
				copied := *stats
				stats = &copied
			} else {
				stats = &model.PageStats{ID: tx.NextStatsID(), PageID: page.ID}
			}

			addHits(stats, h.Hits, lastAccessMinutes, page.CreatedAtMinutes)
			tx.PutPageStats(stats)
			updated = append(updated, stats)
		}

		if err := tx.Commit(); err != nil {
			return nil, errStorageFailure("commit hit recording", err)
		}
		return updated, nil
	})
	if err != nil {
		return nil, translateWaitErr(err)
	}
	return &StatsFuture{inner: inner}, nil
}

// addHits implements §4.6's formulas bit-for-bit: ageMinutes is
// clamped to at least 1 so a same-minute hit doesn't divide by zero,
// and frequency preserves the cumulative hit count across calls by
// reconstructing prevHits from the previous frequency and age.
func addHits(stats *model.PageStats, numHits, lastAccessMinutes, creationMinutes int64) {
	ageMinutes := lastAccessMinutes - creationMinutes
	if ageMinutes < 1 {
		ageMinutes = 1
	}

	prevAge := stats.LastAccessMinutes - creationMinutes
	if prevAge < 1 {
		prevAge = 1
	}
	prevHits := stats.FrequencyPerMinute * float64(prevAge)

	stats.FrequencyPerMinute = (prevHits + float64(numHits)) / float64(ageMinutes)
	stats.LastAccessMinutes = lastAccessMinutes
	stats.LRUScore = -float64(lastAccessMinutes)
	stats.LFUScore = stats.FrequencyPerMinute
}

// SetTruncated marks a TilePage's stats fill factor 0, removing it
// from further eviction candidacy. Returns nil if the page has no
// stats row.
func (s *Store) SetTruncated(ctx context.Context, pageID uint64) (*PageStats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	result, err := s.worker.SubmitAndWait(ctx, func(context.Context) (any, error) {
		tx := s.env.BeginTx()

		stats, ok := tx.GetPageStatsByPageID(pageID)
		if !ok {
			tx.Abort()
			return nil, nil
		}

		truncated := *stats
		truncated.FillFactor = 0
		tx.PutPageStats(&truncated)

		if err := tx.Commit(); err != nil {
			return nil, errStorageFailure("commit truncation", err)
		}
		return &truncated, nil
	})
	if err != nil {
		return nil, translateWaitErr(err)
	}
	if result == nil {
		return nil, nil
	}
	return result.(*PageStats), nil
}
