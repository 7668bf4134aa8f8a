package diskquota

import (
	"context"

	"github.com/tilecache/diskquota/internal/engine"
	"github.com/tilecache/diskquota/internal/model"
)

// LeastRecentlyUsedPage scans the LRU secondary index for the first
// page belonging to one of layers whose fill factor is still above
// zero, i.e. one that hasn't already been fully truncated.
func (s *Store) LeastRecentlyUsedPage(ctx context.Context, layers []string) (*TilePage, error) {
	return s.evictionCandidate(ctx, layers, PolicyLRU)
}

// LeastFrequentlyUsedPage is LeastRecentlyUsedPage scored by hit
// frequency instead of recency.
func (s *Store) LeastFrequentlyUsedPage(ctx context.Context, layers []string) (*TilePage, error) {
	return s.evictionCandidate(ctx, layers, PolicyLFU)
}

func (s *Store) evictionCandidate(ctx context.Context, layers []string, policy Policy) (*TilePage, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateLayerSet(layers); err != nil {
		return nil, err
	}

	result, err := s.withReadTx(ctx, func(tx *engine.Tx) (any, error) {
		wanted := tileSetIDsForLayers(tx, layers)
		if len(wanted) == 0 {
			return nil, nil
		}

		var candidate *model.TilePage
		scanned := 0
		visit := func(stats *model.PageStats, page *model.TilePage) bool {
			scanned++
			if stats.FillFactor <= 0 {
				return true
			}
			if !wanted[page.TileSetID] {
				return true
			}
			candidate = page
			return false
		}

		switch policy {
		case PolicyLFU:
			tx.AscendLFU(visit)
		default:
			tx.AscendLRU(visit)
		}

		if s.metrics != nil {
			s.metrics.RecordEvictionScan(scanned)
		}
		return candidate, nil
	})
	if err != nil {
		return nil, translateWaitErr(err)
	}
	if result == nil {
		return nil, nil
	}
	page, ok := result.(*model.TilePage)
	if !ok || page == nil {
		return nil, nil
	}
	return page, nil
}

// tileSetIDsForLayers resolves a set of layer names to the tile set
// ids currently registered under any of them.
func tileSetIDsForLayers(tx *engine.Tx, layers []string) map[string]bool {
	wanted := make(map[string]bool)
	for _, layer := range layers {
		for _, ts := range tx.ScanTileSetsByLayer(layer) {
			wanted[ts.ID] = true
		}
	}
	return wanted
}
