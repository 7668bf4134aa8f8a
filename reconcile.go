package diskquota

import (
	"math/big"

	"go.uber.org/zap"

	"github.com/tilecache/diskquota/internal/engine"
	"github.com/tilecache/diskquota/internal/model"
)

// reconcile runs the startup reconciler in a single transaction
// against the engine directly, before the transaction worker exists:
// seed the sentinel row, drop tile sets for layers the cache no
// longer knows about, and create rows for layers it has gained.
func (s *Store) reconcile() error {
	tx := s.env.BeginTx()

	if seedSentinel(tx) {
		s.logger.Info("seeded sentinel quota row")
	}

	known, err := s.calc.LayerNames()
	if err != nil {
		tx.Abort()
		return err
	}
	knownSet := make(map[string]bool, len(known))
	for _, l := range known {
		knownSet[l] = true
	}

	present := presentLayers(tx)
	for layer := range present {
		if knownSet[layer] {
			continue
		}
		// A layer the cache config no longer lists is dropped from
		// accounting on a best-effort basis: one bad layer must not
		// block the rest of reconciliation from running.
		if err := cascadeDeleteLayer(tx, layer, s.logger); err != nil {
			s.logger.Warn("failed to prune stale layer", zap.String("layer", layer), zap.Error(err))
		} else {
			s.logger.Info("pruned stale layer", zap.String("layer", layer))
		}
	}

	for _, layer := range known {
		if err := s.seedLayer(tx, layer); err != nil {
			tx.Abort()
			return err
		}
	}

	return tx.Commit()
}

// presentLayers returns every non-sentinel layer name currently
// registered in the store.
func presentLayers(tx *engine.Tx) map[string]bool {
	present := make(map[string]bool)
	for _, ts := range tx.AllTileSets() {
		if ts.IsSentinel() {
			continue
		}
		present[ts.LayerName] = true
	}
	return present
}

// seedLayer creates a TileSet (and zero Quota) row for every tile set
// descriptor the calculator reports for layer that doesn't already
// have one.
func (s *Store) seedLayer(tx *engine.Tx, layer string) error {
	descriptors, err := s.calc.TileSetsFor(layer)
	if err != nil {
		return err
	}

	for _, d := range descriptors {
		if _, ok := tx.GetTileSet(d.ID); ok {
			continue
		}

		tx.PutTileSet(&model.TileSet{
			ID:             d.ID,
			LayerName:      d.LayerName,
			GridSetID:      d.GridSetID,
			Format:         d.Format,
			ParametersHash: d.ParametersHash,
		})
		tx.PutQuota(&model.Quota{
			ID:        tx.NextQuotaID(),
			TileSetID: d.ID,
			Bytes:     big.NewInt(0),
		})
	}
	return nil
}

// cascadeDeleteLayer removes every TileSet registered under layer,
// along with its Quota and every TilePage/PageStats row that
// references it, folding each tile set's freed bytes out of the
// global quota row. The engine has no built-in foreign-key cascade,
// so this walk is the transactional substitute for one.
func cascadeDeleteLayer(tx *engine.Tx, layer string, logger *zap.Logger) error {
	tileSets := tx.ScanTileSetsByLayer(layer)

	globalQuota, ok := tx.GetQuotaByTileSet(model.GlobalTileSetID)
	if !ok {
		return errStoreNotInitialized()
	}
	global := globalQuota.Clone()

	for _, ts := range tileSets {
		freed := big.NewInt(0)
		if q, ok := tx.GetQuotaByTileSet(ts.ID); ok {
			freed = q.Bytes
			tx.DeleteQuota(q.ID)
		} else {
			logger.Warn("tile set has no quota row during cascade delete",
				zap.String("tile_set_id", ts.ID), zap.String("layer", layer))
		}

		for _, p := range tx.PagesForTileSet(ts.ID) {
			if stats, ok := tx.GetPageStatsByPageID(p.ID); ok {
				tx.DeletePageStats(stats.ID)
			}
			tx.DeletePage(p.ID)
		}

		tx.DeleteTileSet(ts.ID)
		global.Bytes.Sub(global.Bytes, freed)
	}

	tx.PutQuota(global)
	return nil
}
