package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tilecache/diskquota/internal/model"
)

// snapshotFile is the on-disk shape of a folded-in checkpoint: every
// table's rows as of AsOfSegmentID, the last write-ahead log segment
// whose records are already reflected here.
type snapshotFile struct {
	AsOfSegmentID int64              `json:"as_of_segment_id"`
	TileSets      []*model.TileSet   `json:"tile_sets"`
	Pages         []*model.TilePage  `json:"pages"`
	PageStats     []*model.PageStats `json:"page_stats"`
	Quotas        []*model.Quota     `json:"quotas"`
}

func (env *Environment) snapshotPath() string {
	return filepath.Join(env.dir, "snapshot.json")
}

// loadSnapshot populates env's tables from snapshot.json, if present,
// and returns the segment id it was taken as of (0 if there was no
// snapshot, so every WAL segment gets replayed).
func (env *Environment) loadSnapshot() (int64, error) {
	data, err := os.ReadFile(env.snapshotPath())
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("parse snapshot: %w", err)
	}

	for _, ts := range snap.TileSets {
		env.tileSets[ts.ID] = ts
		env.tileSetsByLayer.Insert(ts.LayerName, ts.ID, ts.ID)
	}
	for _, p := range snap.Pages {
		env.pages[p.ID] = p
		env.pagesByKey[p.PageKey] = p.ID
	}
	for _, s := range snap.PageStats {
		tiebreak := fmt.Sprint(s.ID)
		env.pageStats[s.ID] = s
		env.statsByPageID[s.PageID] = s.ID
		env.statsByLRU.Insert(s.LRUScore, tiebreak, s.PageID)
		env.statsByLFU.Insert(s.LFUScore, tiebreak, s.PageID)
	}
	for _, q := range snap.Quotas {
		env.quotas[q.ID] = q
		env.quotaByTileSet[q.TileSetID] = q.ID
	}

	env.logger.Info("loaded snapshot", zap.Int64("as_of_segment", snap.AsOfSegmentID))
	return snap.AsOfSegmentID, nil
}

// writeSnapshot serializes every table under a read lock, atomically
// replaces snapshot.json, and truncates the write-ahead log segments
// it has now folded in. It starts a fresh segment under the same lock,
// so records committed after the snapshot land in a segment newer than
// AsOfSegmentID and are replayed on recovery.
func (env *Environment) writeSnapshot() error {
	env.mu.RLock()
	env.wal.mu.Lock()
	asOf := env.wal.segmentID
	rotateErr := env.wal.openNewSegment()
	env.wal.mu.Unlock()
	if rotateErr != nil {
		env.mu.RUnlock()
		return fmt.Errorf("rotate write-ahead log: %w", rotateErr)
	}
	snap := snapshotFile{AsOfSegmentID: asOf}
	for _, ts := range env.tileSets {
		snap.TileSets = append(snap.TileSets, ts)
	}
	for _, p := range env.pages {
		snap.Pages = append(snap.Pages, p)
	}
	for _, s := range env.pageStats {
		snap.PageStats = append(snap.PageStats, s)
	}
	for _, q := range env.quotas {
		snap.Quotas = append(snap.Quotas, q)
	}
	env.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := env.snapshotPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, env.snapshotPath()); err != nil {
		return fmt.Errorf("install snapshot: %w", err)
	}

	return env.wal.truncateBefore(snap.AsOfSegmentID)
}

// compactor periodically folds the write-ahead log into a snapshot so
// a restart doesn't have to replay the store's entire history.
type compactor struct {
	env      *Environment
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func startCompactor(env *Environment, interval time.Duration, logger *zap.Logger) *compactor {
	c := &compactor{env: env, interval: interval, logger: logger, stopChan: make(chan struct{})}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *compactor) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.env.writeSnapshot(); err != nil {
				c.logger.Error("snapshot failed", zap.Error(err))
			} else {
				c.logger.Debug("snapshot written")
			}
		case <-c.stopChan:
			return
		}
	}
}

func (c *compactor) stop() {
	close(c.stopChan)
	c.wg.Wait()
	if err := c.env.writeSnapshot(); err != nil {
		c.logger.Error("final snapshot failed", zap.Error(err))
	}
}
