// Package engine is the persistent store engine: a directory-rooted,
// transactional key/value environment with typed primary tables and
// ordered secondary indexes, backed by a write-ahead log for durable
// commit and a background compactor for crash-recovery bounds.
//
// Every table and index lives in memory; engine.Environment is the
// single source of truth while the process is up, and the write-ahead
// log plus periodic snapshots are what let it reconstruct that state
// after a restart.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tilecache/diskquota/internal/model"
)

// Config controls the durability knobs of an Environment.
type Config struct {
	WALSegmentSize     int64
	WALSyncWrites      bool
	CompactionInterval time.Duration
}

// Environment is the directory-rooted store: primary tables, their
// secondary indexes, the write-ahead log, and the compactor that keeps
// the log bounded.
type Environment struct {
	mu     sync.RWMutex
	dir    string
	wal    *wal
	compactor *compactor
	logger *zap.Logger

	tileSets        map[string]*model.TileSet
	tileSetsByLayer *StringIndex

	pages      map[uint64]*model.TilePage
	pagesByKey map[string]uint64
	nextPageID uint64

	pageStats     map[uint64]*model.PageStats
	statsByPageID map[uint64]uint64
	statsByLRU    *FloatIndex
	statsByLFU    *FloatIndex
	nextStatsID   uint64

	quotas         map[int64]*model.Quota
	quotaByTileSet map[string]int64
	nextQuotaID    int64
}

// Open initializes (or reopens) the environment rooted at
// <cacheRoot>/diskquota_page_store: it loads the last snapshot if one
// exists, replays any write-ahead log segments newer than that
// snapshot, and recovers the id counters from the resulting state.
func Open(cacheRoot string, cfg Config, logger *zap.Logger) (*Environment, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Join(cacheRoot, "diskquota_page_store")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	env := &Environment{
		dir:             dir,
		logger:          logger,
		tileSets:        make(map[string]*model.TileSet),
		tileSetsByLayer: NewStringIndex(),
		pages:           make(map[uint64]*model.TilePage),
		pagesByKey:      make(map[string]uint64),
		pageStats:       make(map[uint64]*model.PageStats),
		statsByPageID:   make(map[uint64]uint64),
		statsByLRU:      NewFloatIndex(),
		statsByLFU:      NewFloatIndex(),
		quotas:          make(map[int64]*model.Quota),
		quotaByTileSet:  make(map[string]int64),
	}

	cutoff, err := env.loadSnapshot()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	w, err := openWAL(dir, walConfig{segmentSize: cfg.WALSegmentSize, syncWrites: cfg.WALSyncWrites}, logger)
	if err != nil {
		return nil, fmt.Errorf("open write-ahead log: %w", err)
	}
	env.wal = w

	replayed, err := w.recover(env, cutoff)
	if err != nil {
		return nil, fmt.Errorf("recover write-ahead log: %w", err)
	}
	if replayed > 0 {
		logger.Info("replayed write-ahead log records", zap.Int("records", replayed))
	}

	env.recoverCounters()

	if cfg.CompactionInterval > 0 {
		env.compactor = startCompactor(env, cfg.CompactionInterval, logger)
	}

	return env, nil
}

func (env *Environment) recoverCounters() {
	for id := range env.pages {
		if id > env.nextPageID {
			env.nextPageID = id
		}
	}
	for id := range env.pageStats {
		if id > env.nextStatsID {
			env.nextStatsID = id
		}
	}
	for id := range env.quotas {
		if id > env.nextQuotaID {
			env.nextQuotaID = id
		}
	}
}

// Close stops the compactor (folding one last snapshot) and closes the
// write-ahead log.
func (env *Environment) Close() error {
	if env.compactor != nil {
		env.compactor.stop()
	}
	return env.wal.close()
}

// SnapshotTileSets returns every non-sentinel TileSet under a brief
// read lock, for callers that bypass the transaction worker because
// they only need a best-effort, no-cross-row-consistency view.
func (env *Environment) SnapshotTileSets() []*model.TileSet {
	env.mu.RLock()
	defer env.mu.RUnlock()

	out := make([]*model.TileSet, 0, len(env.tileSets))
	for id, ts := range env.tileSets {
		if id == model.GlobalTileSetID {
			continue
		}
		out = append(out, ts)
	}
	return out
}

// undoFunc reverses exactly one mutation performed during a Tx.
type undoFunc func()

// Tx holds the environment's single writer lock for its entire
// duration. Every mutating method below is only safe to call between
// BeginTx and Commit/Abort.
type Tx struct {
	env     *Environment
	undo    []undoFunc
	records []walRecord
	done    bool
}

// BeginTx acquires the environment's writer lock and returns a Tx.
// Exactly one of Commit or Abort must be called to release it.
func (env *Environment) BeginTx() *Tx {
	env.mu.Lock()
	return &Tx{env: env}
}

// Commit appends the transaction's write-ahead log records (if any)
// and releases the writer lock. A failed append rolls the transaction
// back instead, so a pre-commit crash or a WAL failure never leaves
// partial state visible.
func (tx *Tx) Commit() error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	tx.done = true
	defer tx.env.mu.Unlock()

	if len(tx.records) > 0 {
		if err := tx.env.wal.append(tx.records); err != nil {
			tx.rollback()
			return fmt.Errorf("append write-ahead log: %w", err)
		}
	}
	tx.undo = nil
	tx.records = nil
	return nil
}

// Abort undoes every mutation performed on this Tx, in reverse order,
// and releases the writer lock.
func (tx *Tx) Abort() {
	if tx.done {
		return
	}
	tx.done = true
	tx.rollback()
	tx.env.mu.Unlock()
}

func (tx *Tx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.records = nil
}

// --- TileSet ---

func (tx *Tx) GetTileSet(id string) (*model.TileSet, bool) {
	ts, ok := tx.env.tileSets[id]
	return ts, ok
}

func (tx *Tx) AllTileSets() []*model.TileSet {
	out := make([]*model.TileSet, 0, len(tx.env.tileSets))
	for _, ts := range tx.env.tileSets {
		out = append(out, ts)
	}
	return out
}

// ScanTileSetsByLayer returns every TileSet registered under layer, in
// id order.
func (tx *Tx) ScanTileSetsByLayer(layer string) []*model.TileSet {
	var out []*model.TileSet
	tx.env.tileSetsByLayer.Scan(layer, func(_ string, value any) bool {
		if ts, ok := tx.env.tileSets[value.(string)]; ok {
			out = append(out, ts)
		}
		return true
	})
	return out
}

func (tx *Tx) PutTileSet(ts *model.TileSet) {
	env := tx.env
	prev, existed := env.tileSets[ts.ID]

	env.tileSets[ts.ID] = ts
	if existed {
		env.tileSetsByLayer.Delete(prev.LayerName, prev.ID)
	}
	env.tileSetsByLayer.Insert(ts.LayerName, ts.ID, ts.ID)

	tx.undo = append(tx.undo, func() {
		env.tileSetsByLayer.Delete(ts.LayerName, ts.ID)
		if existed {
			env.tileSets[ts.ID] = prev
			env.tileSetsByLayer.Insert(prev.LayerName, prev.ID, prev.ID)
		} else {
			delete(env.tileSets, ts.ID)
		}
	})
	tx.records = append(tx.records, walRecord{Op: opPutTileSet, TileSet: ts})
}

// DeleteTileSet removes the TileSet row. It does not cascade; callers
// are responsible for deleting dependent Quota/TilePage/PageStats rows
// first, per the schema's owning-hierarchy rule.
func (tx *Tx) DeleteTileSet(id string) (*model.TileSet, bool) {
	env := tx.env
	ts, existed := env.tileSets[id]
	if !existed {
		return nil, false
	}

	delete(env.tileSets, id)
	env.tileSetsByLayer.Delete(ts.LayerName, ts.ID)

	tx.undo = append(tx.undo, func() {
		env.tileSets[id] = ts
		env.tileSetsByLayer.Insert(ts.LayerName, ts.ID, ts.ID)
	})
	tx.records = append(tx.records, walRecord{Op: opDeleteTileSet, TileSetID: id})
	return ts, true
}

// --- TilePage ---

func (tx *Tx) GetPage(id uint64) (*model.TilePage, bool) {
	p, ok := tx.env.pages[id]
	return p, ok
}

// PagesForTileSet linearly scans every TilePage belonging to
// tileSetID. There is no dedicated index for this — it is only used
// by the rare cascade-delete path, where a full scan is cheaper than
// maintaining a third page index for every write.
func (tx *Tx) PagesForTileSet(tileSetID string) []*model.TilePage {
	var out []*model.TilePage
	for _, p := range tx.env.pages {
		if p.TileSetID == tileSetID {
			out = append(out, p)
		}
	}
	return out
}

func (tx *Tx) GetPageByKey(key string) (*model.TilePage, bool) {
	id, ok := tx.env.pagesByKey[key]
	if !ok {
		return nil, false
	}
	return tx.env.pages[id], true
}

// NextPageID allocates the next 64-bit page id. The allocation is
// undone on Abort, like any other mutation.
func (tx *Tx) NextPageID() uint64 {
	env := tx.env
	env.nextPageID++
	id := env.nextPageID
	tx.undo = append(tx.undo, func() { env.nextPageID-- })
	return id
}

func (tx *Tx) PutPage(p *model.TilePage) {
	env := tx.env
	prev, existed := env.pages[p.ID]

	env.pages[p.ID] = p
	env.pagesByKey[p.PageKey] = p.ID

	tx.undo = append(tx.undo, func() {
		if existed {
			env.pages[p.ID] = prev
			env.pagesByKey[prev.PageKey] = prev.ID
		} else {
			delete(env.pages, p.ID)
			delete(env.pagesByKey, p.PageKey)
		}
	})
	tx.records = append(tx.records, walRecord{Op: opPutPage, Page: p})
}

// DeletePage removes the TilePage row. Callers delete its PageStats
// separately, per the cascade in §4.5.
func (tx *Tx) DeletePage(id uint64) (*model.TilePage, bool) {
	env := tx.env
	p, existed := env.pages[id]
	if !existed {
		return nil, false
	}

	delete(env.pages, id)
	delete(env.pagesByKey, p.PageKey)

	tx.undo = append(tx.undo, func() {
		env.pages[id] = p
		env.pagesByKey[p.PageKey] = id
	})
	tx.records = append(tx.records, walRecord{Op: opDeletePage, PageID: id})
	return p, true
}

// --- PageStats ---

func (tx *Tx) GetPageStatsByPageID(pageID uint64) (*model.PageStats, bool) {
	id, ok := tx.env.statsByPageID[pageID]
	if !ok {
		return nil, false
	}
	return tx.env.pageStats[id], true
}

func (tx *Tx) NextStatsID() uint64 {
	env := tx.env
	env.nextStatsID++
	id := env.nextStatsID
	tx.undo = append(tx.undo, func() { env.nextStatsID-- })
	return id
}

func (tx *Tx) PutPageStats(s *model.PageStats) {
	env := tx.env
	prev, existed := env.pageStats[s.ID]
	tiebreak := fmt.Sprint(s.ID)

	if existed {
		env.statsByLRU.Delete(prev.LRUScore, tiebreak)
		env.statsByLFU.Delete(prev.LFUScore, tiebreak)
	}
	env.pageStats[s.ID] = s
	env.statsByPageID[s.PageID] = s.ID
	env.statsByLRU.Insert(s.LRUScore, tiebreak, s.PageID)
	env.statsByLFU.Insert(s.LFUScore, tiebreak, s.PageID)

	tx.undo = append(tx.undo, func() {
		env.statsByLRU.Delete(s.LRUScore, tiebreak)
		env.statsByLFU.Delete(s.LFUScore, tiebreak)
		if existed {
			env.pageStats[s.ID] = prev
			env.statsByPageID[prev.PageID] = prev.ID
			env.statsByLRU.Insert(prev.LRUScore, tiebreak, prev.PageID)
			env.statsByLFU.Insert(prev.LFUScore, tiebreak, prev.PageID)
		} else {
			delete(env.pageStats, s.ID)
			delete(env.statsByPageID, s.PageID)
		}
	})
	tx.records = append(tx.records, walRecord{Op: opPutPageStats, PageStats: s})
}

func (tx *Tx) DeletePageStats(id uint64) (*model.PageStats, bool) {
	env := tx.env
	s, existed := env.pageStats[id]
	if !existed {
		return nil, false
	}
	tiebreak := fmt.Sprint(id)

	delete(env.pageStats, id)
	delete(env.statsByPageID, s.PageID)
	env.statsByLRU.Delete(s.LRUScore, tiebreak)
	env.statsByLFU.Delete(s.LFUScore, tiebreak)

	tx.undo = append(tx.undo, func() {
		env.pageStats[id] = s
		env.statsByPageID[s.PageID] = id
		env.statsByLRU.Insert(s.LRUScore, tiebreak, s.PageID)
		env.statsByLFU.Insert(s.LFUScore, tiebreak, s.PageID)
	})
	tx.records = append(tx.records, walRecord{Op: opDeletePageStats, PageStatsID: id})
	return s, true
}

// AscendLRU visits (PageStats, TilePage) pairs in ascending LRU-score
// order until visit returns false. Entries whose page has since been
// deleted are skipped rather than surfaced.
func (tx *Tx) AscendLRU(visit func(stats *model.PageStats, page *model.TilePage) bool) {
	tx.env.statsByLRU.AscendAll(func(_ float64, _ string, value any) bool {
		return tx.visitStatsEntry(value.(uint64), visit)
	})
}

// AscendLFU is AscendLRU's LFU-score counterpart.
func (tx *Tx) AscendLFU(visit func(stats *model.PageStats, page *model.TilePage) bool) {
	tx.env.statsByLFU.AscendAll(func(_ float64, _ string, value any) bool {
		return tx.visitStatsEntry(value.(uint64), visit)
	})
}

func (tx *Tx) visitStatsEntry(pageID uint64, visit func(*model.PageStats, *model.TilePage) bool) bool {
	page, ok := tx.env.pages[pageID]
	if !ok {
		return true
	}
	statsID, ok := tx.env.statsByPageID[pageID]
	if !ok {
		return true
	}
	return visit(tx.env.pageStats[statsID], page)
}

// --- Quota ---

func (tx *Tx) GetQuota(id int64) (*model.Quota, bool) {
	q, ok := tx.env.quotas[id]
	return q, ok
}

func (tx *Tx) GetQuotaByTileSet(tileSetID string) (*model.Quota, bool) {
	id, ok := tx.env.quotaByTileSet[tileSetID]
	if !ok {
		return nil, false
	}
	return tx.env.quotas[id], true
}

func (tx *Tx) NextQuotaID() int64 {
	env := tx.env
	env.nextQuotaID++
	id := env.nextQuotaID
	tx.undo = append(tx.undo, func() { env.nextQuotaID-- })
	return id
}

func (tx *Tx) PutQuota(q *model.Quota) {
	env := tx.env
	prev, existed := env.quotas[q.ID]

	env.quotas[q.ID] = q
	env.quotaByTileSet[q.TileSetID] = q.ID

	tx.undo = append(tx.undo, func() {
		if existed {
			env.quotas[q.ID] = prev
			env.quotaByTileSet[prev.TileSetID] = prev.ID
		} else {
			delete(env.quotas, q.ID)
			delete(env.quotaByTileSet, q.TileSetID)
		}
	})
	tx.records = append(tx.records, walRecord{Op: opPutQuota, Quota: q})
}

func (tx *Tx) DeleteQuota(id int64) (*model.Quota, bool) {
	env := tx.env
	q, existed := env.quotas[id]
	if !existed {
		return nil, false
	}

	delete(env.quotas, id)
	delete(env.quotaByTileSet, q.TileSetID)

	tx.undo = append(tx.undo, func() {
		env.quotas[id] = q
		env.quotaByTileSet[q.TileSetID] = id
	})
	tx.records = append(tx.records, walRecord{Op: opDeleteQuota, QuotaID: id})
	return q, true
}

// applyRecord mutates env directly from a recovered write-ahead log
// record. It runs only during startup recovery, before any Tx exists,
// so it needs neither locking nor undo bookkeeping.
func (env *Environment) applyRecord(rec walRecord) {
	switch rec.Op {
	case opPutTileSet:
		ts := rec.TileSet
		if prev, ok := env.tileSets[ts.ID]; ok {
			env.tileSetsByLayer.Delete(prev.LayerName, prev.ID)
		}
		env.tileSets[ts.ID] = ts
		env.tileSetsByLayer.Insert(ts.LayerName, ts.ID, ts.ID)

	case opDeleteTileSet:
		if ts, ok := env.tileSets[rec.TileSetID]; ok {
			delete(env.tileSets, rec.TileSetID)
			env.tileSetsByLayer.Delete(ts.LayerName, ts.ID)
		}

	case opPutPage:
		p := rec.Page
		env.pages[p.ID] = p
		env.pagesByKey[p.PageKey] = p.ID

	case opDeletePage:
		if p, ok := env.pages[rec.PageID]; ok {
			delete(env.pages, rec.PageID)
			delete(env.pagesByKey, p.PageKey)
		}

	case opPutPageStats:
		s := rec.PageStats
		tiebreak := fmt.Sprint(s.ID)
		if prev, ok := env.pageStats[s.ID]; ok {
			env.statsByLRU.Delete(prev.LRUScore, tiebreak)
			env.statsByLFU.Delete(prev.LFUScore, tiebreak)
		}
		env.pageStats[s.ID] = s
		env.statsByPageID[s.PageID] = s.ID
		env.statsByLRU.Insert(s.LRUScore, tiebreak, s.PageID)
		env.statsByLFU.Insert(s.LFUScore, tiebreak, s.PageID)

	case opDeletePageStats:
		if s, ok := env.pageStats[rec.PageStatsID]; ok {
			tiebreak := fmt.Sprint(s.ID)
			delete(env.pageStats, rec.PageStatsID)
			delete(env.statsByPageID, s.PageID)
			env.statsByLRU.Delete(s.LRUScore, tiebreak)
			env.statsByLFU.Delete(s.LFUScore, tiebreak)
		}

	case opPutQuota:
		q := rec.Quota
		env.quotas[q.ID] = q
		env.quotaByTileSet[q.TileSetID] = q.ID

	case opDeleteQuota:
		if q, ok := env.quotas[rec.QuotaID]; ok {
			delete(env.quotas, rec.QuotaID)
			delete(env.quotaByTileSet, q.TileSetID)
		}
	}
}
