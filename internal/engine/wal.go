package engine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tilecache/diskquota/internal/model"
)

// walOp names the mutation a single write-ahead log line replays.
type walOp string

const (
	opPutTileSet      walOp = "put_tile_set"
	opDeleteTileSet   walOp = "delete_tile_set"
	opPutPage         walOp = "put_page"
	opDeletePage      walOp = "delete_page"
	opPutPageStats    walOp = "put_page_stats"
	opDeletePageStats walOp = "delete_page_stats"
	opPutQuota        walOp = "put_quota"
	opDeleteQuota     walOp = "delete_quota"
)

// walRecord is one JSON line of the write-ahead log. Only the fields
// relevant to Op are populated.
type walRecord struct {
	Op          walOp            `json:"op"`
	TileSet     *model.TileSet   `json:"tile_set,omitempty"`
	TileSetID   string           `json:"tile_set_id,omitempty"`
	Page        *model.TilePage  `json:"page,omitempty"`
	PageID      uint64           `json:"page_id,omitempty"`
	PageStats   *model.PageStats `json:"page_stats,omitempty"`
	PageStatsID uint64           `json:"page_stats_id,omitempty"`
	Quota       *model.Quota     `json:"quota,omitempty"`
	QuotaID     int64            `json:"quota_id,omitempty"`
}

type walConfig struct {
	segmentSize int64
	syncWrites  bool
}

// wal is the durability layer under Environment: every committed Tx
// appends its records here before the caller is told the commit
// succeeded.
type wal struct {
	dir         string
	config      walConfig
	logger      *zap.Logger
	mu          sync.Mutex
	currentFile *os.File
	segmentID   int64
}

func openWAL(dir string, cfg walConfig, logger *zap.Logger) (*wal, error) {
	if cfg.segmentSize <= 0 {
		cfg.segmentSize = 16 * 1024 * 1024
	}
	w := &wal{dir: dir, config: cfg, logger: logger}
	if err := w.openNewSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *wal) openNewSegment() error {
	if w.currentFile != nil {
		w.currentFile.Close()
	}

	w.segmentID = time.Now().UnixNano()
	path := filepath.Join(w.dir, fmt.Sprintf("wal-%d.log", w.segmentID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open wal segment: %w", err)
	}

	w.currentFile = f
	w.logger.Info("opened new write-ahead log segment", zap.String("path", path))
	return nil
}

// append writes every record as one JSON line, fsyncs once for the
// whole batch when configured, and rotates the segment if it has
// grown past the configured size.
func (w *wal) append(records []walRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal wal record: %w", err)
		}
		data = append(data, '\n')
		if _, err := w.currentFile.Write(data); err != nil {
			return fmt.Errorf("write wal record: %w", err)
		}
	}

	if w.config.syncWrites {
		if err := w.currentFile.Sync(); err != nil {
			return fmt.Errorf("sync wal segment: %w", err)
		}
	}

	return w.rotateIfNeeded()
}

func (w *wal) rotateIfNeeded() error {
	info, err := w.currentFile.Stat()
	if err != nil {
		return fmt.Errorf("stat wal segment: %w", err)
	}
	if info.Size() < w.config.segmentSize {
		return nil
	}

	w.logger.Info("rotating write-ahead log", zap.Int64("size", info.Size()))
	return w.openNewSegment()
}

type walSegment struct {
	id   int64
	path string
}

func (w *wal) segmentFiles() ([]walSegment, error) {
	matches, err := filepath.Glob(filepath.Join(w.dir, "wal-*.log"))
	if err != nil {
		return nil, fmt.Errorf("list wal segments: %w", err)
	}

	segments := make([]walSegment, 0, len(matches))
	for _, m := range matches {
		base := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), "wal-"), ".log")
		id, err := strconv.ParseInt(base, 10, 64)
		if err != nil {
			w.logger.Warn("ignoring malformed wal segment name", zap.String("path", m))
			continue
		}
		segments = append(segments, walSegment{id: id, path: m})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].id < segments[j].id })
	return segments, nil
}

// recover replays every segment newer than cutoff — the segment a
// prior snapshot had already folded in — directly against env.
func (w *wal) recover(env *Environment, cutoff int64) (int, error) {
	segments, err := w.segmentFiles()
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, seg := range segments {
		if seg.id <= cutoff {
			continue
		}
		n, err := w.recoverSegment(env, seg.path)
		if err != nil {
			return replayed, fmt.Errorf("recover %s: %w", seg.path, err)
		}
		replayed += n
	}
	return replayed, nil
}

func (w *wal) recoverSegment(env *Environment, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	count := 0
	for scanner.Scan() {
		var rec walRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			w.logger.Warn("skipping malformed wal record", zap.String("path", path), zap.Error(err))
			continue
		}
		env.applyRecord(rec)
		count++
	}
	return count, scanner.Err()
}

// truncateBefore removes every segment strictly older than the current
// one whose id is at or below cutoff, once a snapshot has folded their
// records in.
func (w *wal) truncateBefore(cutoff int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	segments, err := w.segmentFiles()
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if seg.id >= w.segmentID || seg.id > cutoff {
			continue
		}
		if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove wal segment %s: %w", seg.path, err)
		}
	}
	return nil
}

func (w *wal) currentSegmentID() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentID
}

func (w *wal) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return nil
	}
	return w.currentFile.Close()
}
