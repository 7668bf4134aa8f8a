// Package diskquota is a durable disk-quota accounting store for a
// tile cache: it tracks bytes used per tile set and per page-level
// access statistics, backed by a transactional, write-ahead-logged
// engine so a crash never loses more than the transaction in flight.
package diskquota

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tilecache/diskquota/internal/config"
	"github.com/tilecache/diskquota/internal/engine"
	"github.com/tilecache/diskquota/internal/metrics"
	"github.com/tilecache/diskquota/internal/model"
	"github.com/tilecache/diskquota/internal/txworker"
	"github.com/tilecache/diskquota/internal/validation"
)

// Store is the public handle to an open accounting store. Every
// mutation is serialized through a single transaction worker; reads
// either join that same queue or, where the operation says so, read a
// point-in-time snapshot directly.
type Store struct {
	env    *engine.Environment
	worker *txworker.Worker
	calc   TilePageCalculator

	logger    *zap.Logger
	metrics   *metrics.Metrics
	validator *validation.Validator

	drainTimeout time.Duration
	closed       atomic.Bool
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	logger *zap.Logger
	config *config.Config
}

// WithLogger overrides the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *openOptions) {
		o.logger = logger
	}
}

// WithConfig overrides the default configuration.
func WithConfig(cfg *config.Config) Option {
	return func(o *openOptions) {
		o.config = cfg
	}
}

// Open opens the accounting store rooted at cacheRoot, running the
// startup reconciler against calc before returning. calc is retained
// for the lifetime of the Store and consulted whenever a nonzero tile
// count is folded into a page's fill factor, and by TilesForPage.
func Open(cacheRoot string, calc TilePageCalculator, opts ...Option) (*Store, error) {
	o := &openOptions{
		logger: zap.NewNop(),
		config: config.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if calc == nil {
		return nil, fmt.Errorf("diskquota: calc must not be nil")
	}

	env, err := engine.Open(cacheRoot, engine.Config{
		WALSegmentSize:     o.config.WAL.SegmentSize,
		WALSyncWrites:      o.config.WAL.SyncWrites,
		CompactionInterval: o.config.Compaction.Interval,
	}, o.logger)
	if err != nil {
		return nil, fmt.Errorf("diskquota: open engine: %w", err)
	}

	var m *metrics.Metrics
	if o.config.Metrics.Enabled {
		m = metrics.New()
	}

	s := &Store{
		env:          env,
		calc:         calc,
		logger:       o.logger,
		metrics:      m,
		validator:    validation.NewValidator(),
		drainTimeout: o.config.Worker.DrainTimeout,
	}

	if err := s.reconcile(); err != nil {
		env.Close()
		return nil, fmt.Errorf("diskquota: startup reconciliation: %w", err)
	}

	s.worker = txworker.New(txworker.Config{
		QueueSize: o.config.Worker.QueueSize,
		Logger:    o.logger,
	})

	if global, err := s.readGlobalQuotaDirect(); err == nil {
		s.logger.Info("quota store opened", zap.String("used", global.HumanReadable()))
	}

	return s, nil
}

// readGlobalQuotaDirect reads the sentinel quota row straight off the
// engine, bypassing the worker. Open uses it once, before the worker
// exists, purely to log the post-reconciliation totals.
func (s *Store) readGlobalQuotaDirect() (*Quota, error) {
	tx := s.env.BeginTx()
	defer tx.Abort()

	q, ok := tx.GetQuotaByTileSet(model.GlobalTileSetID)
	if !ok {
		return nil, errStoreNotInitialized()
	}
	return q.Clone(), nil
}

// checkOpen returns errStoreClosed if the store has already been
// closed, so every facade method fails fast instead of touching a
// worker that no longer accepts work.
func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return errStoreClosed()
	}
	return nil
}

// Close drains the transaction worker and stops the engine, writing a
// final snapshot. It is safe to call more than once.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if err := s.worker.Close(s.drainTimeout); err != nil {
		s.logger.Warn("transaction worker did not drain cleanly", zap.Error(err))
	}
	if err := s.env.Close(); err != nil {
		return fmt.Errorf("diskquota: close engine: %w", err)
	}
	return nil
}

// Stats reports the transaction worker's queue and throughput
// counters, for an embedder that isn't scraping Prometheus.
func (s *Store) Stats() txworker.Stats {
	return s.worker.Stats()
}

// withReadTx runs fn against a transaction submitted to the worker and
// aborted once fn returns, for read-only operations that still need
// the worker's total ordering relative to concurrent writers.
func (s *Store) withReadTx(ctx context.Context, fn func(tx *engine.Tx) (any, error)) (any, error) {
	return s.worker.SubmitAndWait(ctx, func(context.Context) (any, error) {
		tx := s.env.BeginTx()
		defer tx.Abort()
		return fn(tx)
	})
}
