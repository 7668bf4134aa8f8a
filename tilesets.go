package diskquota

import (
	"context"

	"github.com/tilecache/diskquota/internal/engine"
	"github.com/tilecache/diskquota/internal/txworker"
)

// Future is a handle to a unit of work submitted asynchronously by a
// Store method that doesn't need to block its caller on completion.
type Future struct {
	inner *txworker.Future
}

// Wait blocks until the submitted work has run or ctx is done,
// whichever comes first.
func (f *Future) Wait(ctx context.Context) error {
	_, err := f.inner.Wait(ctx)
	return translateWaitErr(err)
}

// StatsFuture is a handle to an asynchronously submitted hit-recording
// batch. Wait surfaces the updated PageStats rows alongside the usual
// completion error.
type StatsFuture struct {
	inner *txworker.Future
}

// Wait blocks until the submitted batch has run or ctx is done,
// whichever comes first.
func (f *StatsFuture) Wait(ctx context.Context) ([]*PageStats, error) {
	result, err := f.inner.Wait(ctx)
	if err != nil {
		return nil, translateWaitErr(err)
	}
	if result == nil {
		return nil, nil
	}
	return result.([]*PageStats), nil
}

// TileSets returns every non-sentinel tile set currently registered.
// It reads a point-in-time snapshot directly off the engine rather
// than going through the transaction worker, since a caller listing
// tile sets doesn't need serialization with concurrent writers.
func (s *Store) TileSets() ([]*TileSet, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.env.SnapshotTileSets(), nil
}

// TileSetByID returns the tile set registered under id, failing with
// NoSuchTileSet if there isn't one.
func (s *Store) TileSetByID(ctx context.Context, id string) (*TileSet, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	result, err := s.withReadTx(ctx, func(tx *engine.Tx) (any, error) {
		ts, ok := tx.GetTileSet(id)
		if !ok {
			return nil, errNoSuchTileSet(id)
		}
		return ts, nil
	})
	if err != nil {
		return nil, translateWaitErr(err)
	}
	return result.(*TileSet), nil
}

// DeleteLayer removes every tile set registered under name, along
// with its quota and page-level accounting, folding the freed bytes
// out of the global quota. It runs asynchronously; the returned
// Future resolves once the deletion has committed.
func (s *Store) DeleteLayer(ctx context.Context, name string) (*Future, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateLayerName(name); err != nil {
		return nil, err
	}

	inner, err := s.worker.Submit(ctx, func(context.Context) (any, error) {
		tx := s.env.BeginTx()
		if err := cascadeDeleteLayer(tx, name, s.logger); err != nil {
			tx.Abort()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, errStorageFailure("commit layer deletion", err)
		}
		return nil, nil
	})
	if err != nil {
		return nil, translateWaitErr(err)
	}
	return &Future{inner: inner}, nil
}

// TilesForPage returns the grid rectangles a tile page covers. It
// calls straight through to the calculator and never touches the
// engine, so it neither blocks on nor is ordered against the
// transaction worker.
func (s *Store) TilesForPage(tileSetID string, page GridPage) ([]GridRect, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.calc.ToGridCoverage(tileSetID, page)
}
