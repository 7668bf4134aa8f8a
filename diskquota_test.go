package diskquota

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T, calc *fakeCalculator) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, calc, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, dir
}

// Scenario A: fresh init seeds every tile set the calculator reports,
// with zero usage everywhere.
func TestFreshInitSeedsTileSetsAndZeroQuota(t *testing.T) {
	calc := newFakeCalculator()
	calc.setLayers("L1", "L2")
	calc.addTileSet("L1", "t1a")
	calc.addTileSet("L1", "t1b")
	calc.addTileSet("L2", "t2a")

	s, _ := openTestStore(t, calc)
	ctx := context.Background()

	sets, err := s.TileSets()
	require.NoError(t, err)
	ids := make(map[string]bool)
	for _, ts := range sets {
		ids[ts.ID] = true
	}
	assert.Equal(t, map[string]bool{"t1a": true, "t1b": true, "t2a": true}, ids)

	global, err := s.GloballyUsedQuota(ctx)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), global.Bytes)

	l1, err := s.UsedQuotaByLayer(ctx, "L1")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), l1.Bytes)

	l2, err := s.UsedQuotaByLayer(ctx, "L2")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), l2.Bytes)
}

func TestReopenIsNoOpForSeeding(t *testing.T) {
	calc := newFakeCalculator()
	calc.setLayers("L1")
	calc.addTileSet("L1", "t1a")

	dir := t.TempDir()
	s1, err := Open(dir, calc, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(dir, calc, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer s2.Close()

	sets, err := s2.TileSets()
	require.NoError(t, err)
	require.Len(t, sets, 1)
}

// Scenario B: recording usage updates both the tile set's quota and
// the global quota, and folds tile counts into the page's fill
// factor.
func TestAddToQuotaAndTileCountsUpdatesUsageAndFillFactor(t *testing.T) {
	calc := newFakeCalculator()
	calc.setLayers("L1")
	calc.addTileSet("L1", "t1a")
	calc.tilesPerPage = 10

	s, _ := openTestStore(t, calc)
	ctx := context.Background()

	err := s.AddToQuotaAndTileCounts(ctx, "t1a", big.NewInt(1024), []PageUpdate{
		{ZoomLevel: 0, PageX: 0, PageY: 0, TilesAdded: 3},
	})
	require.NoError(t, err)

	tsQuota, err := s.UsedQuotaByTileSetID(ctx, "t1a")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1024), tsQuota.Bytes)

	global, err := s.GloballyUsedQuota(ctx)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1024), global.Bytes)

	page := s.mustGetPageByKey(t, pageKey("t1a", 0, 0, 0))
	stats := s.mustGetStatsByPageID(t, page.ID)
	assert.InDelta(t, 0.3, stats.FillFactor, 1e-9)
}

func TestAddToQuotaAndTileCountsZeroTilesDoesNotPersistPage(t *testing.T) {
	calc := newFakeCalculator()
	calc.setLayers("L1")
	calc.addTileSet("L1", "t1a")

	s, _ := openTestStore(t, calc)
	ctx := context.Background()

	err := s.AddToQuotaAndTileCounts(ctx, "t1a", big.NewInt(0), []PageUpdate{
		{ZoomLevel: 0, PageX: 5, PageY: 5, TilesAdded: 0},
	})
	require.NoError(t, err)

	tx := s.env.BeginTx()
	defer tx.Abort()
	_, ok := tx.GetPageByKey(pageKey("t1a", 0, 5, 5))
	assert.False(t, ok)
}

func TestAddToQuotaAndTileCountsNoopWhenTileSetVanished(t *testing.T) {
	calc := newFakeCalculator()
	calc.setLayers("L1")
	calc.addTileSet("L1", "t1a")

	s, _ := openTestStore(t, calc)
	ctx := context.Background()

	err := s.AddToQuotaAndTileCounts(ctx, "does-not-exist", big.NewInt(50), nil)
	assert.NoError(t, err)
}

// Scenario C: after usage is recorded and a hit is registered, the
// eviction query surfaces that page.
func TestLeastRecentlyUsedPagePicksHitPage(t *testing.T) {
	calc := newFakeCalculator()
	calc.setLayers("L1")
	calc.addTileSet("L1", "t1a")
	calc.tilesPerPage = 10

	s, _ := openTestStore(t, calc)
	ctx := context.Background()

	require.NoError(t, s.AddToQuotaAndTileCounts(ctx, "t1a", big.NewInt(1024), []PageUpdate{
		{ZoomLevel: 0, PageX: 0, PageY: 0, TilesAdded: 3},
	}))

	future, err := s.AddHitsAndSetAccessTime(ctx, []PageHit{
		{TileSetID: "t1a", ZoomLevel: 0, PageX: 0, PageY: 0, Hits: 5, LastAccessTimeMillis: 600_000},
	})
	require.NoError(t, err)
	_, err = future.Wait(ctx)
	require.NoError(t, err)

	candidate, err := s.LeastRecentlyUsedPage(ctx, []string{"L1"})
	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, uint8(0), candidate.ZoomLevel)
	assert.Equal(t, int32(0), candidate.PageX)
	assert.Equal(t, int32(0), candidate.PageY)
}

// Scenario D: truncating a page removes it from eviction candidacy.
func TestSetTruncatedRemovesPageFromEviction(t *testing.T) {
	calc := newFakeCalculator()
	calc.setLayers("L1")
	calc.addTileSet("L1", "t1a")
	calc.tilesPerPage = 10

	s, _ := openTestStore(t, calc)
	ctx := context.Background()

	require.NoError(t, s.AddToQuotaAndTileCounts(ctx, "t1a", big.NewInt(1024), []PageUpdate{
		{ZoomLevel: 0, PageX: 0, PageY: 0, TilesAdded: 3},
	}))
	future, err := s.AddHitsAndSetAccessTime(ctx, []PageHit{
		{TileSetID: "t1a", ZoomLevel: 0, PageX: 0, PageY: 0, Hits: 5, LastAccessTimeMillis: 600_000},
	})
	require.NoError(t, err)
	_, err = future.Wait(ctx)
	require.NoError(t, err)

	page := s.mustGetPageByKey(t, pageKey("t1a", 0, 0, 0))

	stats, err := s.SetTruncated(ctx, page.ID)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Zero(t, stats.FillFactor)

	candidate, err := s.LeastRecentlyUsedPage(ctx, []string{"L1"})
	require.NoError(t, err)
	assert.Nil(t, candidate)
}

// Scenario E: on restart, a layer the calculator no longer reports is
// dropped along with its usage.
func TestLayerRemovedOnRestartDropsUsage(t *testing.T) {
	calc := newFakeCalculator()
	calc.setLayers("L1", "L2")
	calc.addTileSet("L1", "t1a")
	calc.addTileSet("L2", "t2a")

	dir := t.TempDir()
	s1, err := Open(dir, calc, WithLogger(zap.NewNop()))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s1.AddToQuotaAndTileCounts(ctx, "t1a", big.NewInt(2048), nil))
	require.NoError(t, s1.Close())

	calc.setLayers("L2")
	s2, err := Open(dir, calc, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	defer s2.Close()

	sets, err := s2.TileSets()
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Equal(t, "t2a", sets[0].ID)

	global, err := s2.GloballyUsedQuota(context.Background())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), global.Bytes)
}

// Scenario F: concurrent writers against the same tile set serialize
// through the transaction worker without losing updates.
func TestConcurrentAddToQuotaAndTileCountsSerializes(t *testing.T) {
	calc := newFakeCalculator()
	calc.setLayers("L1")
	calc.addTileSet("L1", "t1a")

	s, _ := openTestStore(t, calc)
	ctx := context.Background()

	const perWriter = 200
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := s.AddToQuotaAndTileCounts(ctx, "t1a", big.NewInt(100), nil); err != nil {
					panic(err)
				}
			}
		}()
	}
	wg.Wait()

	want := big.NewInt(int64(2 * perWriter * 100))
	tsQuota, err := s.UsedQuotaByTileSetID(ctx, "t1a")
	require.NoError(t, err)
	assert.Equal(t, want, tsQuota.Bytes)

	global, err := s.GloballyUsedQuota(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, global.Bytes)
}

func TestDeleteLayerFoldsFreedBytesOutOfGlobal(t *testing.T) {
	calc := newFakeCalculator()
	calc.setLayers("L1", "L2")
	calc.addTileSet("L1", "t1a")
	calc.addTileSet("L2", "t2a")

	s, _ := openTestStore(t, calc)
	ctx := context.Background()

	require.NoError(t, s.AddToQuotaAndTileCounts(ctx, "t1a", big.NewInt(500), nil))
	require.NoError(t, s.AddToQuotaAndTileCounts(ctx, "t2a", big.NewInt(300), nil))

	future, err := s.DeleteLayer(ctx, "L1")
	require.NoError(t, err)
	require.NoError(t, future.Wait(ctx))

	_, err = s.UsedQuotaByTileSetID(ctx, "t1a")
	assert.True(t, IsNoSuchTileSet(err))

	global, err := s.GloballyUsedQuota(ctx)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(300), global.Bytes)
}

func TestLeastFrequentlyUsedPageSkipsZeroFillFactorPages(t *testing.T) {
	calc := newFakeCalculator()
	calc.setLayers("L1")
	calc.addTileSet("L1", "t1a")

	s, _ := openTestStore(t, calc)
	ctx := context.Background()

	future, err := s.AddHitsAndSetAccessTime(ctx, []PageHit{
		{TileSetID: "t1a", ZoomLevel: 0, PageX: 0, PageY: 0, Hits: 100, LastAccessTimeMillis: 60_000},
		{TileSetID: "t1a", ZoomLevel: 0, PageX: 1, PageY: 0, Hits: 1, LastAccessTimeMillis: 60_000},
	})
	require.NoError(t, err)
	_, err = future.Wait(ctx)
	require.NoError(t, err)

	// Both pages start with fill-factor 0 (never touched by
	// addToQuotaAndTileCounts), so neither is eviction-eligible yet.
	candidate, err := s.LeastFrequentlyUsedPage(ctx, []string{"L1"})
	require.NoError(t, err)
	assert.Nil(t, candidate)
}

func TestTilesForPageDelegatesToCalculator(t *testing.T) {
	calc := newFakeCalculator()
	calc.setLayers("L1")
	calc.addTileSet("L1", "t1a")

	s, _ := openTestStore(t, calc)
	rects, err := s.TilesForPage("t1a", GridPage{ZoomLevel: 2, PageX: 3, PageY: 4})
	require.NoError(t, err)
	require.Len(t, rects, 1)
	assert.Equal(t, int64(3), rects[0].MinX)
}

func TestUsedQuotaByLayerFailsForUnknownLayer(t *testing.T) {
	calc := newFakeCalculator()
	calc.setLayers("L1")
	calc.addTileSet("L1", "t1a")

	s, _ := openTestStore(t, calc)
	_, err := s.UsedQuotaByLayer(context.Background(), "does-not-exist")
	assert.True(t, IsNoSuchLayer(err))
}

func TestOperationsFailAfterClose(t *testing.T) {
	calc := newFakeCalculator()
	calc.setLayers("L1")
	calc.addTileSet("L1", "t1a")

	dir := t.TempDir()
	s, err := Open(dir, calc, WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.GloballyUsedQuota(context.Background())
	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, KindStoreClosed, qe.Kind)
}

// mustGetPageByKey and mustGetStatsByPageID reach past the facade
// into the engine directly, the same way an in-package white-box test
// inspects internal state without a public accessor for it.
func (s *Store) mustGetPageByKey(t *testing.T, key string) *TilePage {
	t.Helper()
	tx := s.env.BeginTx()
	defer tx.Abort()
	page, ok := tx.GetPageByKey(key)
	require.True(t, ok)
	return page
}

func (s *Store) mustGetStatsByPageID(t *testing.T, pageID uint64) *PageStats {
	t.Helper()
	tx := s.env.BeginTx()
	defer tx.Abort()
	stats, ok := tx.GetPageStatsByPageID(pageID)
	require.True(t, ok)
	return stats
}
