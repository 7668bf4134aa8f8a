package engine

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tilecache/diskquota/internal/model"
)

func openTestEnv(t *testing.T, cfg Config) *Environment {
	t.Helper()
	env, err := Open(t.TempDir(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestTxPutTileSetVisibleAfterCommit(t *testing.T) {
	env := openTestEnv(t, Config{})

	tx := env.BeginTx()
	tx.PutTileSet(&model.TileSet{ID: "ts1", LayerName: "layer-a"})
	require.NoError(t, tx.Commit())

	tx2 := env.BeginTx()
	defer tx2.Abort()
	ts, ok := tx2.GetTileSet("ts1")
	require.True(t, ok)
	assert.Equal(t, "layer-a", ts.LayerName)
}

func TestTxAbortUndoesMutations(t *testing.T) {
	env := openTestEnv(t, Config{})

	tx := env.BeginTx()
	tx.PutTileSet(&model.TileSet{ID: "ts1", LayerName: "layer-a"})
	tx.Abort()

	tx2 := env.BeginTx()
	defer tx2.Abort()
	_, ok := tx2.GetTileSet("ts1")
	assert.False(t, ok)
	assert.Empty(t, tx2.ScanTileSetsByLayer("layer-a"))
}

func TestTxAbortUndoesEveryQuotaPut(t *testing.T) {
	env := openTestEnv(t, Config{})

	tx := env.BeginTx()
	tx.PutQuota(&model.Quota{ID: tx.NextQuotaID(), TileSetID: "ts1", Bytes: big.NewInt(10)})
	tx.PutQuota(&model.Quota{ID: tx.NextQuotaID(), TileSetID: "ts2", Bytes: big.NewInt(20)})
	tx.Abort()

	tx2 := env.BeginTx()
	defer tx2.Abort()
	_, ok1 := tx2.GetQuotaByTileSet("ts1")
	_, ok2 := tx2.GetQuotaByTileSet("ts2")
	assert.False(t, ok1)
	assert.False(t, ok2)
}

func TestAscendLRUSkipsDeletedPages(t *testing.T) {
	env := openTestEnv(t, Config{})

	tx := env.BeginTx()
	page := &model.TilePage{ID: tx.NextPageID(), TileSetID: "ts1", PageKey: "ts1/0/0/0"}
	tx.PutPage(page)
	tx.PutPageStats(&model.PageStats{ID: tx.NextStatsID(), PageID: page.ID, FillFactor: 1, LRUScore: -5})
	require.NoError(t, tx.Commit())

	tx2 := env.BeginTx()
	tx2.DeletePage(page.ID)
	require.NoError(t, tx2.Commit())

	tx3 := env.BeginTx()
	defer tx3.Abort()
	var visited int
	tx3.AscendLRU(func(_ *model.PageStats, _ *model.TilePage) bool {
		visited++
		return true
	})
	assert.Equal(t, 0, visited)
}

func TestEnvironmentRecoversStateAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	env, err := Open(dir, Config{}, zap.NewNop())
	require.NoError(t, err)

	tx := env.BeginTx()
	tx.PutTileSet(&model.TileSet{ID: "ts1", LayerName: "layer-a"})
	tx.PutQuota(&model.Quota{ID: tx.NextQuotaID(), TileSetID: "ts1", Bytes: big.NewInt(4096)})
	require.NoError(t, tx.Commit())
	require.NoError(t, env.Close())

	reopened, err := Open(dir, Config{}, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	tx2 := reopened.BeginTx()
	defer tx2.Abort()

	ts, ok := tx2.GetTileSet("ts1")
	require.True(t, ok)
	assert.Equal(t, "layer-a", ts.LayerName)

	q, ok := tx2.GetQuotaByTileSet("ts1")
	require.True(t, ok)
	assert.Equal(t, big.NewInt(4096), q.Bytes)
}

func TestSnapshotTileSetsExcludesSentinel(t *testing.T) {
	env := openTestEnv(t, Config{})

	tx := env.BeginTx()
	tx.PutTileSet(&model.TileSet{ID: model.GlobalTileSetID, LayerName: model.GlobalTileSetID})
	tx.PutTileSet(&model.TileSet{ID: "ts1", LayerName: "layer-a"})
	require.NoError(t, tx.Commit())

	sets := env.SnapshotTileSets()
	require.Len(t, sets, 1)
	assert.Equal(t, "ts1", sets[0].ID)
}
