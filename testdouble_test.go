package diskquota

import (
	"math/big"
	"sync"
)

// fakeCalculator is a TilePageCalculator whose layer/tile-set universe
// and tiles-per-page table are set directly by a test, standing in for
// the real cache configuration.
type fakeCalculator struct {
	mu           sync.Mutex
	layers       []string
	tileSets     map[string][]TileSetDescriptor
	tilesPerPage int64
}

func newFakeCalculator() *fakeCalculator {
	return &fakeCalculator{
		tileSets:     make(map[string][]TileSetDescriptor),
		tilesPerPage: 10,
	}
}

func (c *fakeCalculator) setLayers(layers ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layers = layers
}

func (c *fakeCalculator) addTileSet(layer, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tileSets[layer] = append(c.tileSets[layer], TileSetDescriptor{
		ID:        id,
		LayerName: layer,
		GridSetID: "EPSG:4326",
		Format:    "image/png",
	})
}

func (c *fakeCalculator) LayerNames() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.layers))
	copy(out, c.layers)
	return out, nil
}

func (c *fakeCalculator) TileSetsFor(layer string) ([]TileSetDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TileSetDescriptor(nil), c.tileSets[layer]...), nil
}

func (c *fakeCalculator) TilesPerPage(tileSetID string, zoomLevel uint8) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return big.NewInt(c.tilesPerPage), nil
}

func (c *fakeCalculator) ToGridCoverage(tileSetID string, page GridPage) ([]GridRect, error) {
	return []GridRect{{MinX: int64(page.PageX), MinY: int64(page.PageY), MaxX: int64(page.PageX) + 1, MaxY: int64(page.PageY) + 1}}, nil
}

var _ TilePageCalculator = (*fakeCalculator)(nil)
