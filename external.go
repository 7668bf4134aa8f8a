package diskquota

import "math/big"

// TilePageCalculator is the oracle that knows how a layer's tiles are
// organized into tile sets and pages. The store treats it purely as a
// consulted interface; it owns no state of its own.
type TilePageCalculator interface {
	// LayerNames returns every layer currently known to the cache
	// configuration, used by the startup reconciler to decide which
	// tile sets to keep.
	LayerNames() ([]string, error)

	// TileSetsFor returns every tile set that belongs to layer.
	TileSetsFor(layer string) ([]TileSetDescriptor, error)

	// TilesPerPage returns the arbitrary-precision tile count a full
	// page holds for the given tile set at the given zoom level.
	TilesPerPage(tileSetID string, zoomLevel uint8) (*big.Int, error)

	// ToGridCoverage returns the rectangles a tile page covers, in
	// grid coordinates.
	ToGridCoverage(tileSetID string, page GridPage) ([]GridRect, error)
}

// CacheDirectoryLocator supplies the on-disk root the store's
// environment is rooted under.
type CacheDirectoryLocator interface {
	DefaultPath() (string, error)
}

// TileSetDescriptor is what a TilePageCalculator reports for a layer;
// the store turns it into a model.TileSet on first sight.
type TileSetDescriptor struct {
	ID             string
	LayerName      string
	GridSetID      string
	Format         string
	ParametersHash string
}

// GridPage identifies a page for the purpose of a ToGridCoverage call.
type GridPage struct {
	ZoomLevel uint8
	PageX     int32
	PageY     int32
}

// GridRect is one rectangle of a page's grid coverage.
type GridRect struct {
	MinX, MinY, MaxX, MaxY int64
}
