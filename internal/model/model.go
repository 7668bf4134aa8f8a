// Package model defines the entity schema of the disk quota accounting
// store: the record types persisted by the engine and the sentinel values
// that give the global quota row its identity.
package model

import (
	"fmt"
	"math/big"
)

// GlobalTileSetID identifies the sentinel TileSet/Quota pair that mirrors
// the sum of every other tile set's usage.
const GlobalTileSetID = "___GLOBAL_QUOTA___"

// TileSet is a concrete (layer, grid, format, parameters) tuple whose
// cached tiles share storage accounting.
type TileSet struct {
	ID             string
	LayerName      string
	GridSetID      string
	Format         string
	ParametersHash string
}

// IsSentinel reports whether this is the global accounting row rather
// than a real tile set.
func (t *TileSet) IsSentinel() bool {
	return t.ID == GlobalTileSetID
}

// TilePage is a rectangular block of tiles at one zoom level, the unit of
// eviction.
type TilePage struct {
	ID               uint64
	TileSetID        string
	ZoomLevel        uint8
	PageX            int32
	PageY            int32
	PageKey          string
	CreatedAtMinutes int64
}

// PageStats holds the access accounting for one TilePage.
type PageStats struct {
	ID                 uint64
	PageID             uint64
	FillFactor         float64
	FrequencyPerMinute float64
	LastAccessMinutes  int64
	LRUScore           float64
	LFUScore           float64
}

// Quota is the usage accounting row for one tile set (or the sentinel).
type Quota struct {
	ID        int64
	TileSetID string
	Bytes     *big.Int
}

// Clone returns a defensive copy so callers can't mutate engine state
// through a value handed back from a lookup.
func (q *Quota) Clone() *Quota {
	if q == nil {
		return nil
	}
	return &Quota{ID: q.ID, TileSetID: q.TileSetID, Bytes: new(big.Int).Set(q.Bytes)}
}

var quotaUnits = []string{"B", "KB", "MB", "GB", "TB", "PB"}

// HumanReadable renders bytes in the largest unit that keeps the
// mantissa at or above 1, for log lines rather than comparisons.
func (q *Quota) HumanReadable() string {
	if q == nil || q.Bytes == nil {
		return "0 B"
	}

	value := new(big.Float).SetInt(q.Bytes)
	negative := value.Sign() < 0
	if negative {
		value.Neg(value)
	}

	unit := 0
	thousand := big.NewFloat(1024)
	for unit < len(quotaUnits)-1 && value.Cmp(thousand) >= 0 {
		value.Quo(value, thousand)
		unit++
	}

	sign := ""
	if negative {
		sign = "-"
	}
	return fmt.Sprintf("%s%.2f %s", sign, value, quotaUnits[unit])
}
