package capture

import (
	"context"
	"encoding/base64"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/config"
)

// Tile is one cell of a region sweep.
type Tile struct {
	Index  int
	Row    int
	Col    int
	Region schemas.TargetRegion
	Frame  *Frame
}

// TileResult pairs a tile with whatever the per-tile function produced.
type TileResult struct {
	Tile   Tile
	Output string
	Err    error
}

// TileFunc analyses one tile. image is the base64 PNG of the tile.
type TileFunc func(ctx context.Context, tile Tile, image string) (string, error)

// TiledScanner sweeps a region in fixed-size cells. The whole sweep holds
// the perception lock, so the capture loop skips ticks while it runs.
type TiledScanner struct {
	logger      *zap.Logger
	screen      Screen
	lock        *PerceptionLock
	tileSize    int
	concurrency int
}

// NewTiledScanner builds a scanner sharing lock with the capture loop.
func NewTiledScanner(logger *zap.Logger, cfg config.CaptureConfig, screen Screen, lock *PerceptionLock) *TiledScanner {
	size := cfg.TileSize
	if size <= 0 {
		size = 500
	}
	workers := cfg.TileConcurrency
	if workers <= 0 {
		workers = 1
	}
	return &TiledScanner{
		logger:      logger.Named("scanner"),
		screen:      screen,
		lock:        lock,
		tileSize:    size,
		concurrency: workers,
	}
}

// Layout splits region into tiles no larger than the configured size.
// Edge tiles are trimmed to fit.
func Layout(region schemas.TargetRegion, size int) []Tile {
	if region.IsZero() || size <= 0 {
		return nil
	}
	var tiles []Tile
	row := 0
	for y := 0; y < region.Height; y += size {
		col := 0
		for x := 0; x < region.Width; x += size {
			w, h := size, size
			if x+w > region.Width {
				w = region.Width - x
			}
			if y+h > region.Height {
				h = region.Height - y
			}
			tiles = append(tiles, Tile{
				Index: len(tiles),
				Row:   row,
				Col:   col,
				Region: schemas.TargetRegion{
					Label:    fmt.Sprintf("%s#%d", region.Label, len(tiles)),
					Left:     region.Left + x,
					Top:      region.Top + y,
					Width:    w,
					Height:   h,
					WindowID: region.WindowID,
				},
			})
			col++
		}
		row++
	}
	return tiles
}

// Scan grabs every tile of region, then runs fn over them with bounded
// concurrency. Tiles whose digest matches an earlier tile reuse its output.
// A nil fn only grabs and fingerprints. Per-tile errors are reported in the
// results; Scan itself fails only on lock or grab errors.
func (s *TiledScanner) Scan(ctx context.Context, region schemas.TargetRegion, fn TileFunc) ([]TileResult, error) {
	tiles := Layout(region, s.tileSize)
	if len(tiles) == 0 {
		return nil, fmt.Errorf("region %s has no area to scan", region)
	}

	if err := s.lock.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("acquiring perception lock: %w", err)
	}
	defer s.lock.Release()

	s.logger.Info("Tiled scan starting.", zap.Stringer("region", region), zap.Int("tiles", len(tiles)))

	for i := range tiles {
		img, err := s.screen.Grab(ctx, tiles[i].Region)
		if err != nil {
			return nil, fmt.Errorf("grabbing tile %d: %w", i, err)
		}
		rgba := toRGBA(img)
		tiles[i].Frame = &Frame{Image: rgba, Digest: Fingerprint(rgba)}
	}

	results := make([]TileResult, len(tiles))
	for i := range tiles {
		results[i].Tile = tiles[i]
	}
	if fn == nil {
		return results, nil
	}

	// Identical tiles (blank panels, repeated chrome) are analysed once.
	first := make(map[Digest]int, len(tiles))
	var unique []int
	for i, t := range tiles {
		if _, seen := first[t.Frame.Digest]; !seen {
			first[t.Frame.Digest] = i
			unique = append(unique, i)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, idx := range unique {
		idx := idx
		g.Go(func() error {
			data, err := EncodePNG(tiles[idx].Frame.Image)
			if err != nil {
				results[idx].Err = err
				return nil
			}
			out, err := fn(gctx, tiles[idx], base64.StdEncoding.EncodeToString(data))
			results[idx].Output = out
			results[idx].Err = err
			if err != nil {
				s.logger.Debug("Tile analysis failed.", zap.Int("tile", idx), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	for i, t := range tiles {
		src := first[t.Frame.Digest]
		if src != i {
			results[i].Output = results[src].Output
			results[i].Err = results[src].Err
		}
	}

	s.logger.Info("Tiled scan complete.", zap.Int("tiles", len(tiles)), zap.Int("analysed", len(unique)))
	return results, ctx.Err()
}
