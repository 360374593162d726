// Package layout partitions a video canvas among participant tiles.
//
// All geometry is integer pixels. For every input the returned tiles lie
// inside [0,width]×[0,height] and do not overlap.
package layout

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Spacing and proportions of the composite layout.
const (
	Padding = 8
	Gap     = 8

	mainPercent = 65
	topPercent  = 72

	sideCapacity   = 3
	bottomCapacity = 4
)

// CompositeCapacity is the number of tiles ModeMainSide can hold.
const CompositeCapacity = 1 + sideCapacity + bottomCapacity

// ErrUnknownMode is returned by ParseMode.
var ErrUnknownMode = errors.New("unknown layout mode")

// Mode names a tile arrangement.
type Mode int

const (
	// ModeAuto picks a mode from the participant count.
	ModeAuto Mode = iota
	ModeSingle
	ModeDual
	ModeMainSide
	ModeGrid2x2
	ModeGrid3x2
	ModeGridAuto
)

var modeNames = map[Mode]string{
	ModeAuto:     "auto",
	ModeSingle:   "single",
	ModeDual:     "dual",
	ModeMainSide: "main-side",
	ModeGrid2x2:  "grid-2x2",
	ModeGrid3x2:  "grid-3x2",
	ModeGridAuto: "grid-auto",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses a mode name. The empty string is ModeAuto.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ModeAuto, nil
	}
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return ModeAuto, fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Capacity returns how many tiles the mode can place, or 0 if unbounded.
func (m Mode) Capacity() int {
	switch m {
	case ModeSingle:
		return 1
	case ModeDual:
		return 2
	case ModeMainSide:
		return CompositeCapacity
	case ModeGrid2x2:
		return 4
	case ModeGrid3x2:
		return 6
	default:
		return 0
	}
}

// Tile is the absolute geometry of one participant's video.
type Tile struct {
	Index  int `json:"index"`
	Width  int `json:"width"`
	Height int `json:"height"`
	Left   int `json:"left"`
	Top    int `json:"top"`
}

// Right returns the tile's right edge.
func (t Tile) Right() int { return t.Left + t.Width }

// Bottom returns the tile's bottom edge.
func (t Tile) Bottom() int { return t.Top + t.Height }

// Overlaps reports whether two tiles share any interior area.
func (t Tile) Overlaps(o Tile) bool {
	return t.Left < o.Right() && o.Left < t.Right() &&
		t.Top < o.Bottom() && o.Top < t.Bottom()
}

// SelectMode returns the mode Compute uses for count participants.
func SelectMode(count int) Mode {
	switch {
	case count <= 1:
		return ModeSingle
	case count == 2:
		return ModeDual
	case count <= CompositeCapacity:
		return ModeMainSide
	default:
		return ModeGridAuto
	}
}

// Resolve returns the mode actually used for count participants when mode
// is requested. Modes that cannot hold count tiles fall back to
// ModeGridAuto.
func Resolve(mode Mode, count int) Mode {
	if mode == ModeAuto {
		return SelectMode(count)
	}
	if c := mode.Capacity(); c > 0 && count > c {
		return ModeGridAuto
	}
	return mode
}

// Compute returns tile geometries for count participants in a width×height
// container using the automatic mode. A count below one yields one tile.
func Compute(count, width, height int, landscape bool) []Tile {
	return ComputeMode(ModeAuto, count, width, height, landscape)
}

// ComputeMode is Compute with an explicit mode.
func ComputeMode(mode Mode, count, width, height int, landscape bool) []Tile {
	if count < 1 {
		count = 1
	}
	width = max(width, 0)
	height = max(height, 0)

	switch Resolve(mode, count) {
	case ModeSingle:
		return []Tile{{Width: width, Height: height}}
	case ModeDual:
		return dual(count, width, height, landscape)
	case ModeMainSide:
		return mainSide(count, width, height)
	case ModeGrid2x2:
		return grid(count, 2, 2, width, height)
	case ModeGrid3x2:
		if landscape {
			return grid(count, 3, 2, width, height)
		}
		return grid(count, 2, 3, width, height)
	default:
		cols := int(math.Ceil(math.Sqrt(float64(count))))
		rows := (count + cols - 1) / cols
		if !landscape && cols > rows {
			cols, rows = rows, cols
		}
		return grid(count, cols, rows, width, height)
	}
}

func dual(count, width, height int, landscape bool) []Tile {
	if landscape {
		return grid(count, 2, 1, width, height)
	}
	return grid(count, 1, 2, width, height)
}

// mainSide places one main tile, a side column of up to three tiles and,
// past four participants, a bottom row of up to four tiles.
func mainSide(count, width, height int) []Tile {
	side := min(count-1, sideCapacity)
	bottom := count - 1 - side

	across := 2
	down := max(side, 1)
	if bottom > 0 {
		across = max(across, bottom)
		down++
	}
	u := spacing(width, height, across, down)

	availW := width - 2*u
	availH := height - 2*u

	topH := availH
	bottomH := 0
	if bottom > 0 {
		rest := max(availH-u, 0)
		topH = rest * topPercent / 100
		bottomH = rest - topH
	}
	mainW := max(availW-u, 0) * mainPercent / 100
	sideW := max(availW-u-mainW, 0)

	tiles := make([]Tile, 0, count)
	tiles = append(tiles, Tile{Index: 0, Left: u, Top: u, Width: mainW, Height: topH})

	sideLeft := u + mainW + u
	for i, cell := range split(topH, side, u) {
		tiles = append(tiles, Tile{
			Index:  1 + i,
			Left:   sideLeft,
			Top:    u + cell.off,
			Width:  sideW,
			Height: cell.size,
		})
	}

	bottomTop := u + topH + u
	for i, cell := range split(availW, bottom, u) {
		tiles = append(tiles, Tile{
			Index:  1 + side + i,
			Left:   u + cell.off,
			Top:    bottomTop,
			Width:  cell.size,
			Height: bottomH,
		})
	}
	return tiles
}

// grid fills cols×rows cells row-major with count tiles.
func grid(count, cols, rows, width, height int) []Tile {
	u := spacing(width, height, cols, rows)
	xs := split(width-2*u, cols, u)
	ys := split(height-2*u, rows, u)

	tiles := make([]Tile, 0, count)
	for i := 0; i < count; i++ {
		x, y := xs[i%cols], ys[i/cols]
		tiles = append(tiles, Tile{
			Index:  i,
			Left:   u + x.off,
			Top:    u + y.off,
			Width:  x.size,
			Height: y.size,
		})
	}
	return tiles
}

// spacing returns the padding and gap for a container holding across
// columns and down rows. Fixed spacing never takes more than half of
// either dimension.
func spacing(width, height, across, down int) int {
	u := Padding
	if across > 0 {
		u = min(u, width/(2*(across+1)))
	}
	if down > 0 {
		u = min(u, height/(2*(down+1)))
	}
	return max(u, 0)
}

type cell struct {
	off, size int
}

// split divides length into n equal cells separated by gap.
func split(length, n, gap int) []cell {
	if n <= 0 {
		return nil
	}
	length = max(length, 0)
	if (n-1)*gap > length {
		gap = 0
	}
	size := (length - (n-1)*gap) / n
	cells := make([]cell, n)
	for i := range cells {
		cells[i] = cell{off: i * (size + gap), size: size}
	}
	return cells
}
