package layout

import "sync"

type key struct {
	mode          Mode
	count         int
	width, height int
	landscape     bool
}

// Engine memoizes the last computed layout. Identical inputs return the
// same slice, which callers must not modify.
type Engine struct {
	mu    sync.Mutex
	last  key
	mode  Mode
	tiles []Tile
}

// NewEngine creates an Engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Compute returns the layout for the inputs using the automatic mode.
func (e *Engine) Compute(count, width, height int, landscape bool) []Tile {
	return e.ComputeMode(ModeAuto, count, width, height, landscape)
}

// ComputeMode returns the layout for the inputs, reusing the previous
// result when nothing changed.
func (e *Engine) ComputeMode(mode Mode, count, width, height int, landscape bool) []Tile {
	k := key{mode: mode, count: count, width: width, height: height, landscape: landscape}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tiles != nil && e.last == k {
		return e.tiles
	}
	e.last = k
	e.mode = Resolve(mode, max(count, 1))
	e.tiles = ComputeMode(mode, count, width, height, landscape)
	return e.tiles
}

// Mode returns the mode of the most recent computation.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}
