package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkTiles(t *testing.T, tiles []Tile, count, w, h int) {
	t.Helper()
	want := max(count, 1)
	require.Len(t, tiles, want, "count=%d %dx%d", count, w, h)
	for i, tile := range tiles {
		if tile.Index != i {
			t.Fatalf("count=%d %dx%d: tile %d has index %d", count, w, h, i, tile.Index)
		}
		if tile.Left < 0 || tile.Top < 0 || tile.Width < 0 || tile.Height < 0 ||
			tile.Right() > w || tile.Bottom() > h {
			t.Fatalf("count=%d %dx%d: tile %+v out of bounds", count, w, h, tile)
		}
		for _, other := range tiles[i+1:] {
			if tile.Overlaps(other) {
				t.Fatalf("count=%d %dx%d: %+v overlaps %+v", count, w, h, tile, other)
			}
		}
	}
}

func TestCompute_BoundsAndNoOverlap(t *testing.T) {
	sizes := []int{100, 101, 137, 240, 333, 480, 720, 1080, 1366, 1920, 2561, 3840, 4000}
	for count := 1; count <= 9; count++ {
		for _, w := range sizes {
			for _, h := range sizes {
				for _, landscape := range []bool{true, false} {
					checkTiles(t, Compute(count, w, h, landscape), count, w, h)
				}
			}
		}
	}
}

func TestComputeMode_BoundsAllModes(t *testing.T) {
	modes := []Mode{ModeSingle, ModeDual, ModeMainSide, ModeGrid2x2, ModeGrid3x2, ModeGridAuto}
	for _, mode := range modes {
		for count := 1; count <= 12; count++ {
			for _, size := range [][2]int{{100, 100}, {100, 4000}, {4000, 100}, {1280, 720}, {17, 9}} {
				tiles := ComputeMode(mode, count, size[0], size[1], size[0] > size[1])
				checkTiles(t, tiles, count, size[0], size[1])
			}
		}
	}
}

func TestCompute_DegenerateContainers(t *testing.T) {
	for count := 0; count <= 9; count++ {
		for _, size := range [][2]int{{0, 0}, {1, 1}, {3, 50}, {50, 3}, {-10, 20}} {
			tiles := Compute(count, size[0], size[1], true)
			checkTiles(t, tiles, count, max(size[0], 0), max(size[1], 0))
		}
	}
}

func TestCompute_Single(t *testing.T) {
	assert.Equal(t, []Tile{{Width: 1280, Height: 720}}, Compute(1, 1280, 720, true))
	assert.Equal(t, []Tile{{Width: 1280, Height: 720}}, Compute(0, 1280, 720, true))
}

func TestCompute_Dual(t *testing.T) {
	land := Compute(2, 1000, 500, true)
	require.Len(t, land, 2)
	assert.Equal(t, land[0].Top, land[1].Top)
	assert.Less(t, land[0].Right(), land[1].Left)
	assert.Equal(t, land[0].Width, land[1].Width)

	port := Compute(2, 500, 1000, false)
	require.Len(t, port, 2)
	assert.Equal(t, port[0].Left, port[1].Left)
	assert.Less(t, port[0].Bottom(), port[1].Top)
	assert.Equal(t, port[0].Height, port[1].Height)
}

func TestCompute_MainSideProportions(t *testing.T) {
	tiles := Compute(4, 1920, 1080, true)
	require.Len(t, tiles, 4)
	main := tiles[0]

	// Main tile takes roughly 65% of the usable width.
	usable := 1920 - 3*Padding
	assert.InDelta(t, float64(usable)*0.65, float64(main.Width), 1)

	for _, side := range tiles[1:] {
		assert.Equal(t, main.Right()+Gap, side.Left)
		assert.Equal(t, 1920-Padding, side.Right())
	}
	// Without a bottom row the main tile spans the full height.
	assert.Equal(t, 1080-2*Padding, main.Height)
}

func TestCompute_BottomRow(t *testing.T) {
	tiles := Compute(8, 1920, 1080, true)
	require.Len(t, tiles, 8)
	main := tiles[0]
	bottom := tiles[4:]

	for _, b := range bottom {
		assert.Greater(t, b.Top, main.Bottom())
		assert.Equal(t, bottom[0].Width, b.Width)
		assert.Equal(t, 1080-Padding, b.Bottom())
	}
	assert.InDelta(t, float64(1080-3*Padding)*0.72, float64(main.Height), 1)
}

func TestCompute_NineParticipantsUseGrid(t *testing.T) {
	assert.Equal(t, ModeGridAuto, SelectMode(9))
	tiles := Compute(9, 1200, 1200, true)
	require.Len(t, tiles, 9)
	assert.Equal(t, tiles[0].Width, tiles[8].Width)
	assert.Equal(t, tiles[0].Height, tiles[8].Height)
}

func TestSelectMode(t *testing.T) {
	cases := map[int]Mode{
		-1: ModeSingle, 0: ModeSingle, 1: ModeSingle, 2: ModeDual,
		3: ModeMainSide, 8: ModeMainSide, 9: ModeGridAuto, 25: ModeGridAuto,
	}
	for count, want := range cases {
		assert.Equal(t, want, SelectMode(count), "count=%d", count)
	}
}

func TestResolve_FallsBackWhenFull(t *testing.T) {
	assert.Equal(t, ModeGrid2x2, Resolve(ModeGrid2x2, 4))
	assert.Equal(t, ModeGridAuto, Resolve(ModeGrid2x2, 5))
	assert.Equal(t, ModeGridAuto, Resolve(ModeDual, 3))
	assert.Equal(t, ModeGridAuto, Resolve(ModeGridAuto, 100))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Grid-3x2 ")
	require.NoError(t, err)
	assert.Equal(t, ModeGrid3x2, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeAuto, m)

	_, err = ParseMode("mosaic")
	assert.ErrorIs(t, err, ErrUnknownMode)
	assert.Equal(t, "main-side", ModeMainSide.String())
}

func TestEngine_Memoizes(t *testing.T) {
	e := NewEngine()
	a := e.Compute(5, 1280, 720, true)
	b := e.Compute(5, 1280, 720, true)
	assert.Same(t, &a[0], &b[0])
	assert.Equal(t, ModeMainSide, e.Mode())

	c := e.Compute(5, 1280, 720, false)
	assert.NotSame(t, &a[0], &c[0])

	e.ComputeMode(ModeGrid2x2, 6, 1280, 720, true)
	assert.Equal(t, ModeGridAuto, e.Mode())
}
