// Package level builds the two-layer occupancy grids worms play on.
package level

// Cell tags stored in the grid. Worm cells hold WormBase plus the slot index.
const (
	Empty    uint8 = 0
	Wall     uint8 = 1
	Food     uint8 = 2
	WormBase uint8 = 3
)

// Layers of a cell.
const (
	Underground = 0
	Surface     = 1
	Layers      = 2
)

// Grid is a toroidal H x W board with two layers per cell.
type Grid struct {
	W, H  int
	cells []uint8
}

// NewGrid allocates an empty grid.
func NewGrid(w, h int) *Grid {
	return &Grid{W: w, H: h, cells: make([]uint8, w*h*Layers)}
}

func (g *Grid) index(y, x, layer int) int {
	return (y*g.W+x)*Layers + layer
}

// At returns the tag at (y, x) on layer.
func (g *Grid) At(y, x, layer int) uint8 {
	return g.cells[g.index(y, x, layer)]
}

// Set writes tag at (y, x) on layer.
func (g *Grid) Set(y, x, layer int, tag uint8) {
	g.cells[g.index(y, x, layer)] = tag
}

// Wrap folds any coordinate pair back onto the board.
func (g *Grid) Wrap(y, x int) (int, int) {
	y %= g.H
	if y < 0 {
		y += g.H
	}
	x %= g.W
	if x < 0 {
		x += g.W
	}
	return y, x
}

// Clone returns an independent copy.
func (g *Grid) Clone() *Grid {
	if g == nil {
		return nil
	}
	clone := &Grid{W: g.W, H: g.H, cells: make([]uint8, len(g.cells))}
	copy(clone.cells, g.cells)
	return clone
}

// Cells exposes the raw backing slice in row-major, layer-minor order. Callers must not modify it.
func (g *Grid) Cells() []uint8 {
	return g.cells
}

// Equal reports whether both grids hold identical tags.
func (g *Grid) Equal(other *Grid) bool {
	if g == nil || other == nil {
		return g == other
	}
	if g.W != other.W || g.H != other.H {
		return false
	}
	for i := range g.cells {
		if g.cells[i] != other.cells[i] {
			return false
		}
	}
	return true
}
