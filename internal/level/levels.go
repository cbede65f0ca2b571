package level

const (
	// Width of every stock level.
	Width = 80
	// Height of every stock level.
	Height = 50
	// Count is the number of distinct layouts; ids wrap modulo Count.
	Count = 8
)

// Provider resolves a level id to a freshly allocated grid.
type Provider interface {
	Level(id int) *Grid
}

// ProviderFunc adapts a function into a Provider.
type ProviderFunc func(id int) *Grid

// Level implements Provider.
func (f ProviderFunc) Level(id int) *Grid { return f(id) }

// Standard is the stock level set.
var Standard Provider = ProviderFunc(Generate)

type builder struct {
	walls [][]bool
}

func newBuilder(w, h int) *builder {
	b := &builder{walls: make([][]bool, h)}
	for y := range b.walls {
		b.walls[y] = make([]bool, w)
		for x := range b.walls[y] {
			b.walls[y][x] = y == 0 || x == 0 || y == h-1 || x == w-1
		}
	}
	return b
}

// line paints n cells from (x, y) stepping by (dx, dy); solid false carves a gap.
func (b *builder) line(x, y, dx, dy, n int, solid bool) {
	for i := 0; i < n; i++ {
		b.walls[y][x] = solid
		x += dx
		y += dy
	}
}

func (b *builder) wall(x, y, dx, dy, n int) { b.line(x, y, dx, dy, n, true) }
func (b *builder) gap(x, y, dx, dy, n int)  { b.line(x, y, dx, dy, n, false) }

// Generate builds layout id mod Count. Walls occupy both layers.
func Generate(id int) *Grid {
	id %= Count
	if id < 0 {
		id += Count
	}
	b := newBuilder(Width, Height)
	switch id {
	case 1:
		b.wall(27, 10, 0, 1, 30)
		b.wall(54, 10, 0, 1, 30)
	case 2:
		b.wall(13, 10, 1, 0, 54)
		b.wall(13, 40, 1, 0, 54)
		b.wall(10, 13, 0, 1, 24)
		b.wall(69, 13, 0, 1, 24)
	case 3:
		b.wall(15, 10, 1, 1, 30)
		b.wall(35, 10, 1, 1, 30)
	case 4:
		b.wall(22, 1, 0, 1, 24)
		b.wall(1, 34, 1, 0, 44)
		b.wall(79-22, 49-1, 0, -1, 24)
		b.wall(79-1, 49-34, -1, 0, 44)
		b.gap(0, 1, 0, 1, 14)
		b.gap(79, 1, 0, 1, 14)
		b.gap(0, 35, 0, 1, 14)
		b.gap(79, 35, 0, 1, 14)
	case 5:
		b.wall(39, 1, 0, 2, 25)
	case 6:
		b.gap(0, 20, 0, 1, 11)
		b.gap(79, 20, 0, 1, 11)
		b.wall(20, 15, 1, 0, 30)
		b.wall(20, 15, 0, 1, 21)
		b.wall(20, 35, 1, 0, 30)
		b.wall(50, 15, 0, 1, 5)
		b.wall(50, 31, 0, 1, 5)
		b.wall(50, 19, 1, 0, 30)
		b.wall(50, 31, 1, 0, 30)
		b.gap(51, 0, 1, 0, 28)
		b.gap(51, 49, 1, 0, 28)
	case 7:
		b.gap(0, 1, 0, 2, 11)
		b.gap(79, 1, 0, 2, 11)
		b.gap(0, 38, 0, 1, 11)
		b.gap(79, 38, 0, 1, 11)
		b.gap(16, 0, 1, 0, 14)
		b.gap(16, 49, 1, 0, 14)
		b.wall(15, 11, 0, 1, 38)
		b.wall(15, 11, 1, 0, 27)
		b.wall(53, 1, 0, 1, 25)
		b.wall(30, 25, 1, 0, 24)
		b.wall(30, 37, 1, 0, 49)
	}
	return b.grid()
}

func (b *builder) grid() *Grid {
	g := NewGrid(Width, Height)
	for y, row := range b.walls {
		for x, solid := range row {
			if solid {
				g.Set(y, x, Underground, Wall)
				g.Set(y, x, Surface, Wall)
			}
		}
	}
	return g
}
