// Package field provides an occupancy grid obstacle distance field.
package field

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Cell is occupancy grid cell state
type Cell uint8

const (
	// Free cell contains no obstacle
	Free Cell = iota
	// Occupied cell contains an obstacle
	Occupied
	// Unknown cell has not been mapped
	Unknown
)

// Grid is an occupancy grid with precomputed distance to the nearest obstacle for every cell.
// Cell (0, 0) is the bottom left cell; its bottom left corner is at origin.
type Grid struct {
	// res is cell size in meters
	res float64
	// origin is the map frame position of the grid corner
	origin orb.Point
	// width and height in cells
	width, height int
	// cells stores cell states row by row
	cells []Cell
	// dist stores distance from every cell centre to the nearest obstacle cell centre
	dist []float64
	// bounds of obstacle space
	bounds orb.Bound
	// obstacles stores obstacle cell centres
	obstacles []orb.Point
}

// New creates new grid of width x height cells of size res with corner at origin.
// cells are stored row by row starting from the bottom row.
// It returns error if the dimensions are invalid or don't match the number of cells.
func New(width, height int, res float64, origin orb.Point, cells []Cell) (*Grid, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid grid dimensions: [%d x %d]", width, height)
	}

	if !(res > 0) {
		return nil, fmt.Errorf("invalid resolution: %v", res)
	}

	if len(cells) != width*height {
		return nil, fmt.Errorf("invalid number of cells: %d, expected: %d", len(cells), width*height)
	}

	g := &Grid{
		res:    res,
		origin: origin,
		width:  width,
		height: height,
		cells:  make([]Cell, len(cells)),
		dist:   make([]float64, len(cells)),
	}
	copy(g.cells, cells)

	g.build()

	return g, nil
}

// FromPoints creates a grid with cell size res which covers points pts and
// a margin around them. Every cell containing a point is occupied, all other cells are free.
// It returns error if pts is empty, res is non-positive or margin is negative.
func FromPoints(pts []orb.Point, res, margin float64) (*Grid, error) {
	if len(pts) == 0 {
		return nil, fmt.Errorf("no obstacle points")
	}

	if !(res > 0) || margin < 0 {
		return nil, fmt.Errorf("invalid resolution %v or margin %v", res, margin)
	}

	b := orb.MultiPoint(pts).Bound()
	origin := orb.Point{b.Min[0] - margin, b.Min[1] - margin}
	width := int(math.Floor((b.Max[0]+margin-origin[0])/res)) + 1
	height := int(math.Floor((b.Max[1]+margin-origin[1])/res)) + 1

	cells := make([]Cell, width*height)
	for _, p := range pts {
		i := int(math.Floor((p[0] - origin[0]) / res))
		j := int(math.Floor((p[1] - origin[1]) / res))
		cells[j*width+i] = Occupied
	}

	g, err := New(width, height, res, origin, cells)
	if err != nil {
		return nil, err
	}
	// cell edges are subject to rounding; bounds must cover the points themselves
	g.bounds = g.bounds.Union(b)

	return g, nil
}

func (g *Grid) build() {
	var pts kdtree.Points
	minI, minJ, maxI, maxJ := g.width, g.height, -1, -1
	for j := 0; j < g.height; j++ {
		for i := 0; i < g.width; i++ {
			if g.cells[j*g.width+i] != Occupied {
				continue
			}
			c := g.center(i, j)
			pts = append(pts, kdtree.Point{c[0], c[1]})
			g.obstacles = append(g.obstacles, c)
			minI, maxI = min(minI, i), max(maxI, i)
			minJ, maxJ = min(minJ, j), max(maxJ, j)
		}
	}

	g.bounds = g.Extent()
	if len(g.obstacles) > 0 {
		g.bounds = orb.Bound{
			Min: g.corner(minI, minJ),
			Max: g.corner(maxI+1, maxJ+1),
		}
	}

	var tree *kdtree.Tree
	if len(pts) > 0 {
		tree = kdtree.New(pts, false)
	}

	for j := 0; j < g.height; j++ {
		for i := 0; i < g.width; i++ {
			idx := j*g.width + i
			switch {
			case g.cells[idx] == Occupied:
				g.dist[idx] = 0
			case g.cells[idx] == Unknown:
				g.dist[idx] = math.NaN()
			case tree == nil:
				g.dist[idx] = math.Inf(1)
			default:
				c := g.center(i, j)
				_, d := tree.Nearest(kdtree.Point{c[0], c[1]})
				g.dist[idx] = math.Sqrt(d)
			}
		}
	}
}

func (g *Grid) center(i, j int) orb.Point {
	return orb.Point{
		g.origin[0] + (float64(i)+0.5)*g.res,
		g.origin[1] + (float64(j)+0.5)*g.res,
	}
}

// corner returns the bottom left corner of cell (i, j).
func (g *Grid) corner(i, j int) orb.Point {
	return orb.Point{
		g.origin[0] + float64(i)*g.res,
		g.origin[1] + float64(j)*g.res,
	}
}

// Index returns the indices of the cell containing map frame point (x, y).
// It returns false if the point lies outside of the grid.
func (g *Grid) Index(x, y float64) (int, int, bool) {
	fi := math.Floor((x - g.origin[0]) / g.res)
	fj := math.Floor((y - g.origin[1]) / g.res)
	if !(fi >= 0 && fi < float64(g.width) && fj >= 0 && fj < float64(g.height)) {
		return 0, 0, false
	}

	return int(fi), int(fj), true
}

// At returns state of the cell containing map frame point (x, y).
// Points outside the grid are Unknown.
func (g *Grid) At(x, y float64) Cell {
	i, j, ok := g.Index(x, y)
	if !ok {
		return Unknown
	}

	return g.cells[j*g.width+i]
}

// ClosestObstacleDistance returns distance from the cell containing (x, y) to the nearest
// obstacle cell. It is exactly 0 inside an obstacle cell, +Inf if the map has no obstacles
// and NaN outside of the grid or in unknown cells.
func (g *Grid) ClosestObstacleDistance(x, y float64) float64 {
	i, j, ok := g.Index(x, y)
	if !ok {
		return math.NaN()
	}

	return g.dist[j*g.width+i]
}

// ObstacleBounds returns bounds of all obstacle cells, or the grid extent
// if there are no obstacles.
func (g *Grid) ObstacleBounds() orb.Bound {
	return g.bounds
}

// Extent returns bounds of the whole grid.
func (g *Grid) Extent() orb.Bound {
	return orb.Bound{
		Min: g.origin,
		Max: orb.Point{
			g.origin[0] + float64(g.width)*g.res,
			g.origin[1] + float64(g.height)*g.res,
		},
	}
}

// Resolution returns cell size in meters.
func (g *Grid) Resolution() float64 {
	return g.res
}

// Obstacles returns centres of obstacle cells.
func (g *Grid) Obstacles() []orb.Point {
	pts := make([]orb.Point, len(g.obstacles))
	copy(pts, g.obstacles)

	return pts
}
