// Package sim simulates a differential drive robot with a planar range sensor
// moving through an occupancy grid world and plots localization runs.
package sim

import (
	"fmt"
	"math"

	"github.com/milosgajdos/go-mcl/field"
	"github.com/paulmach/orb"
)

// Room creates a grid of width x height meters with cell size res, walled on every side,
// with its bottom left corner at the origin. Cells whose centres fall into any of boxes are occupied.
// It returns error if the dimensions are invalid.
func Room(width, height, res float64, boxes ...orb.Bound) (*field.Grid, error) {
	if !(width > 0) || !(height > 0) || !(res > 0) {
		return nil, fmt.Errorf("invalid room: %v x %v, resolution %v", width, height, res)
	}

	w := int(math.Round(width / res))
	h := int(math.Round(height / res))
	if w < 3 || h < 3 {
		return nil, fmt.Errorf("room too small: [%d x %d] cells", w, h)
	}

	cells := make([]field.Cell, w*h)
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			if i == 0 || j == 0 || i == w-1 || j == h-1 {
				cells[j*w+i] = field.Occupied
				continue
			}

			c := orb.Point{(float64(i) + 0.5) * res, (float64(j) + 0.5) * res}
			for _, b := range boxes {
				if b.Contains(c) {
					cells[j*w+i] = field.Occupied
					break
				}
			}
		}
	}

	return field.New(w, h, res, orb.Point{0, 0}, cells)
}
