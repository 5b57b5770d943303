package sim

import (
	"fmt"
	"image/color"

	mcl "github.com/milosgajdos/go-mcl"
	"github.com/milosgajdos/go-mcl/field"
	"github.com/milosgajdos/go-mcl/particle"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// NewParticlePlot creates new plot of a localization run from the following data:
// grid:      map obstacles
// particles: final particle cloud
// truth:     true robot path
// estimates: estimated robot path
// It returns error if the plot fails to be created. This can be due to either of the following conditions:
// * grid is nil
// * truth and estimates differ in length
// * gonum plot fails to be created
func NewParticlePlot(grid *field.Grid, particles []particle.Particle, truth, estimates []mcl.Pose) (*plot.Plot, error) {
	if grid == nil {
		return nil, fmt.Errorf("invalid grid supplied")
	}

	if len(truth) != len(estimates) {
		return nil, fmt.Errorf("path lengths differ: truth %d, estimates %d", len(truth), len(estimates))
	}

	p := plot.New()

	p.Title.Text = "Localization"
	p.X.Label.Text = "X [m]"
	p.Y.Label.Text = "Y [m]"

	legend := plot.NewLegend()
	legend.Top = true
	p.Legend = legend

	e := grid.Extent()
	p.X.Min, p.X.Max = e.Min[0], e.Max[0]
	p.Y.Min, p.Y.Max = e.Min[1], e.Max[1]

	obstacles := grid.Obstacles()
	mapData := make(plotter.XYs, len(obstacles))
	for i, o := range obstacles {
		mapData[i].X, mapData[i].Y = o[0], o[1]
	}
	if err := addScatter(p, "map", mapData, color.Black, draw.BoxGlyph{}, vg.Points(1)); err != nil {
		return nil, err
	}

	cloud := make(plotter.XYs, len(particles))
	for i, pt := range particles {
		cloud[i].X, cloud[i].Y = pt.X, pt.Y
	}
	if err := addScatter(p, "particles", cloud, color.RGBA{R: 169, G: 169, B: 169, A: 255}, draw.CrossGlyph{}, vg.Points(2)); err != nil {
		return nil, err
	}

	if err := addScatter(p, "truth", makePoints(truth), color.RGBA{R: 255, B: 128, A: 255}, draw.PyramidGlyph{}, vg.Points(3)); err != nil {
		return nil, err
	}

	if err := addScatter(p, "estimate", makePoints(estimates), color.RGBA{G: 160, A: 255}, draw.CircleGlyph{}, vg.Points(3)); err != nil {
		return nil, err
	}

	return p, nil
}

func addScatter(p *plot.Plot, name string, data plotter.XYs, c color.Color, shape draw.GlyphDrawer, r vg.Length) error {
	if len(data) == 0 {
		return nil
	}

	s, err := plotter.NewScatter(data)
	if err != nil {
		return fmt.Errorf("failed to create %s scatter: %w", name, err)
	}
	s.GlyphStyle.Color = c
	s.GlyphStyle.Shape = shape
	s.GlyphStyle.Radius = r

	p.Add(s)
	p.Legend.Add(name, s)

	return nil
}

func makePoints(poses []mcl.Pose) plotter.XYs {
	pts := make(plotter.XYs, len(poses))
	for i, pose := range poses {
		pts[i].X = pose.X
		pts[i].Y = pose.Y
	}

	return pts
}
