// Package sensor implements range sensor models which weigh particles
// against a scan using an obstacle distance field.
package sensor

import (
	"fmt"
	"math"

	mcl "github.com/milosgajdos/go-mcl"
	"github.com/milosgajdos/go-mcl/particle"
	"golang.org/x/sync/errgroup"
)

// Model scores particles against a scan.
type Model interface {
	// Weigh resets particle weights and sets them to the plausibility
	// of the observed beams given the particle pose.
	Weigh(ps []particle.Particle, beams []mcl.Beam)
}

// scoreFunc turns distance from a beam endpoint to the nearest obstacle into a score
type scoreFunc func(d float64) float64

// Hits scores a particle by the number of beams whose endpoints land exactly on an obstacle.
type Hits struct {
	// Field is queried for beam endpoint distances
	Field mcl.DistanceField
	// Workers is the number of concurrent workers; values <= 1 weigh sequentially
	Workers int
}

// NewHits creates new Hits model and returns it.
// It returns error if field is nil.
func NewHits(field mcl.DistanceField, workers int) (*Hits, error) {
	if field == nil {
		return nil, fmt.Errorf("invalid distance field: %v", field)
	}

	return &Hits{Field: field, Workers: workers}, nil
}

// Weigh sets every particle weight to the number of valid beams whose endpoint,
// projected from the particle pose, is exactly 0 away from an obstacle.
func (h *Hits) Weigh(ps []particle.Particle, beams []mcl.Beam) {
	weigh(h.Field, h.Workers, ps, beams, func(d float64) float64 {
		if d == 0 {
			return 1
		}
		return 0
	})
}

// LikelihoodField scores every beam by a Gaussian of the distance between
// its endpoint and the nearest obstacle. Unlike Hits, near misses earn partial credit.
type LikelihoodField struct {
	// Field is queried for beam endpoint distances
	Field mcl.DistanceField
	// Sigma is the standard deviation of the endpoint distance in meters
	Sigma float64
	// Workers is the number of concurrent workers; values <= 1 weigh sequentially
	Workers int
}

// NewLikelihoodField creates new LikelihoodField model and returns it.
// It returns error if field is nil or sigma is not positive.
func NewLikelihoodField(field mcl.DistanceField, sigma float64, workers int) (*LikelihoodField, error) {
	if field == nil {
		return nil, fmt.Errorf("invalid distance field: %v", field)
	}

	if !(sigma > 0) {
		return nil, fmt.Errorf("invalid sigma: %v", sigma)
	}

	return &LikelihoodField{Field: field, Sigma: sigma, Workers: workers}, nil
}

// Weigh sets every particle weight to the sum of exp(-d^2/2sigma^2) over all valid beams,
// where d is the distance between the projected beam endpoint and the nearest obstacle.
// Endpoints outside the map score nothing.
func (l *LikelihoodField) Weigh(ps []particle.Particle, beams []mcl.Beam) {
	k := -1 / (2 * l.Sigma * l.Sigma)
	weigh(l.Field, l.Workers, ps, beams, func(d float64) float64 {
		if math.IsInf(d, 1) {
			return 0
		}
		return math.Exp(k * d * d)
	})
}

func weigh(f mcl.DistanceField, workers int, ps []particle.Particle, beams []mcl.Beam, score scoreFunc) {
	valid := make([]mcl.Beam, 0, len(beams))
	for _, b := range beams {
		if b.Valid() {
			valid = append(valid, b)
		}
	}

	if workers <= 1 || len(ps) < 2*workers {
		weighRange(f, ps, valid, score)
		return
	}

	// every worker owns a contiguous chunk of particles
	var g errgroup.Group
	g.SetLimit(workers)

	chunk := (len(ps) + workers - 1) / workers
	for lo := 0; lo < len(ps); lo += chunk {
		hi := min(lo+chunk, len(ps))
		part := ps[lo:hi]
		g.Go(func() error {
			weighRange(f, part, valid, score)
			return nil
		})
	}

	_ = g.Wait()
}

func weighRange(f mcl.DistanceField, ps []particle.Particle, beams []mcl.Beam, score scoreFunc) {
	for i := range ps {
		p := &ps[i]
		p.Weight = 0
		for _, b := range beams {
			sin, cos := math.Sincos(b.Bearing + p.Theta)
			x := b.Range*cos + p.X
			y := b.Range*sin + p.Y

			d := f.ClosestObstacleDistance(x, y)
			if math.IsNaN(d) {
				continue
			}
			p.Weight += score(d)
		}
	}
}
