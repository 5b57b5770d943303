package particle

import (
	"fmt"
	"math"

	mcl "github.com/milosgajdos/go-mcl"
	"github.com/milosgajdos/go-mcl/noise"
	"github.com/paulmach/orb"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
)

const (
	// DefaultSigmaXY is the default standard deviation of initial particle positions in meters.
	DefaultSigmaXY = 0.25
	// DefaultSigmaTheta is the default standard deviation of initial particle headings in radians.
	DefaultSigmaTheta = 20 * math.Pi / 180
	// DefaultMaxRetries caps rejection sampling of a single particle position.
	DefaultMaxRetries = 100
)

// Particle is a single weighted pose hypothesis in the map frame.
// Weight is not required to be normalized.
type Particle struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Theta  float64 `json:"theta"`
	Weight float64 `json:"weight"`
}

// Pose returns particle pose.
func (p Particle) Pose() mcl.Pose {
	return mcl.Pose{X: p.X, Y: p.Y, Theta: p.Theta}
}

// Set is an ordered, fixed size collection of particles.
type Set struct {
	// p stores the particles
	p []Particle
}

// Len returns the number of particles in the set.
func (s *Set) Len() int {
	return len(s.p)
}

// Particles returns the underlying particles. Modifying them modifies the set.
func (s *Set) Particles() []Particle {
	return s.p
}

// Clone returns a deep copy of the particles.
func (s *Set) Clone() []Particle {
	p := make([]Particle, len(s.p))
	copy(p, s.p)

	return p
}

// Weights returns a copy of particle weights.
func (s *Set) Weights() []float64 {
	w := make([]float64, len(s.p))
	for i := range s.p {
		w[i] = s.p[i].Weight
	}

	return w
}

// SetWeights sets particle weights to w.
// It returns error if the length of w does not match the set size.
func (s *Set) SetWeights(w []float64) error {
	if len(w) != len(s.p) {
		return fmt.Errorf("invalid weights size: %d, particles: %d", len(w), len(s.p))
	}
	for i := range s.p {
		s.p[i].Weight = w[i]
	}

	return nil
}

// Replace replaces the set particles with p.
// It returns error if p changes the size of the set.
func (s *Set) Replace(p []Particle) error {
	if len(p) != len(s.p) {
		return fmt.Errorf("invalid particle count: %d, expected: %d", len(p), len(s.p))
	}
	s.p = p

	return nil
}

// InitOptions configure particle set initialization.
type InitOptions struct {
	// SigmaXY is the standard deviation of x and y
	SigmaXY float64
	// SigmaTheta is the standard deviation of heading
	SigmaTheta float64
	// MaxRetries caps the number of position redraws of a single particle
	MaxRetries int
	// Src is the source of randomness; nil means time seeded
	Src rand.Source
}

// DefaultInitOptions returns default initialization options.
func DefaultInitOptions() InitOptions {
	return InitOptions{
		SigmaXY:    DefaultSigmaXY,
		SigmaTheta: DefaultSigmaTheta,
		MaxRetries: DefaultMaxRetries,
	}
}

// InitStats reports how the initialization went.
type InitStats struct {
	// Redraws is the total number of rejected positions
	Redraws int
	// Clamped is the number of particles clamped into bounds
	Clamped int
}

// Initialize creates a new set of n particles normally distributed around seed.
// Positions outside of the open rectangle bounds are redrawn; headings are drawn once.
// If a particle position can't be drawn inside bounds within opts.MaxRetries redraws,
// the last drawn position is clamped inside the bounds.
// All particles start with weight 1.0.
// It returns error if n is non-positive, bounds are empty or the sampling noise can't be created.
func Initialize(seed mcl.Pose, bounds orb.Bound, n int, opts InitOptions) (*Set, InitStats, error) {
	var stats InitStats

	if n <= 0 {
		return nil, stats, fmt.Errorf("invalid particle count: %d", n)
	}

	if !(bounds.Min[0] < bounds.Max[0] && bounds.Min[1] < bounds.Max[1]) {
		return nil, stats, fmt.Errorf("%w: %v", mcl.ErrInvalidBounds, bounds)
	}

	if opts.SigmaXY <= 0 || opts.SigmaTheta <= 0 {
		return nil, stats, fmt.Errorf("invalid sigmas: xy %v, theta %v", opts.SigmaXY, opts.SigmaTheta)
	}

	q, err := noise.NewDiagonal([]float64{opts.SigmaXY, opts.SigmaXY, opts.SigmaTheta}, opts.Src)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to create sampling noise: %w", err)
	}

	p := make([]Particle, n)
	for i := range p {
		e := q.Sample()
		x, y := seed.X+e.AtVec(0), seed.Y+e.AtVec(1)
		theta := seed.Theta + e.AtVec(2)

		retries := 0
		for !inside(x, y, bounds) {
			if retries >= opts.MaxRetries {
				x, y = clamp(x, bounds.Min[0], bounds.Max[0]), clamp(y, bounds.Min[1], bounds.Max[1])
				stats.Clamped++
				break
			}
			e = q.Sample()
			x, y = seed.X+e.AtVec(0), seed.Y+e.AtVec(1)
			retries++
		}
		stats.Redraws += retries

		p[i] = Particle{X: x, Y: y, Theta: theta, Weight: 1.0}
	}

	return &Set{p: p}, stats, nil
}

// Normalize normalizes weights w in place so they sum up to 1.
// If the weights sum to zero or their sum is not finite, every weight is set to 1/len(w)
// and Normalize returns true.
func Normalize(w []float64) bool {
	if len(w) == 0 {
		return false
	}

	sum := floats.Sum(w)
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		u := 1 / float64(len(w))
		for i := range w {
			w[i] = u
		}
		return true
	}

	floats.Scale(1/sum, w)

	return false
}

func inside(x, y float64, b orb.Bound) bool {
	return b.Min[0] < x && x < b.Max[0] && b.Min[1] < y && y < b.Max[1]
}

// clamp clamps v into the open interval (lo, hi).
func clamp(v, lo, hi float64) float64 {
	if !(v > lo) {
		return math.Nextafter(lo, hi)
	}
	if !(v < hi) {
		return math.Nextafter(hi, lo)
	}

	return v
}
