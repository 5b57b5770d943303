// Package resample draws new particle generations proportionally to particle weights.
package resample

import (
	"fmt"

	"github.com/milosgajdos/go-mcl/particle"
	"github.com/milosgajdos/go-mcl/rand"
	xrand "golang.org/x/exp/rand"
)

// Resampler draws a new generation of particles.
type Resampler interface {
	// Resample draws n particles from ps according to weights w.
	Resample(ps []particle.Particle, w []float64, n int) ([]particle.Particle, error)
}

// Multinomial is a multinomial resampler: every particle is drawn
// independently with replacement with probability equal to its weight.
type Multinomial struct {
	// src is the source of randomness
	src xrand.Source
}

// NewMultinomial creates new multinomial resampler drawing from src.
// If src is nil the global source is used.
func NewMultinomial(src xrand.Source) *Multinomial {
	return &Multinomial{src: src}
}

// Resample draws n particles from ps with replacement with probabilities given by w.
// The returned particles are copies which keep the weights of the particles they were drawn from.
// It returns error if n is negative, ps is empty while n is positive, the sizes of ps and w differ
// or w can't be used as a probability distribution.
func (m *Multinomial) Resample(ps []particle.Particle, w []float64, n int) ([]particle.Particle, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid particle count: %d", n)
	}

	if len(ps) != len(w) {
		return nil, fmt.Errorf("invalid weights size: %d, particles: %d", len(w), len(ps))
	}

	if n == 0 {
		return []particle.Particle{}, nil
	}

	if len(ps) == 0 {
		return nil, fmt.Errorf("no particles to resample from")
	}

	indices, err := rand.RouletteDrawN(w, n, m.src)
	if err != nil {
		return nil, fmt.Errorf("failed to sample particles: %w", err)
	}

	out := make([]particle.Particle, n)
	for i, idx := range indices {
		out[i] = ps[idx]
	}

	return out, nil
}
