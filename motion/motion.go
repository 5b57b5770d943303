// Package motion implements the odometry motion model of the particle filter.
package motion

import (
	"fmt"
	"math"

	mcl "github.com/milosgajdos/go-mcl"
	"github.com/milosgajdos/go-mcl/noise"
	"github.com/milosgajdos/go-mcl/particle"
	"golang.org/x/exp/rand"
)

const (
	// DefaultSigmaRot is the default standard deviation of both rotations in radians.
	DefaultSigmaRot = 3 * math.Pi / 180
	// DefaultSigmaTrans is the default standard deviation of translation in meters.
	DefaultSigmaTrans = 0.15
	// minTrans is the translation below which direction of travel is undefined
	minTrans = 1e-9
)

// Delta is odometry displacement decomposed into rotation, translation and rotation.
type Delta struct {
	Rot1  float64
	Trans float64
	Rot2  float64
}

// NewDelta decomposes displacement between odometry poses prev and cur.
// Rotations are wrapped into (-Pi, Pi].
// If the robot has not translated, the whole rotation is attributed to Rot2.
func NewDelta(prev, cur mcl.Pose) Delta {
	dx, dy := cur.X-prev.X, cur.Y-prev.Y
	dtheta := mcl.WrapAngle(cur.Theta - prev.Theta)

	trans := math.Hypot(dx, dy)
	if trans < minTrans {
		return Delta{Rot1: 0, Trans: trans, Rot2: dtheta}
	}

	rot1 := mcl.WrapAngle(math.Atan2(dy, dx) - prev.Theta)

	return Delta{
		Rot1:  rot1,
		Trans: trans,
		Rot2:  mcl.WrapAngle(dtheta - rot1),
	}
}

// Odometry is the rotate-translate-rotate odometry motion model.
type Odometry struct {
	// q samples [rot1, trans, rot2] perturbations
	q mcl.Noise
}

// New creates new odometry model perturbed by noise q which must be 3 dimensional.
// If q is nil no noise is applied.
// It returns error if q has invalid dimension.
func New(q mcl.Noise) (*Odometry, error) {
	if q == nil {
		q, _ = noise.NewZero(3)
	}

	if len(q.Mean()) != 3 {
		return nil, fmt.Errorf("invalid motion noise dimension: %d", len(q.Mean()))
	}

	return &Odometry{q: q}, nil
}

// NewGaussian creates new odometry model with independent Gaussian noise
// with standard deviations sigmaRot for both rotations and sigmaTrans for translation.
func NewGaussian(sigmaRot, sigmaTrans float64, src rand.Source) (*Odometry, error) {
	q, err := noise.NewDiagonal([]float64{sigmaRot, sigmaTrans, sigmaRot}, src)
	if err != nil {
		return nil, fmt.Errorf("failed to create motion noise: %w", err)
	}

	return New(q)
}

// Predict moves particles ps in place by a noisy version of displacement d.
// Every particle draws its own noise sample.
func (o *Odometry) Predict(ps []particle.Particle, d Delta) {
	for i := range ps {
		e := o.q.Sample()
		rot1 := d.Rot1 + e.AtVec(0)
		trans := d.Trans + e.AtVec(1)
		rot2 := d.Rot2 + e.AtVec(2)

		p := &ps[i]
		p.Theta += rot1
		sin, cos := math.Sincos(p.Theta)
		p.X += trans * cos
		p.Y += trans * sin
		p.Theta += rot2
	}
}
