// Package estimate reduces a particle cloud to a single pose estimate.
package estimate

import (
	"fmt"
	"math"

	mcl "github.com/milosgajdos/go-mcl"
	"github.com/milosgajdos/go-mcl/particle"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Estimate is a pose estimate
type Estimate struct {
	// pose is estimated pose
	pose mcl.Pose
	// cov is particle cloud covariance of [x, y, theta]
	cov *mat.SymDense
}

// New returns an estimate of pose with zero covariance.
func New(pose mcl.Pose) *Estimate {
	return &Estimate{
		pose: pose,
		cov:  mat.NewSymDense(3, nil),
	}
}

// NewWithCov returns an estimate of pose with covariance cov.
// It returns error if cov is not 3x3.
func NewWithCov(pose mcl.Pose, cov mat.Symmetric) (*Estimate, error) {
	if cov.SymmetricDim() != 3 {
		return nil, fmt.Errorf("invalid covariance dimension: %d", cov.SymmetricDim())
	}

	c := mat.NewSymDense(3, nil)
	c.CopySym(cov)

	return &Estimate{
		pose: pose,
		cov:  c,
	}, nil
}

// Pose returns estimated pose
func (e *Estimate) Pose() mcl.Pose {
	return e.pose
}

// Val returns estimated pose as vector [x, y, theta]
func (e *Estimate) Val() mat.Vector {
	return e.pose.Vec()
}

// Cov returns covariance estimate
func (e *Estimate) Cov() mat.Symmetric {
	cov := mat.NewSymDense(e.cov.SymmetricDim(), nil)
	cov.CopySym(e.cov)

	return cov
}

// Correction adjusts an estimated pose.
type Correction interface {
	// Correct returns corrected pose.
	Correct(mcl.Pose) mcl.Pose
}

// CorrectionFunc is an adapter to allow the use of ordinary functions as Correction.
type CorrectionFunc func(mcl.Pose) mcl.Pose

// Correct calls f(p).
func (f CorrectionFunc) Correct(p mcl.Pose) mcl.Pose {
	return f(p)
}

// Estimator computes the mean pose of the particle cloud.
type Estimator struct {
	// Circular averages headings on the unit circle instead of as raw values.
	Circular bool
	// Correction is applied to the mean pose if not nil.
	Correction Correction
}

// Estimate computes the unweighted mean pose of ps and the covariance of the cloud.
// Unless the estimator is circular, the mean heading is the arithmetic mean of the raw
// headings, which is only meaningful when all headings lie on the same side of the wrap boundary.
// It returns error if ps is empty.
func (e *Estimator) Estimate(ps []particle.Particle) (*Estimate, error) {
	n := len(ps)
	if n == 0 {
		return nil, fmt.Errorf("no particles to estimate from")
	}

	data := make([]float64, 3*n)
	xs, ys, thetas := make([]float64, n), make([]float64, n), make([]float64, n)
	for i, p := range ps {
		xs[i], ys[i], thetas[i] = p.X, p.Y, p.Theta
		data[3*i], data[3*i+1], data[3*i+2] = p.X, p.Y, p.Theta
	}

	pose := mcl.Pose{
		X: stat.Mean(xs, nil),
		Y: stat.Mean(ys, nil),
	}
	if e.Circular {
		pose.Theta = stat.CircularMean(thetas, nil)
	} else {
		pose.Theta = stat.Mean(thetas, nil)
	}

	if e.Correction != nil {
		pose = e.Correction.Correct(pose)
	}

	cov := mat.NewSymDense(3, nil)
	if n > 1 {
		stat.CovarianceMatrix(cov, mat.NewDense(n, 3, data), nil)
	}

	return &Estimate{
		pose: pose,
		cov:  cov,
	}, nil
}

// QuadrantOffset shifts the estimated position by Offset meters along both axes
// with signs given by the quadrant the raw heading falls into:
//
//	(0, Pi/2)      -> (-Offset, -Offset)
//	(Pi/2, Pi)     -> (+Offset, -Offset)
//	(Pi, 3Pi/2)    -> (+Offset, +Offset)
//	(3Pi/2, 2Pi)   -> (-Offset, +Offset)
//
// Headings on quadrant boundaries or outside (0, 2Pi) are not corrected.
// It compensates the laser mounting offset of a particular platform.
type QuadrantOffset struct {
	Offset float64
}

// Correct implements Correction.
func (q QuadrantOffset) Correct(p mcl.Pose) mcl.Pose {
	var dx, dy float64
	switch t := p.Theta; {
	case 0 < t && t < math.Pi/2:
		dx, dy = -q.Offset, -q.Offset
	case math.Pi/2 < t && t < math.Pi:
		dx, dy = q.Offset, -q.Offset
	case math.Pi < t && t < 3*math.Pi/2:
		dx, dy = q.Offset, q.Offset
	case 3*math.Pi/2 < t && t < 2*math.Pi:
		dx, dy = -q.Offset, q.Offset
	}

	return mcl.Pose{X: p.X + dx, Y: p.Y + dy, Theta: p.Theta}
}
