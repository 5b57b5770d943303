package engine

import (
	"fmt"
	"math"

	mcl "github.com/milosgajdos/go-mcl"
	"github.com/milosgajdos/go-mcl/config"
	"github.com/milosgajdos/go-mcl/estimate"
	"github.com/milosgajdos/go-mcl/motion"
	"github.com/milosgajdos/go-mcl/particle"
	"github.com/milosgajdos/go-mcl/rand"
	"github.com/milosgajdos/go-mcl/resample"
	"github.com/milosgajdos/go-mcl/sensor"
	"github.com/milosgajdos/go-mcl/transform"
)

func deg2rad(d float64) float64 {
	return d * math.Pi / 180
}

// FromConfig creates new engine from service configuration c operating on field.
// odom resolves odometry of observations which carry none and pub receives snapshots; both may be nil.
// Every random source is derived from c.Seed.
// It returns error if c is invalid or any of the engine components can't be created.
func FromConfig(c *config.Config, field mcl.DistanceField, odom mcl.OdomSource, pub Publisher) (*Engine, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// distinct but reproducible streams for each random consumer
	seed := func(i uint64) uint64 {
		if c.Seed == 0 {
			return 0
		}
		return c.Seed + i
	}

	var m *motion.Odometry
	var err error
	if c.Motion.SigmaRot == 0 && c.Motion.SigmaTrans == 0 {
		m, err = motion.New(nil)
	} else {
		m, err = motion.NewGaussian(deg2rad(c.Motion.SigmaRot), c.Motion.SigmaTrans, rand.NewSource(seed(1)))
	}
	if err != nil {
		return nil, err
	}

	var s sensor.Model
	switch c.Sensor.Model {
	case config.SensorLikelihoodField:
		s, err = sensor.NewLikelihoodField(field, c.Sensor.Sigma, c.Sensor.Workers)
	default:
		s, err = sensor.NewHits(field, c.Sensor.Workers)
	}
	if err != nil {
		return nil, err
	}

	est := &estimate.Estimator{Circular: c.Estimate.Circular}
	if c.Estimate.QuadrantOffset != 0 {
		est.Correction = estimate.QuadrantOffset{Offset: c.Estimate.QuadrantOffset}
	}

	mount := c.Laser.Mount
	mount.Theta = deg2rad(mount.Theta)

	return New(Config{
		Particles:        c.Particles,
		LinearThreshold:  c.Update.LinearThreshold,
		AngularThreshold: deg2rad(c.Update.AngularThreshold),
		Period:           c.Update.Period,
		Init: particle.InitOptions{
			SigmaXY:    c.Init.SigmaXY,
			SigmaTheta: deg2rad(c.Init.SigmaTheta),
			MaxRetries: c.Init.MaxRetries,
			Src:        rand.NewSource(seed(0)),
		},
		Field:       field,
		Sensor:      s,
		Motion:      m,
		Resampler:   resample.NewMultinomial(rand.NewSource(seed(2))),
		Estimator:   est,
		Transformer: &transform.Converter{Mount: mount},
		Odom:        odom,
		Publisher:   pub,
	})
}
