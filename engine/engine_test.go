package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	mcl "github.com/milosgajdos/go-mcl"
	"github.com/milosgajdos/go-mcl/config"
	"github.com/milosgajdos/go-mcl/field"
	"github.com/milosgajdos/go-mcl/internal/monitoring"
	"github.com/milosgajdos/go-mcl/motion"
	"github.com/milosgajdos/go-mcl/particle"
	"github.com/milosgajdos/go-mcl/rand"
	"github.com/milosgajdos/go-mcl/resample"
	"github.com/milosgajdos/go-mcl/sim"
	"github.com/milosgajdos/go-mcl/transform"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func room(t *testing.T) *field.Grid {
	g, err := sim.Room(6, 4, 0.05, orb.Bound{Min: orb.Point{4, 2.5}, Max: orb.Point{4.5, 3.5}})
	require.NoError(t, err)
	return g
}

func newEngine(t *testing.T, g mcl.DistanceField, n int) *Engine {
	opts := particle.DefaultInitOptions()
	opts.Src = rand.NewSource(1)

	m, err := motion.NewGaussian(motion.DefaultSigmaRot, motion.DefaultSigmaTrans, rand.NewSource(3))
	require.NoError(t, err)

	e, err := New(Config{
		Particles:        n,
		LinearThreshold:  DefaultLinearThreshold,
		AngularThreshold: DefaultAngularThreshold,
		Init:             opts,
		Field:            g,
		Motion:           m,
		Resampler:        resample.NewMultinomial(rand.NewSource(2)),
	})
	require.NoError(t, err)
	return e
}

func observe(p mcl.Pose, stamp time.Time, ranges ...float64) Observation {
	raw := transform.ToRaw(p, stamp)
	return Observation{
		Stamp: stamp,
		Odom:  &raw,
		Scan: mcl.RawScan{
			Stamp:          stamp,
			AngleMin:       -math.Pi,
			AngleIncrement: math.Pi / 2,
			Ranges:         ranges,
		},
	}
}

func TestNew(t *testing.T) {
	assert := assert.New(t)

	e, err := New(Config{})
	assert.Nil(e)
	assert.Error(err)

	e, err = New(Config{Field: room(t), Particles: -1})
	assert.Nil(e)
	assert.Error(err)

	e, err = New(Config{Field: room(t)})
	require.NoError(t, err)
	assert.Equal(Uninitialized, e.State())
	assert.Equal("uninitialized", e.State().String())
	assert.Equal(DefaultParticles, e.n)
	assert.Equal(DefaultPeriod, e.period)
	assert.NotEmpty(e.RunID())

	_, ok := e.CurrentEstimate()
	assert.False(ok)
	assert.Nil(e.CurrentParticles())
	_, ok = e.MapToOdom()
	assert.False(ok)
}

func TestDefaultMotionNoise(t *testing.T) {
	assert := assert.New(t)

	e, err := New(Config{Field: room(t), Particles: 50})
	require.NoError(t, err)

	ps := make([]particle.Particle, 50)
	for i := range ps {
		ps[i] = particle.Particle{X: 1, Y: 1, Weight: 1}
	}
	e.motion.Predict(ps, motion.Delta{Trans: 0.5})

	xs := make([]float64, len(ps))
	thetas := make([]float64, len(ps))
	distinct := make(map[float64]struct{})
	for i, p := range ps {
		xs[i], thetas[i] = p.X, p.Theta
		distinct[p.X] = struct{}{}
	}
	assert.Len(distinct, len(ps))
	assert.InDelta(1.5, stat.Mean(xs, nil), 0.1)
	assert.True(stat.StdDev(xs, nil) > 0.05)
	assert.True(stat.StdDev(thetas, nil) > 0.02)

	// equal particles spread after a filter cycle
	e.Submit(observe(mcl.Pose{X: 2, Y: 2}, time.Unix(1, 0)))
	_, err = e.Step()
	require.NoError(t, err)

	same := make([]particle.Particle, 50)
	for i := range same {
		same[i] = particle.Particle{X: 2, Y: 2, Weight: 1}
	}
	require.NoError(t, e.set.Replace(same))

	e.Submit(observe(mcl.Pose{X: 2.5, Y: 2}, time.Unix(2, 0)))
	res, err := e.Step()
	require.NoError(t, err)
	require.True(t, res.Updated)

	distinct = make(map[float64]struct{})
	for _, p := range e.CurrentParticles() {
		distinct[p.X] = struct{}{}
	}
	assert.True(len(distinct) > 1)
}

func TestStepInitializes(t *testing.T) {
	assert := assert.New(t)

	e := newEngine(t, room(t), 200)

	res, err := e.Step()
	assert.NoError(err)
	assert.Equal(Result{}, res)

	start := mcl.Pose{X: 2, Y: 2, Theta: 0.5}
	e.Submit(observe(start, time.Unix(1, 0)))

	res, err = e.Step()
	require.NoError(t, err)
	assert.True(res.Processed)
	assert.True(res.Initialized)
	assert.False(res.Updated)
	assert.Equal(Tracking, e.State())

	ps := e.CurrentParticles()
	assert.Len(ps, 200)

	est, ok := e.CurrentEstimate()
	require.True(t, ok)
	assert.InDelta(start.X, est.Pose().X, 0.1)
	assert.InDelta(start.Y, est.Pose().Y, 0.1)
	assert.InDelta(start.Theta, est.Pose().Theta, 0.1)

	// estimate and odometry agree: correction is close to identity
	c, ok := e.MapToOdom()
	require.True(t, ok)
	assert.InDelta(0.0, c.Theta, 0.1)

	// snapshots are copies
	ps[0].X = -100
	assert.NotEqual(-100.0, e.CurrentParticles()[0].X)
}

func TestSubmitDropsStale(t *testing.T) {
	assert := assert.New(t)

	e := newEngine(t, room(t), 50)

	e.Submit(observe(mcl.Pose{X: 1, Y: 1}, time.Unix(1, 0)))
	e.Submit(observe(mcl.Pose{X: 1, Y: 1}, time.Unix(2, 0)))
	e.Submit(observe(mcl.Pose{X: 1, Y: 1}, time.Unix(3, 0)))
	assert.True(e.Pending())

	res, err := e.Step()
	require.NoError(t, err)
	assert.True(res.Processed)
	assert.False(e.Pending())
	assert.Equal(time.Unix(3, 0), e.Snapshot().Stamp)

	s := e.Stats()
	assert.Equal(uint64(3), s.Submitted)
	assert.Equal(uint64(2), s.Dropped)
	assert.Equal(uint64(1), s.Processed)
}

func TestUpdateThresholds(t *testing.T) {
	assert := assert.New(t)

	e := newEngine(t, room(t), 100)
	now := time.Unix(10, 0)

	for _, test := range []struct {
		pose    mcl.Pose
		updated bool
	}{
		{pose: mcl.Pose{X: 2, Y: 2}, updated: false},
		{pose: mcl.Pose{X: 2.1, Y: 2.1, Theta: 0.3}, updated: false},
		{pose: mcl.Pose{X: 2.3, Y: 2}, updated: true},
		{pose: mcl.Pose{X: 2.3, Y: 1.75}, updated: true},
		{pose: mcl.Pose{X: 2.3, Y: 1.75, Theta: 0.6}, updated: true},
		{pose: mcl.Pose{X: 2.3, Y: 1.75, Theta: 0.7}, updated: false},
	} {
		now = now.Add(time.Second)
		e.Submit(observe(test.pose, now, 1, 1, 1, 1))
		res, err := e.Step()
		require.NoError(t, err)
		assert.True(res.Processed)
		assert.Equal(test.updated, res.Updated, "pose: %v", test.pose)
	}

	assert.Equal(uint64(3), e.Stats().Updates)
	assert.Len(e.CurrentParticles(), 100)
}

type odomFunc func(time.Time) (mcl.RawPose, error)

func (f odomFunc) Lookup(t time.Time) (mcl.RawPose, error) { return f(t) }

func TestOdomLookup(t *testing.T) {
	assert := assert.New(t)

	var lookupErr error
	src := odomFunc(func(stamp time.Time) (mcl.RawPose, error) {
		if lookupErr != nil {
			return mcl.RawPose{}, fmt.Errorf("lookup: %w", lookupErr)
		}
		return transform.ToRaw(mcl.Pose{X: 1, Y: 1}, stamp), nil
	})

	e, err := New(Config{Field: room(t), Particles: 10, Odom: src})
	require.NoError(t, err)

	obs := Observation{Stamp: time.Unix(5, 0)}

	// not yet available: kept for the next step
	lookupErr = mcl.ErrTransformUnavailable
	e.Submit(obs)
	res, err := e.Step()
	assert.NoError(err)
	assert.True(res.Pending)
	assert.False(res.Processed)
	assert.True(e.Pending())

	// expired: dropped for good
	lookupErr = mcl.ErrTransformExpired
	res, err = e.Step()
	assert.NoError(err)
	assert.True(res.Discarded)
	assert.False(e.Pending())
	assert.Equal(Uninitialized, e.State())

	// a newer observation wins over a retried one
	lookupErr = mcl.ErrTransformUnavailable
	e.Submit(obs)
	_, err = e.Step()
	require.NoError(t, err)
	lookupErr = nil
	e.Submit(Observation{Stamp: time.Unix(6, 0)})
	res, err = e.Step()
	assert.NoError(err)
	assert.True(res.Initialized)
	assert.Equal(time.Unix(6, 0), e.Snapshot().Stamp)

	s := e.Stats()
	assert.Equal(uint64(2), s.Retried)
	assert.Equal(uint64(1), s.Expired)
	assert.Equal(uint64(1), s.Dropped)

	// other lookup errors are returned
	lookupErr = errors.New("boom")
	e.Submit(obs)
	_, err = e.Step()
	assert.Error(err)

	// no odometry at all
	e, err = New(Config{Field: room(t), Particles: 10})
	require.NoError(t, err)
	e.Submit(obs)
	_, err = e.Step()
	assert.Error(err)
}

func TestRetrySuperseded(t *testing.T) {
	assert := assert.New(t)

	var e *Engine
	newer := Observation{Stamp: time.Unix(6, 0)}
	src := odomFunc(func(stamp time.Time) (mcl.RawPose, error) {
		if stamp.Equal(time.Unix(5, 0)) {
			// a newer observation arrives during the lookup
			e.Submit(newer)
			return mcl.RawPose{}, mcl.ErrTransformUnavailable
		}
		return transform.ToRaw(mcl.Pose{X: 1, Y: 1}, stamp), nil
	})

	var err error
	e, err = New(Config{Field: room(t), Particles: 10, Odom: src})
	require.NoError(t, err)

	e.Submit(Observation{Stamp: time.Unix(5, 0)})
	res, err := e.Step()
	assert.NoError(err)
	assert.True(res.Pending)
	assert.True(e.Pending())

	s := e.Stats()
	assert.Equal(uint64(2), s.Submitted)
	assert.Equal(uint64(1), s.Retried)
	assert.Equal(uint64(1), s.Dropped)

	res, err = e.Step()
	assert.NoError(err)
	assert.True(res.Initialized)
	assert.Equal(newer.Stamp, e.Snapshot().Stamp)
	assert.False(e.Pending())
}

func TestStepInvalidScan(t *testing.T) {
	assert := assert.New(t)

	e := newEngine(t, room(t), 10)
	obs := observe(mcl.Pose{X: 1, Y: 1}, time.Unix(1, 0), 1)
	obs.Scan.AngleIncrement = math.NaN()
	e.Submit(obs)

	res, err := e.Step()
	assert.Error(err)
	assert.False(res.Processed)
	assert.Equal(Uninitialized, e.State())
}

func TestResetPose(t *testing.T) {
	assert := assert.New(t)

	e := newEngine(t, room(t), 300)

	// reset before any odometry
	require.NoError(t, e.ResetPose(transform.ToRaw(mcl.Pose{X: 3, Y: 1.5, Theta: 1}, time.Unix(0, 0))))
	assert.Equal(Tracking, e.State())
	_, ok := e.MapToOdom()
	assert.False(ok)

	est, ok := e.CurrentEstimate()
	require.True(t, ok)
	assert.InDelta(3.0, est.Pose().X, 0.1)
	assert.InDelta(1.5, est.Pose().Y, 0.1)
	assert.InDelta(1.0, est.Pose().Theta, 0.1)

	// first observation only sets the reference odometry
	e.Submit(observe(mcl.Pose{X: 0, Y: 0}, time.Unix(1, 0)))
	res, err := e.Step()
	require.NoError(t, err)
	assert.False(res.Initialized)
	assert.False(res.Updated)

	// particles track the reset pose, not odometry
	e.Submit(observe(mcl.Pose{X: 0.3, Y: 0}, time.Unix(2, 0)))
	res, err = e.Step()
	require.NoError(t, err)
	assert.True(res.Updated)

	est, _ = e.CurrentEstimate()
	assert.InDelta(3+0.3*math.Cos(1), est.Pose().X, 0.15)
	assert.InDelta(1.5+0.3*math.Sin(1), est.Pose().Y, 0.15)

	// reset while tracking re-seeds the cloud and keeps the reference odometry
	require.NoError(t, e.ResetPose(transform.ToRaw(mcl.Pose{X: 1, Y: 1}, time.Unix(3, 0))))
	c, ok := e.MapToOdom()
	require.True(t, ok)
	assert.InDelta(0.7, c.X, 0.15)
	assert.InDelta(1.0, c.Y, 0.15)
	assert.Equal(uint64(2), e.Stats().Resets)
}

func TestEmptyRoom(t *testing.T) {
	assert := assert.New(t)

	// 1x1 m room without obstacles
	g, err := field.New(10, 10, 0.1, orb.Point{0, 0}, make([]field.Cell, 100))
	require.NoError(t, err)

	e := newEngine(t, g, 10)
	inf := math.Inf(1)

	e.Submit(observe(mcl.Pose{X: 0.5, Y: 0.5}, time.Unix(1, 0), inf, inf, inf, inf))
	_, err = e.Step()
	require.NoError(t, err)

	e.Submit(observe(mcl.Pose{X: 0.5, Y: 0.75}, time.Unix(2, 0), inf, inf, inf, inf))
	res, err := e.Step()
	require.NoError(t, err)
	assert.True(res.Updated)
	assert.True(res.Degenerate)
	assert.Equal(uint64(1), e.Stats().Degenerate)

	ps := e.CurrentParticles()
	assert.Len(ps, 10)
	for _, p := range ps {
		assert.InDelta(0.1, p.Weight, 1e-12)
		assert.False(math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsNaN(p.Theta))
	}
}

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) Publish(s Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func TestRun(t *testing.T) {
	assert := assert.New(t)

	rec := &recorder{}
	e, err := New(Config{Field: room(t), Particles: 20, Period: time.Millisecond, Publisher: rec})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.Submit(observe(mcl.Pose{X: 1, Y: 1}, time.Unix(1, 0)))
	assert.Eventually(func() bool { return rec.count() == 1 }, time.Second, time.Millisecond)

	e.Submit(observe(mcl.Pose{X: 1.5, Y: 1}, time.Unix(2, 0)))
	assert.Eventually(func() bool { return rec.count() == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.True(errors.Is(<-done, context.Canceled))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.False(rec.snaps[0].Updated)
	assert.True(rec.snaps[1].Updated)
	assert.Len(rec.snaps[1].Particles, 20)
	assert.Equal(e.RunID(), rec.snaps[1].RunID)
	assert.True(rec.snaps[1].HasMapToOdom)
	assert.NotNil(rec.snaps[1].Estimate)
}

func TestTracking(t *testing.T) {
	assert := assert.New(t)

	g := room(t)
	opts := sim.DefaultRobotOptions()
	opts.Beams = 90
	robot, err := sim.NewRobot(g, mcl.Pose{X: 1, Y: 1, Theta: 0}, opts)
	require.NoError(t, err)

	m, err := motion.NewGaussian(motion.DefaultSigmaRot, 0.05, rand.NewSource(3))
	require.NoError(t, err)

	initOpts := particle.DefaultInitOptions()
	initOpts.Src = rand.NewSource(4)
	e, err := New(Config{
		Particles:        300,
		LinearThreshold:  DefaultLinearThreshold,
		AngularThreshold: DefaultAngularThreshold,
		Init:             initOpts,
		Field:            g,
		Motion:           m,
		Resampler:        resample.NewMultinomial(rand.NewSource(5)),
	})
	require.NoError(t, err)

	submit := func() Result {
		odom := robot.Odom()
		e.Submit(Observation{Stamp: robot.Time(), Odom: &odom, Scan: robot.Scan()})
		res, err := e.Step()
		require.NoError(t, err)
		return res
	}
	require.True(t, submit().Initialized)

	// drive a loop around the room
	moves := []struct{ forward, turn float64 }{}
	for _, leg := range []struct {
		steps int
		turn  float64
	}{
		{steps: 12, turn: 0},
		{steps: 5, turn: math.Pi / 2},
		{steps: 10, turn: math.Pi / 2},
		{steps: 5, turn: math.Pi / 2},
	} {
		for i := 0; i < leg.steps; i++ {
			turn := 0.0
			if i == 0 {
				turn = leg.turn
			}
			moves = append(moves, struct{ forward, turn float64 }{0.25, turn})
		}
	}

	updates := 0
	for _, mv := range moves {
		require.NoError(t, robot.Move(mv.forward, mv.turn))
		if submit().Updated {
			updates++
		}

		est, ok := e.CurrentEstimate()
		require.True(t, ok)
		truth := robot.Pose()
		assert.InDelta(truth.X, est.Pose().X, 0.3)
		assert.InDelta(truth.Y, est.Pose().Y, 0.3)
		assert.InDelta(0.0, mcl.WrapAngle(truth.Theta-est.Pose().Theta), 0.3)
	}
	assert.Equal(len(moves), updates)
}

func TestFromConfig(t *testing.T) {
	assert := assert.New(t)

	c := config.Default()
	c.Seed = 42
	c.Particles = 50
	c.Sensor.Model = config.SensorLikelihoodField
	c.Estimate.QuadrantOffset = 0.1
	c.Laser.Mount = mcl.Pose{X: 0.1, Theta: 90}

	e, err := FromConfig(c, room(t), nil, nil)
	require.NoError(t, err)
	assert.Equal(50, e.n)
	assert.InDelta(math.Pi/6, e.angThresh, 1e-12)
	assert.InDelta(20*math.Pi/180, e.initOpts.SigmaTheta, 1e-12)
	assert.NotNil(e.estimator.Correction)
	conv, ok := e.tf.(*transform.Converter)
	require.True(t, ok)
	assert.InDelta(0.1, conv.Mount.X, 1e-12)
	assert.InDelta(math.Pi/2, conv.Mount.Theta, 1e-12)

	c.Motion.SigmaRot, c.Motion.SigmaTrans = 0, 0
	e, err = FromConfig(c, room(t), nil, nil)
	require.NoError(t, err)
	assert.NotNil(e.motion)

	c.Particles = 0
	e, err = FromConfig(c, room(t), nil, nil)
	assert.Nil(e)
	assert.Error(err)

	e, err = FromConfig(config.Default(), nil, nil, nil)
	assert.Nil(e)
	assert.Error(err)
}
