// Package engine drives Monte Carlo localization: it time-matches scans with
// odometry, decides when the robot moved enough to run the filter and owns
// the particle set between cycles.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	mcl "github.com/milosgajdos/go-mcl"
	"github.com/milosgajdos/go-mcl/estimate"
	"github.com/milosgajdos/go-mcl/internal/monitoring"
	"github.com/milosgajdos/go-mcl/motion"
	"github.com/milosgajdos/go-mcl/particle"
	"github.com/milosgajdos/go-mcl/resample"
	"github.com/milosgajdos/go-mcl/sensor"
	"github.com/milosgajdos/go-mcl/transform"
)

var logf = monitoring.Component("mcl")

const (
	// DefaultParticles is the default number of particles.
	DefaultParticles = 500
	// DefaultLinearThreshold is the default displacement in meters which triggers an update.
	DefaultLinearThreshold = 0.2
	// DefaultAngularThreshold is the default rotation in radians which triggers an update.
	DefaultAngularThreshold = math.Pi / 6
	// DefaultPeriod is the default run loop period.
	DefaultPeriod = 100 * time.Millisecond
)

// State is the engine state.
type State int

const (
	// Uninitialized means no particle set exists yet.
	Uninitialized State = iota
	// Tracking means the engine maintains a particle set.
	Tracking
)

// String implements fmt.Stringer interface.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Tracking:
		return "tracking"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Observation is a range scan paired with the odometry pose at the scan time.
type Observation struct {
	// Stamp is the time the scan was taken
	Stamp time.Time
	// Odom is odometry pose at Stamp; nil means it is looked up in the engine OdomSource
	Odom *mcl.RawPose
	// Scan is the raw range scan
	Scan mcl.RawScan
}

// Result reports the outcome of a single Step.
type Result struct {
	// Processed is set when an observation was consumed
	Processed bool
	// Pending is set when the observation waits for odometry
	Pending bool
	// Discarded is set when the observation odometry expired
	Discarded bool
	// Initialized is set when the observation seeded the particle set
	Initialized bool
	// Updated is set when a full filter cycle ran
	Updated bool
	// Degenerate is set when all particle weights were zero
	Degenerate bool
}

// Stats are engine counters.
type Stats struct {
	Submitted  uint64
	// Dropped counts observations replaced by a newer one before processing,
	// including those superseded while waiting for odometry
	Dropped    uint64
	Processed  uint64
	Updates    uint64
	Degenerate uint64
	Retried    uint64
	Expired    uint64
	Clamped    uint64
	Resets     uint64
}

type stats struct {
	submitted, dropped, processed, updates atomic.Uint64
	degenerate, retried, expired, clamped  atomic.Uint64
	resets                                 atomic.Uint64
}

// Snapshot is a copy of the engine output handed to a Publisher.
type Snapshot struct {
	// RunID identifies the engine instance
	RunID string
	// Stamp is the time of the processed observation
	Stamp time.Time
	// State is the engine state
	State State
	// Updated is set if the filter ran for this snapshot
	Updated bool
	// Estimate is the current pose estimate; nil before initialization
	Estimate *estimate.Estimate
	// Particles is a copy of the particle set
	Particles []particle.Particle
	// MapToOdom is the map to odometry frame correction; valid if HasMapToOdom is set
	MapToOdom    mcl.Pose
	HasMapToOdom bool
}

// Publisher receives engine snapshots.
type Publisher interface {
	Publish(Snapshot) error
}

// Config configures the engine.
type Config struct {
	// Particles is the size of the particle set
	Particles int
	// LinearThreshold is the displacement along either axis which triggers an update
	LinearThreshold float64
	// AngularThreshold is the rotation in radians which triggers an update
	AngularThreshold float64
	// Period is the Run loop period
	Period time.Duration
	// Init configures particle initialization
	Init particle.InitOptions
	// Field is the obstacle distance field; required
	Field mcl.DistanceField
	// Sensor weighs particles; defaults to sensor.Hits over Field
	Sensor sensor.Model
	// Motion moves particles; defaults to odometry with time seeded Gaussian noise
	// of motion.DefaultSigmaRot and motion.DefaultSigmaTrans
	Motion *motion.Odometry
	// Resampler draws new particle generations; defaults to time seeded multinomial
	Resampler resample.Resampler
	// Estimator reduces the particles to a pose; defaults to raw mean
	Estimator *estimate.Estimator
	// Transformer converts raw data; defaults to transform.Converter with no mount offset
	Transformer mcl.Transformer
	// Odom resolves odometry of observations which carry none
	Odom mcl.OdomSource
	// Publisher receives snapshots from Run
	Publisher Publisher
}

// Engine is the localization engine.
type Engine struct {
	// immutable after New
	runID     string
	n         int
	linThresh float64
	angThresh float64
	period    time.Duration
	initOpts  particle.InitOptions
	field     mcl.DistanceField
	sensor    sensor.Model
	motion    *motion.Odometry
	resampler resample.Resampler
	estimator *estimate.Estimator
	tf        mcl.Transformer
	odom      mcl.OdomSource
	pub       Publisher

	mb    mailbox
	stats stats

	// mu guards the filter state below
	mu        sync.Mutex
	state     State
	set       *particle.Set
	est       *estimate.Estimate
	latest    mcl.Pose
	hasLatest bool
	ref       mcl.Pose
	hasRef    bool
	mapOdom   mcl.Pose
	hasMapOdo bool
	stamp     time.Time
}

// New creates new engine and returns it.
// It returns error if the configuration is invalid.
func New(c Config) (*Engine, error) {
	if c.Field == nil {
		return nil, fmt.Errorf("missing distance field")
	}

	if c.Particles < 0 || c.LinearThreshold < 0 || c.AngularThreshold < 0 || c.Period < 0 {
		return nil, fmt.Errorf("invalid engine config: particles %d, thresholds %v/%v, period %v",
			c.Particles, c.LinearThreshold, c.AngularThreshold, c.Period)
	}

	e := &Engine{
		runID:     uuid.NewString(),
		n:         c.Particles,
		linThresh: c.LinearThreshold,
		angThresh: c.AngularThreshold,
		period:    c.Period,
		initOpts:  c.Init,
		field:     c.Field,
		sensor:    c.Sensor,
		motion:    c.Motion,
		resampler: c.Resampler,
		estimator: c.Estimator,
		tf:        c.Transformer,
		odom:      c.Odom,
		pub:       c.Publisher,
	}

	if e.n == 0 {
		e.n = DefaultParticles
	}
	if e.period == 0 {
		e.period = DefaultPeriod
	}
	if e.initOpts.SigmaXY == 0 && e.initOpts.SigmaTheta == 0 {
		src := e.initOpts.Src
		e.initOpts = particle.DefaultInitOptions()
		e.initOpts.Src = src
	}
	if e.sensor == nil {
		h, err := sensor.NewHits(c.Field, 1)
		if err != nil {
			return nil, err
		}
		e.sensor = h
	}
	if e.motion == nil {
		m, err := motion.NewGaussian(motion.DefaultSigmaRot, motion.DefaultSigmaTrans, nil)
		if err != nil {
			return nil, err
		}
		e.motion = m
	}
	if e.resampler == nil {
		e.resampler = resample.NewMultinomial(nil)
	}
	if e.estimator == nil {
		e.estimator = &estimate.Estimator{}
	}
	if e.tf == nil {
		e.tf = &transform.Converter{}
	}

	return e, nil
}

// RunID returns the engine instance id.
func (e *Engine) RunID() string {
	return e.runID
}

// Submit stores observation o for the next Step. It never blocks on a running cycle.
// A pending observation which has not been processed yet is dropped.
func (e *Engine) Submit(o Observation) {
	e.stats.submitted.Add(1)
	if e.mb.put(o) {
		e.stats.dropped.Add(1)
	}
}

// ResetPose reinitializes particles around pose p. It waits for a running cycle to finish.
// It returns error if the particles can't be initialized.
func (e *Engine) ResetPose(p mcl.RawPose) error {
	seed := e.tf.PlanarPose(p)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.initialize(seed); err != nil {
		return err
	}
	e.stats.resets.Add(1)

	// motion is measured from the odometry at the time of the reset
	e.ref, e.hasRef = e.latest, e.hasLatest
	if e.hasLatest {
		e.mapOdom, e.hasMapOdo = transform.MapToOdom(e.est.Pose(), e.latest), true
	}

	logf("pose reset to (%.3f, %.3f, %.3f)", seed.X, seed.Y, seed.Theta)

	return nil
}

// Step consumes the pending observation and runs at most one filter cycle.
// Observations whose odometry is not available yet stay pending, observations
// whose odometry expired are discarded; neither is reported as error.
// It returns error if the observation can't be converted or the filter cycle fails.
func (e *Engine) Step() (Result, error) {
	var res Result

	o, ok := e.mb.take()
	if !ok {
		return res, nil
	}

	raw, err := e.resolveOdom(o)
	if err != nil {
		switch {
		case errors.Is(err, mcl.ErrTransformUnavailable):
			e.stats.retried.Add(1)
			if !e.mb.restore(o) {
				// superseded while its odometry was looked up
				e.stats.dropped.Add(1)
			}
			res.Pending = true
			return res, nil
		case errors.Is(err, mcl.ErrTransformExpired):
			e.stats.expired.Add(1)
			logf("discarding scan at %v: %v", o.Stamp, err)
			res.Discarded = true
			return res, nil
		}
		return res, err
	}

	beams, err := e.tf.ScanToPolar(o.Scan)
	if err != nil {
		return res, fmt.Errorf("converting scan: %w", err)
	}
	pose := e.tf.PlanarPose(raw)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.processed.Add(1)
	res.Processed = true
	e.latest, e.hasLatest = pose, true
	e.stamp = o.Stamp

	if e.state == Uninitialized {
		// odometry frame is assumed to coincide with the map frame
		if err := e.initialize(pose); err != nil {
			return res, err
		}
		e.ref, e.hasRef = pose, true
		e.mapOdom, e.hasMapOdo = transform.MapToOdom(e.est.Pose(), pose), true
		res.Initialized = true
		logf("initialized %d particles around (%.3f, %.3f, %.3f)", e.n, pose.X, pose.Y, pose.Theta)
		return res, nil
	}

	if !e.hasRef {
		e.ref, e.hasRef = pose, true
		return res, nil
	}

	if !e.moved(pose) {
		return res, nil
	}

	degenerate, err := e.update(pose, beams)
	if err != nil {
		return res, err
	}
	res.Updated = true
	res.Degenerate = degenerate

	return res, nil
}

// Run calls Step every period until ctx is done and hands a snapshot of every
// processed observation to the configured Publisher.
// Step and publishing errors are logged. It returns ctx error.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res, err := e.Step()
			if err != nil {
				logf("step failed: %v", err)
				continue
			}
			if !res.Processed || e.pub == nil {
				continue
			}
			snap := e.Snapshot()
			snap.Updated = res.Updated
			if err := e.pub.Publish(snap); err != nil {
				logf("publishing snapshot: %v", err)
			}
		}
	}
}

// Snapshot returns a copy of the current engine output.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{
		RunID:        e.runID,
		Stamp:        e.stamp,
		State:        e.state,
		Estimate:     e.est,
		MapToOdom:    e.mapOdom,
		HasMapToOdom: e.hasMapOdo,
	}
	if e.set != nil {
		s.Particles = e.set.Clone()
	}

	return s
}

// CurrentEstimate returns the latest pose estimate.
// It returns false if no estimate exists.
func (e *Engine) CurrentEstimate() (*estimate.Estimate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.est, e.est != nil
}

// CurrentParticles returns a copy of the particle set or nil if there is none.
func (e *Engine) CurrentParticles() []particle.Particle {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.set == nil {
		return nil
	}

	return e.set.Clone()
}

// MapToOdom returns the map to odometry frame correction.
// It returns false if no correction has been computed yet.
func (e *Engine) MapToOdom() (mcl.Pose, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.mapOdom, e.hasMapOdo
}

// State returns the engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// Pending reports whether an observation waits for processing.
func (e *Engine) Pending() bool {
	return e.mb.pending()
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Submitted:  e.stats.submitted.Load(),
		Dropped:    e.stats.dropped.Load(),
		Processed:  e.stats.processed.Load(),
		Updates:    e.stats.updates.Load(),
		Degenerate: e.stats.degenerate.Load(),
		Retried:    e.stats.retried.Load(),
		Expired:    e.stats.expired.Load(),
		Clamped:    e.stats.clamped.Load(),
		Resets:     e.stats.resets.Load(),
	}
}

func (e *Engine) resolveOdom(o Observation) (mcl.RawPose, error) {
	if o.Odom != nil {
		return *o.Odom, nil
	}

	if e.odom == nil {
		return mcl.RawPose{}, fmt.Errorf("observation at %v carries no odometry and no odometry source is set", o.Stamp)
	}

	return e.odom.Lookup(o.Stamp)
}

// initialize must be called with mu held.
func (e *Engine) initialize(seed mcl.Pose) error {
	set, st, err := particle.Initialize(seed, e.field.ObstacleBounds(), e.n, e.initOpts)
	if err != nil {
		return fmt.Errorf("initializing particles: %w", err)
	}

	if st.Clamped > 0 {
		e.stats.clamped.Add(uint64(st.Clamped))
		logf("%d particles clamped into obstacle bounds", st.Clamped)
	}

	est, err := e.estimator.Estimate(set.Particles())
	if err != nil {
		return fmt.Errorf("estimating pose: %w", err)
	}

	e.set = set
	e.est = est
	e.state = Tracking

	return nil
}

// moved reports whether pose is far enough from the reference pose.
func (e *Engine) moved(pose mcl.Pose) bool {
	dx := math.Abs(pose.X - e.ref.X)
	dy := math.Abs(pose.Y - e.ref.Y)
	dtheta := math.Abs(mcl.WrapAngle(pose.Theta - e.ref.Theta))

	return dx > e.linThresh || dy > e.linThresh || dtheta > e.angThresh
}

// update runs a single filter cycle; it must be called with mu held.
func (e *Engine) update(pose mcl.Pose, beams []mcl.Beam) (bool, error) {
	ps := e.set.Particles()

	e.motion.Predict(ps, motion.NewDelta(e.ref, pose))
	e.sensor.Weigh(ps, beams)

	est, err := e.estimator.Estimate(ps)
	if err != nil {
		return false, fmt.Errorf("estimating pose: %w", err)
	}

	w := e.set.Weights()
	degenerate := particle.Normalize(w)
	if degenerate {
		e.stats.degenerate.Add(1)
		logf("no particle matched the scan, resampling uniformly")
	}
	if err := e.set.SetWeights(w); err != nil {
		return false, err
	}

	next, err := e.resampler.Resample(ps, w, e.set.Len())
	if err != nil {
		return false, fmt.Errorf("resampling: %w", err)
	}
	if err := e.set.Replace(next); err != nil {
		return false, err
	}

	e.est = est
	e.ref = pose
	e.mapOdom, e.hasMapOdo = transform.MapToOdom(est.Pose(), pose), true
	e.stats.updates.Add(1)

	return degenerate, nil
}
