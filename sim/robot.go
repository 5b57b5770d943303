package sim

import (
	"errors"
	"fmt"
	"math"
	"time"

	mcl "github.com/milosgajdos/go-mcl"
	"github.com/milosgajdos/go-mcl/field"
	"github.com/milosgajdos/go-mcl/rand"
	"github.com/milosgajdos/go-mcl/transform"
	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// DefaultStep is the default simulated time between two robot moves.
const DefaultStep = 200 * time.Millisecond

// ErrCollision is returned when a move would end inside an obstacle.
var ErrCollision = errors.New("collision")

// RobotOptions configure the simulated robot.
type RobotOptions struct {
	// Beams is the number of range readings per scan
	Beams int
	// FOV is the scan field of view in radians
	FOV float64
	// MaxRange is the range sensor reach in meters
	MaxRange float64
	// OdomCov is the covariance of [x, y, theta] odometry error added on every move;
	// nil means perfect odometry
	OdomCov mat.Symmetric
	// Start is the simulation start time
	Start time.Time
	// Step is the simulated time of a single move
	Step time.Duration
	// Src is the source of randomness; nil means the global source
	Src xrand.Source
}

// DefaultRobotOptions returns robot with a 360 degree, 10 m, 180 beam scanner and perfect odometry.
func DefaultRobotOptions() RobotOptions {
	return RobotOptions{
		Beams:    180,
		FOV:      2 * math.Pi,
		MaxRange: 10,
		Start:    time.Unix(0, 0).UTC(),
		Step:     DefaultStep,
	}
}

// Robot is a simulated robot moving in a grid world.
// It keeps its true pose and the pose reported by its (possibly drifting) odometry.
type Robot struct {
	grid  *field.Grid
	opts  RobotOptions
	pose  mcl.Pose
	odom  mcl.Pose
	clock time.Time
}

// NewRobot places a robot at pose start in grid g.
// Odometry starts at the true pose.
// It returns error if start is not in free space or the options are invalid.
func NewRobot(g *field.Grid, start mcl.Pose, opts RobotOptions) (*Robot, error) {
	if g == nil {
		return nil, fmt.Errorf("invalid grid: %v", g)
	}

	if opts.Beams <= 0 || !(opts.MaxRange > 0) || !(opts.FOV > 0) {
		return nil, fmt.Errorf("invalid scanner: %d beams, fov %v, range %v", opts.Beams, opts.FOV, opts.MaxRange)
	}

	if opts.OdomCov != nil && opts.OdomCov.SymmetricDim() != 3 {
		return nil, fmt.Errorf("invalid odometry covariance dimension: %d", opts.OdomCov.SymmetricDim())
	}

	if g.At(start.X, start.Y) != field.Free {
		return nil, fmt.Errorf("start %v is not in free space", start)
	}

	if opts.Step <= 0 {
		opts.Step = DefaultStep
	}

	return &Robot{
		grid:  g,
		opts:  opts,
		pose:  start,
		odom:  start,
		clock: opts.Start,
	}, nil
}

// Pose returns the true robot pose.
func (r *Robot) Pose() mcl.Pose {
	return r.pose
}

// Time returns the simulation time.
func (r *Robot) Time() time.Time {
	return r.clock
}

// Odom returns the odometry pose stamped with the simulation time.
func (r *Robot) Odom() mcl.RawPose {
	return transform.ToRaw(r.odom, r.clock)
}

// Move turns the robot by turn radians and then drives it forward by forward meters.
// Odometry integrates the same motion with an error drawn from OdomCov.
// It returns ErrCollision and leaves the robot in place if the path is blocked.
func (r *Robot) Move(forward, turn float64) error {
	theta := r.pose.Theta + turn
	sin, cos := math.Sincos(theta)

	// check the path at half cell steps
	step := r.grid.Resolution() / 2
	for d := 0.0; d < forward; d += step {
		if r.grid.At(r.pose.X+d*cos, r.pose.Y+d*sin) != field.Free {
			return ErrCollision
		}
	}
	to := mcl.Pose{X: r.pose.X + forward*cos, Y: r.pose.Y + forward*sin, Theta: theta}
	if r.grid.At(to.X, to.Y) != field.Free {
		return ErrCollision
	}

	rel := r.pose.Inverse().Compose(to)
	if r.opts.OdomCov != nil {
		e, err := rand.WithCovN(r.opts.OdomCov, 1, r.opts.Src)
		if err != nil {
			return fmt.Errorf("sampling odometry error: %w", err)
		}
		rel.X += e.At(0, 0)
		rel.Y += e.At(1, 0)
		rel.Theta += e.At(2, 0)
	}

	r.pose = to
	r.odom = r.odom.Compose(rel)
	r.clock = r.clock.Add(r.opts.Step)

	return nil
}

// Scan casts the scanner beams from the true pose.
// Beams which hit no obstacle within MaxRange, or leave the map, read +Inf.
// Beam endpoints of finite readings lie inside the obstacle cell they hit.
func (r *Robot) Scan() mcl.RawScan {
	inc := r.opts.FOV / float64(r.opts.Beams)
	angleMin := -r.opts.FOV / 2
	if r.opts.FOV >= 2*math.Pi {
		angleMin = -math.Pi
	}

	ranges := make([]float64, r.opts.Beams)
	for i := range ranges {
		ranges[i] = r.cast(r.pose.Theta + angleMin + float64(i)*inc)
	}

	return mcl.RawScan{
		Stamp:          r.clock,
		AngleMin:       angleMin,
		AngleIncrement: inc,
		RangeMax:       r.opts.MaxRange,
		Ranges:         ranges,
	}
}

func (r *Robot) cast(angle float64) float64 {
	sin, cos := math.Sincos(angle)
	step := r.grid.Resolution() / 4

	for d := step; d <= r.opts.MaxRange; d += step {
		switch r.grid.At(r.pose.X+d*cos, r.pose.Y+d*sin) {
		case field.Occupied:
			return d
		case field.Unknown:
			return math.Inf(1)
		}
	}

	return math.Inf(1)
}
