package mcl

import (
	"errors"
	"math"
	"time"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrTransformUnavailable is returned when an odometry pose for the requested
	// timestamp is not (yet) available. Callers should retry later.
	ErrTransformUnavailable = errors.New("transform unavailable")
	// ErrTransformExpired is returned when the requested timestamp is older than
	// any retained odometry pose. The transform will never become available.
	ErrTransformExpired = errors.New("transform expired")
	// ErrInvalidBounds is returned when obstacle bounds enclose no area.
	ErrInvalidBounds = errors.New("invalid bounds")
)

// Pose is a planar pose: position in meters and heading in radians.
type Pose struct {
	X     float64 `json:"x" yaml:"x"`
	Y     float64 `json:"y" yaml:"y"`
	Theta float64 `json:"theta" yaml:"theta"`
}

// Compose returns the pose q expressed in the frame in which p is expressed,
// given q is expressed relative to p.
func (p Pose) Compose(q Pose) Pose {
	sin, cos := math.Sincos(p.Theta)
	return Pose{
		X:     p.X + cos*q.X - sin*q.Y,
		Y:     p.Y + sin*q.X + cos*q.Y,
		Theta: p.Theta + q.Theta,
	}
}

// Inverse returns the inverse transform of p.
func (p Pose) Inverse() Pose {
	sin, cos := math.Sincos(p.Theta)
	return Pose{
		X:     -cos*p.X - sin*p.Y,
		Y:     sin*p.X - cos*p.Y,
		Theta: -p.Theta,
	}
}

// Vec returns pose as a vector [x, y, theta].
func (p Pose) Vec() mat.Vector {
	return mat.NewVecDense(3, []float64{p.X, p.Y, p.Theta})
}

// Beam is a single range reading expressed in the robot frame.
// Range is +Inf or NaN when the beam returned nothing.
type Beam struct {
	Range   float64 `json:"range"`
	Bearing float64 `json:"bearing"`
}

// Valid reports whether the beam carries a finite range.
func (b Beam) Valid() bool {
	return !math.IsNaN(b.Range) && !math.IsInf(b.Range, 0)
}

// Scan is a timestamped range scan in the robot frame.
type Scan struct {
	Stamp time.Time
	Beams []Beam
}

// Quaternion is a unit quaternion.
type Quaternion struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// RawPose is a timestamped 3-D pose as delivered by odometry or pose
// estimate publishers.
type RawPose struct {
	Stamp       time.Time  `json:"stamp"`
	Position    [3]float64 `json:"position"`
	Orientation Quaternion `json:"orientation"`
}

// RawScan is a laser scan as delivered by the range sensor.
type RawScan struct {
	Stamp          time.Time `json:"stamp"`
	AngleMin       float64   `json:"angle_min"`
	AngleIncrement float64   `json:"angle_increment"`
	RangeMin       float64   `json:"range_min"`
	RangeMax       float64   `json:"range_max"`
	Ranges         []float64 `json:"ranges"`
}

// DistanceField answers nearest obstacle queries over a known map.
type DistanceField interface {
	// ClosestObstacleDistance returns distance from the map frame point
	// to the nearest obstacle or NaN if the point lies outside the map.
	ClosestObstacleDistance(x, y float64) float64
	// ObstacleBounds returns axis aligned bounds of obstacle space.
	ObstacleBounds() orb.Bound
}

// Transformer converts raw sensor data to planar representations.
type Transformer interface {
	// PlanarPose converts raw pose to planar pose.
	PlanarPose(RawPose) Pose
	// ScanToPolar converts raw scan to beams in the robot frame.
	ScanToPolar(RawScan) ([]Beam, error)
}

// OdomSource resolves the odometry pose at a given time.
type OdomSource interface {
	// Lookup returns odometry pose at stamp.
	// It returns ErrTransformUnavailable or ErrTransformExpired when the pose can't be resolved.
	Lookup(stamp time.Time) (RawPose, error)
}

// Noise is a source of random perturbations
type Noise interface {
	// Mean returns noise mean
	Mean() []float64
	// Cov returns covariance matrix of the noise
	Cov() mat.Symmetric
	// Sample returns a sample of the noise
	Sample() mat.Vector
	// Reset resets the noise
	Reset() error
}

// WrapAngle wraps angle a into (-Pi, Pi].
func WrapAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}
