// Package transform converts raw odometry and range data into planar
// representations used by the particle filter.
package transform

import (
	"fmt"
	"math"
	"time"

	mcl "github.com/milosgajdos/go-mcl"
)

// Yaw returns rotation of q about the z axis.
func Yaw(q mcl.Quaternion) float64 {
	return math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z))
}

// FromYaw returns quaternion rotating by yaw about the z axis.
func FromYaw(yaw float64) mcl.Quaternion {
	sin, cos := math.Sincos(yaw / 2)
	return mcl.Quaternion{Z: sin, W: cos}
}

// ToRaw returns planar pose p as a raw pose stamped with stamp.
func ToRaw(p mcl.Pose, stamp time.Time) mcl.RawPose {
	return mcl.RawPose{
		Stamp:       stamp,
		Position:    [3]float64{p.X, p.Y, 0},
		Orientation: FromYaw(p.Theta),
	}
}

// Converter converts raw poses and scans to planar poses and robot frame beams.
type Converter struct {
	// Mount is the pose of the range sensor in the robot frame
	Mount mcl.Pose
}

// PlanarPose projects raw pose p onto the ground plane.
func (c *Converter) PlanarPose(p mcl.RawPose) mcl.Pose {
	return mcl.Pose{
		X:     p.Position[0],
		Y:     p.Position[1],
		Theta: Yaw(p.Orientation),
	}
}

// ScanToPolar converts raw scan s to range and bearing pairs in the robot frame.
// Readings outside of [RangeMin, RangeMax] become +Inf beams which carry no return.
// RangeMax of 0 disables the upper limit.
// It returns error if the scan angles are not finite.
func (c *Converter) ScanToPolar(s mcl.RawScan) ([]mcl.Beam, error) {
	if math.IsNaN(s.AngleMin) || math.IsInf(s.AngleMin, 0) ||
		math.IsNaN(s.AngleIncrement) || math.IsInf(s.AngleIncrement, 0) {
		return nil, fmt.Errorf("invalid scan angles: min %v, increment %v", s.AngleMin, s.AngleIncrement)
	}

	beams := make([]mcl.Beam, len(s.Ranges))
	for i, r := range s.Ranges {
		angle := s.AngleMin + float64(i)*s.AngleIncrement

		if math.IsNaN(r) || r < s.RangeMin || (s.RangeMax > 0 && r > s.RangeMax) {
			r = math.Inf(1)
		}

		if math.IsInf(r, 0) {
			beams[i] = mcl.Beam{Range: math.Inf(1), Bearing: mcl.WrapAngle(angle + c.Mount.Theta)}
			continue
		}

		// beam endpoint in the robot frame
		sin, cos := math.Sincos(angle)
		p := c.Mount.Compose(mcl.Pose{X: r * cos, Y: r * sin})
		beams[i] = mcl.Beam{
			Range:   math.Hypot(p.X, p.Y),
			Bearing: math.Atan2(p.Y, p.X),
		}
	}

	return beams, nil
}

// Scan converts raw scan s to a scan in the robot frame.
func (c *Converter) Scan(s mcl.RawScan) (mcl.Scan, error) {
	beams, err := c.ScanToPolar(s)
	if err != nil {
		return mcl.Scan{}, err
	}

	return mcl.Scan{Stamp: s.Stamp, Beams: beams}, nil
}

// MapToOdom returns the pose of the odometry frame in the map frame given
// the robot pose in the map frame and the robot pose in the odometry frame.
func MapToOdom(mapBase, odomBase mcl.Pose) mcl.Pose {
	return mapBase.Compose(odomBase.Inverse())
}
