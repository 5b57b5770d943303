package transform

import (
	"fmt"
	"sort"
	"sync"
	"time"

	mcl "github.com/milosgajdos/go-mcl"
)

// DefaultRetention is the default odometry history length.
const DefaultRetention = 10 * time.Second

// OdomBuffer keeps a bounded, time ordered history of odometry poses
// and resolves the pose at arbitrary times within the history.
// It is safe for concurrent use.
type OdomBuffer struct {
	mu        sync.RWMutex
	retention time.Duration
	poses     []mcl.RawPose
}

// NewOdomBuffer creates new buffer which retains poses for retention.
// Non-positive retention falls back to DefaultRetention.
func NewOdomBuffer(retention time.Duration) *OdomBuffer {
	if retention <= 0 {
		retention = DefaultRetention
	}

	return &OdomBuffer{retention: retention}
}

// Add records odometry pose p. Poses older than the newest pose are inserted
// in order; poses older than the retention window are dropped.
func (b *OdomBuffer) Add(p mcl.RawPose) {
	b.mu.Lock()
	defer b.mu.Unlock()

	i := sort.Search(len(b.poses), func(i int) bool { return b.poses[i].Stamp.After(p.Stamp) })
	b.poses = append(b.poses, mcl.RawPose{})
	copy(b.poses[i+1:], b.poses[i:])
	b.poses[i] = p

	cutoff := b.poses[len(b.poses)-1].Stamp.Add(-b.retention)
	drop := sort.Search(len(b.poses), func(i int) bool { return !b.poses[i].Stamp.Before(cutoff) })
	if drop > 0 {
		b.poses = append(b.poses[:0], b.poses[drop:]...)
	}
}

// Len returns the number of retained poses.
func (b *OdomBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.poses)
}

// Lookup returns odometry pose at stamp, linearly interpolated between the two
// closest retained poses.
// It returns mcl.ErrTransformUnavailable if stamp is newer than the newest pose
// and mcl.ErrTransformExpired if stamp is older than the oldest retained pose.
func (b *OdomBuffer) Lookup(stamp time.Time) (mcl.RawPose, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.poses) == 0 {
		return mcl.RawPose{}, fmt.Errorf("%w: no odometry at %v", mcl.ErrTransformUnavailable, stamp)
	}

	first, last := b.poses[0], b.poses[len(b.poses)-1]
	if stamp.After(last.Stamp) {
		return mcl.RawPose{}, fmt.Errorf("%w: %v is newer than %v", mcl.ErrTransformUnavailable, stamp, last.Stamp)
	}
	if stamp.Before(first.Stamp) {
		return mcl.RawPose{}, fmt.Errorf("%w: %v is older than %v", mcl.ErrTransformExpired, stamp, first.Stamp)
	}

	// first pose not older than stamp
	i := sort.Search(len(b.poses), func(i int) bool { return !b.poses[i].Stamp.Before(stamp) })
	if b.poses[i].Stamp.Equal(stamp) {
		return b.poses[i], nil
	}

	p0, p1 := b.poses[i-1], b.poses[i]
	t := float64(stamp.Sub(p0.Stamp)) / float64(p1.Stamp.Sub(p0.Stamp))

	var c Converter
	a, z := c.PlanarPose(p0), c.PlanarPose(p1)
	yaw := a.Theta + t*mcl.WrapAngle(z.Theta-a.Theta)

	return mcl.RawPose{
		Stamp: stamp,
		Position: [3]float64{
			p0.Position[0] + t*(p1.Position[0]-p0.Position[0]),
			p0.Position[1] + t*(p1.Position[1]-p0.Position[1]),
			p0.Position[2] + t*(p1.Position[2]-p0.Position[2]),
		},
		Orientation: FromYaw(yaw),
	}, nil
}
