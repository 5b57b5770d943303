package sim

import (
	"testing"

	mcl "github.com/milosgajdos/go-mcl"
	"github.com/milosgajdos/go-mcl/particle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewParticlePlot(t *testing.T) {
	assert := assert.New(t)

	g, err := Room(4, 3, 0.1)
	require.NoError(t, err)

	ps := []particle.Particle{{X: 1, Y: 1}, {X: 1.1, Y: 0.9}}
	truth := []mcl.Pose{{X: 1, Y: 1}, {X: 1.5, Y: 1}}
	est := []mcl.Pose{{X: 1.05, Y: 1}, {X: 1.45, Y: 1.02}}

	plt, err := NewParticlePlot(g, ps, truth, est)
	assert.NotNil(plt)
	assert.NoError(err)

	plt, err = NewParticlePlot(g, nil, nil, nil)
	assert.NotNil(plt)
	assert.NoError(err)

	plt, err = NewParticlePlot(nil, ps, truth, est)
	assert.Nil(plt)
	assert.Error(err)

	plt, err = NewParticlePlot(g, ps, truth, est[:1])
	assert.Nil(plt)
	assert.Error(err)
}
