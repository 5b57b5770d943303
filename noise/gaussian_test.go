package noise

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func TestNewGaussian(t *testing.T) {
	assert := assert.New(t)

	for _, test := range []struct {
		mean []float64
		cov  *mat.SymDense
		ok   bool
	}{
		{
			mean: []float64{2, 3},
			cov:  mat.NewSymDense(2, []float64{1, 0.1, 0.1, 1}),
			ok:   true,
		},
		{
			mean: []float64{2},
			cov:  mat.NewSymDense(2, []float64{1, 0.1, 0.1, 1}),
			ok:   false,
		},
		{
			// not positive definite
			mean: []float64{0, 0},
			cov:  mat.NewSymDense(2, nil),
			ok:   false,
		},
	} {
		g, err := NewGaussian(test.mean, test.cov)
		if !test.ok {
			assert.Nil(g)
			assert.Error(err)
			continue
		}
		assert.NotNil(g)
		assert.NoError(err)
	}
}

func TestGaussianMeanCov(t *testing.T) {
	assert := assert.New(t)

	mean := []float64{2, 3}
	cov := mat.NewSymDense(2, []float64{1, 0.1, 0.1, 1})

	g, err := NewGaussian(mean, cov)
	assert.NoError(err)

	assert.True(mat.Equal(cov, g.Cov()))
	assert.EqualValues(mean, g.Mean())
}

func TestNewDiagonal(t *testing.T) {
	assert := assert.New(t)

	g, err := NewDiagonal(nil, nil)
	assert.Nil(g)
	assert.Error(err)

	g, err = NewDiagonal([]float64{0.5, 2}, rand.NewSource(1))
	assert.NoError(err)
	assert.InDelta(0.25, g.Cov().At(0, 0), 1e-12)
	assert.InDelta(4.0, g.Cov().At(1, 1), 1e-12)
	assert.Equal(0.0, g.Cov().At(0, 1))
	assert.EqualValues([]float64{0, 0}, g.Mean())

	n := 20000
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i := 0; i < n; i++ {
		s := g.Sample()
		xs[i], ys[i] = s.AtVec(0), s.AtVec(1)
	}
	assert.InDelta(0.0, stat.Mean(xs, nil), 0.05)
	assert.InDelta(0.5, stat.StdDev(xs, nil), 0.05)
	assert.InDelta(2.0, stat.StdDev(ys, nil), 0.1)
}

func TestGaussianSeeded(t *testing.T) {
	assert := assert.New(t)

	sigmas := []float64{1, 1, 1}
	g1, err := NewDiagonal(sigmas, rand.NewSource(42))
	assert.NoError(err)
	g2, err := NewDiagonal(sigmas, rand.NewSource(42))
	assert.NoError(err)

	for i := 0; i < 10; i++ {
		assert.True(mat.Equal(g1.Sample(), g2.Sample()))
	}
}

func TestGaussianSampleReset(t *testing.T) {
	assert := assert.New(t)
	mean := []float64{2, 3}
	cov := mat.NewSymDense(2, []float64{1, 0.1, 0.1, 1})

	g, err := NewGaussian(mean, cov)
	assert.NoError(err)

	sample1 := g.Sample()
	assert.Equal(len(mean), sample1.Len())

	err = g.Reset()
	assert.NoError(err)

	sample2 := g.Sample()
	assert.NotEqual(sample1, sample2)
}

func TestGaussianString(t *testing.T) {
	assert := assert.New(t)

	mean := []float64{2, 3}
	cov := mat.NewSymDense(2, []float64{1, 0.1, 0.1, 1})

	g, err := NewGaussian(mean, cov)
	assert.NoError(err)
	assert.Contains(g.String(), "Gaussian{")
	assert.Contains(g.String(), "Mean=[2 3]")
}
