package dictprior

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNewPrior(t *testing.T) {
	u := mat.NewDense(2, 3, []float64{0.1, -0.2, 0.3, 0.4, -0.5, 0.6})
	alpha := []float64{1, 2}
	gamma := []float64{0.5, 1, 2}

	p, err := NewPrior(u, alpha, gamma)
	require.NoError(t, err)
	assert.Equal(t, 2, p.NumAtoms())
	assert.Equal(t, 3, p.NumFreqs())

	cases := []struct {
		name  string
		u     *mat.Dense
		alpha []float64
		gamma []float64
	}{
		{"nil dictionary", nil, alpha, gamma},
		{"alpha length", u, []float64{1}, gamma},
		{"gamma length", u, alpha, []float64{1, 2}},
		{"zero alpha", u, []float64{1, 0}, gamma},
		{"negative gamma", u, alpha, []float64{0.5, -1, 2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPrior(tc.u, tc.alpha, tc.gamma)
			require.Error(t, err)
		})
	}
}

func TestPriorClone(t *testing.T) {
	u := mat.NewDense(1, 2, []float64{0.7, -0.8})
	p, err := NewPrior(u, []float64{3}, []float64{4, 5})
	require.NoError(t, err)

	c := p.Clone()
	c.U.Set(0, 0, 99)
	c.Alpha[0] = 99
	c.Gamma[1] = 99

	assert.Equal(t, 0.7, p.U.At(0, 0))
	assert.Equal(t, 3.0, p.Alpha[0])
	assert.Equal(t, 5.0, p.Gamma[1])
}
