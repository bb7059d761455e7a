package money

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromUSDBankersRounding(t *testing.T) {
	tests := []struct {
		name    string
		usd     float64
		want    MicroUSD
		wantErr bool
	}{
		{"exact", 10.50, 10_500000, false},
		{"negative", -5.25, -5_250000, false},
		{"zero", 0, 0, false},
		{"small fraction rounds to nearest micro", 0.0000012, 1, false},
		{"small fraction rounds up", 0.0000018, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromUSD(tt.usd)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromUSDRejectsUnsafeRange(t *testing.T) {
	_, err := FromUSD(1e15)
	require.ErrorIs(t, err, ErrUnsafeConversion)
}

func TestFromUSDRejectsNonFinite(t *testing.T) {
	_, err := FromUSD(math.Inf(1))
	require.Error(t, err)
}

func TestToUSD(t *testing.T) {
	assert.Equal(t, 10.5, MicroUSD(10_500000).ToUSD())
	assert.Equal(t, -5.25, MicroUSD(-5_250000).ToUSD())
	assert.Equal(t, 0.0, MicroUSD(0).ToUSD())
}
