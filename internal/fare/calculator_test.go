package fare

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/ridedispatch/internal/trip/domain"
)

func TestQuote(t *testing.T) {
	calc, err := NewCalculator(Rates{BaseFare: 200, PerKmRate: 500})
	require.NoError(t, err)

	tests := []struct {
		name       string
		distanceKm float64
		want       float64
	}{
		{name: "zero distance pays base fare", distanceKm: 0, want: 200},
		{name: "five km", distanceKm: 5, want: 2700},
		{name: "fractional distance rounds to cents", distanceKm: 1.23456, want: 817.28},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := calc.Quote(tt.distanceKm)
			require.NoError(t, err)
			require.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestQuoteRejectsNegativeDistance(t *testing.T) {
	calc, err := NewCalculator(Rates{BaseFare: 200, PerKmRate: 500})
	require.NoError(t, err)

	_, err = calc.Quote(-0.1)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = calc.Quote(math.Inf(1))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestQuoteRouteAddsTimeComponent(t *testing.T) {
	calc, err := NewCalculator(Rates{BaseFare: 100, PerKmRate: 10, PerMinuteRate: 2})
	require.NoError(t, err)

	got, err := calc.QuoteRoute(3, 600)
	require.NoError(t, err)
	require.InDelta(t, 150.0, got, 1e-9)
}

func TestNewCalculatorRejectsNegativeRates(t *testing.T) {
	_, err := NewCalculator(Rates{BaseFare: -1})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}
