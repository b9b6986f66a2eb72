package fare

import (
	"fmt"
	"math"

	"github.com/example/ridedispatch/internal/trip/domain"
)

// Rates holds the pricing constants applied to every quote.
type Rates struct {
	BaseFare      float64
	PerKmRate     float64
	PerMinuteRate float64
}

// Calculator produces deterministic fare quotes.
type Calculator struct {
	rates Rates
}

// NewCalculator constructs a calculator; negative rates are rejected.
func NewCalculator(rates Rates) (*Calculator, error) {
	if rates.BaseFare < 0 || rates.PerKmRate < 0 || rates.PerMinuteRate < 0 {
		return nil, fmt.Errorf("fare rates must be non-negative: %w", domain.ErrInvalidArgument)
	}
	return &Calculator{rates: rates}, nil
}

// Quote returns baseFare + distanceKm*perKmRate rounded to cents.
func (c *Calculator) Quote(distanceKm float64) (float64, error) {
	return c.QuoteRoute(distanceKm, 0)
}

// QuoteRoute adds the optional per-minute component on top of Quote.
func (c *Calculator) QuoteRoute(distanceKm, durationSeconds float64) (float64, error) {
	if !finiteNonNegative(distanceKm) {
		return 0, fmt.Errorf("distance %v: %w", distanceKm, domain.ErrInvalidArgument)
	}
	if !finiteNonNegative(durationSeconds) {
		return 0, fmt.Errorf("duration %v: %w", durationSeconds, domain.ErrInvalidArgument)
	}
	total := c.rates.BaseFare + distanceKm*c.rates.PerKmRate + durationSeconds/60*c.rates.PerMinuteRate
	return math.Round(total*100) / 100, nil
}

func finiteNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
