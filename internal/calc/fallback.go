package calc

import (
	"errors"
	"fmt"
	"strings"

	"footprint-service/internal/entity"
)

// ErrNoFallback means the subject's category has no estimation multipliers,
// so an engine outage for it ends in a terminal failure instead of a
// degraded result.
var ErrNoFallback = errors.New("no fallback estimator for category")

// categoryMultipliers are the openly documented per-category estimation
// factors applied when the LCI engine is unreachable:
//
//	totalCO2e  = declared mass in kg * CO2ePerKg
//	waterL     = declared mass in kg * LitersPerKg
//
// They are coarse sector averages, which is exactly why every result built
// from them carries Degraded=true.
type categoryMultipliers struct {
	CO2ePerKg   float64
	LitersPerKg float64
}

var fallbackMultipliers = map[string]categoryMultipliers{
	"packaging":   {CO2ePerKg: 2.1, LitersPerKg: 35},
	"plastic":     {CO2ePerKg: 3.4, LitersPerKg: 180},
	"paper":       {CO2ePerKg: 1.1, LitersPerKg: 900},
	"glass":       {CO2ePerKg: 0.9, LitersPerKg: 18},
	"metal":       {CO2ePerKg: 4.5, LitersPerKg: 250},
	"textile":     {CO2ePerKg: 15.0, LitersPerKg: 9000},
	"food":        {CO2ePerKg: 3.2, LitersPerKg: 1800},
	"chemical":    {CO2ePerKg: 2.8, LitersPerKg: 120},
	"electronics": {CO2ePerKg: 25.0, LitersPerKg: 1500},
}

// CanEstimate reports whether Estimate would succeed for this input.
func CanEstimate(in entity.CalculationInput) bool {
	_, ok := fallbackMultipliers[strings.ToLower(strings.TrimSpace(in.Category))]
	return ok && declaredMassKg(in) > 0
}

// declaredMassKg is the estimation mass basis: the sum of declared component
// masses, or the declared net mass when no composition is listed.
func declaredMassKg(in entity.CalculationInput) float64 {
	var sum float64
	for _, c := range in.Components {
		sum += c.MassKg
	}
	if sum > 0 {
		return sum
	}
	return in.NetMassKg
}

// Estimate produces a degraded FootprintResult from the subject's declared
// composition alone, using the per-category multipliers above. Used only
// after the engine retry budget is exhausted.
func Estimate(in entity.CalculationInput, opts entity.Options) (entity.FootprintResult, error) {
	m, ok := fallbackMultipliers[strings.ToLower(strings.TrimSpace(in.Category))]
	if !ok {
		return entity.FootprintResult{}, fmt.Errorf("%w: %q", ErrNoFallback, in.Category)
	}
	mass := declaredMassKg(in)
	if mass <= 0 {
		return entity.FootprintResult{}, fmt.Errorf("%w: no declared mass", ErrNoFallback)
	}

	return entity.FootprintResult{
		TotalCO2eKg:          mass * m.CO2ePerKg,
		WaterFootprintLiters: mass * m.LitersPerKg,
		Degraded:             true,
		Metadata: entity.ResultMetadata{
			FactorVersion: opts.FactorVersion,
		},
	}, nil
}
