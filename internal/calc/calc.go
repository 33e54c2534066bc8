// Package calc is the calculation core: a pure mapping from raw inventory
// flows and a GWP factor set to an aggregated footprint. No I/O happens here;
// given the same inputs it always produces the same result.
package calc

import (
	"fmt"
	"sort"
	"strings"

	"footprint-service/internal/engine"
	"footprint-service/internal/entity"
)

// FactorSet is a resolved, immutable gas->GWP100 mapping for one factor table
// version. The worker builds it from the engine client before calling
// Aggregate, so the aggregation itself stays free of lookups with side
// effects.
type FactorSet map[string]float64

// knownGHGs is the exact-formula filter: only flows whose name matches one of
// these counts toward the CO2e total. Anything else emitted to air (dust,
// NOx, ...) is not a greenhouse gas under GWP100 accounting.
var knownGHGs = map[string]struct{}{
	"CO2":      {},
	"CH4":      {},
	"N2O":      {},
	"SF6":      {},
	"NF3":      {},
	"HFC-23":   {},
	"HFC-134a": {},
	"CF4":      {},
	"C2F6":     {},
}

func isAirEmission(category string) bool {
	c := strings.ToLower(strings.TrimSpace(category))
	return c == "emission/air" || strings.HasPrefix(c, "emission/air/")
}

func isWaterConsumption(category string) bool {
	c := strings.ToLower(strings.TrimSpace(category))
	return c == "resource/water" || strings.HasPrefix(c, "resource/water/")
}

func massKg(amount float64, unit string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "kg":
		return amount, nil
	case "g":
		return amount / 1000, nil
	case "t":
		return amount * 1000, nil
	default:
		return 0, fmt.Errorf("unsupported mass unit %q", unit)
	}
}

func volumeLiters(amount float64, unit string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "l":
		return amount, nil
	case "m3":
		return amount * 1000, nil
	default:
		return 0, fmt.Errorf("unsupported volume unit %q", unit)
	}
}

// Aggregate turns raw engine flows into a FootprintResult.
//
// GHG flows are aggregated per gas and then sorted by gas formula before
// summation. Floating-point addition is not associative, so a fixed
// summation order is what makes the total reproducible regardless of the
// order flows arrive from the engine.
//
// Gases that pass the GHG filter but have no factor in the set are excluded
// from the total and recorded in ExcludedGases, never dropped silently.
func Aggregate(flows []engine.InventoryFlow, factors FactorSet, opts entity.Options) (entity.FootprintResult, error) {
	massByGas := make(map[string]float64)
	var waterLiters float64

	for _, f := range flows {
		switch {
		case isAirEmission(f.Category):
			if _, ok := knownGHGs[f.Name]; !ok {
				continue
			}
			kg, err := massKg(f.Amount, f.Unit)
			if err != nil {
				return entity.FootprintResult{}, fmt.Errorf("flow %q: %w", f.Name, err)
			}
			massByGas[f.Name] += kg

		case isWaterConsumption(f.Category):
			l, err := volumeLiters(f.Amount, f.Unit)
			if err != nil {
				return entity.FootprintResult{}, fmt.Errorf("flow %q: %w", f.Name, err)
			}
			waterLiters += l
		}
	}

	gases := make([]string, 0, len(massByGas))
	for gas := range massByGas {
		gases = append(gases, gas)
	}
	sort.Strings(gases)

	var (
		total     float64
		breakdown []entity.GHGContribution
		excluded  []string
	)
	for _, gas := range gases {
		factor, ok := factors[gas]
		if !ok {
			excluded = append(excluded, gas)
			continue
		}
		kg := massByGas[gas]
		co2e := kg * factor
		breakdown = append(breakdown, entity.GHGContribution{
			Gas:       gas,
			MassKg:    kg,
			GWPFactor: factor,
			CO2eKg:    co2e,
		})
		total += co2e
	}

	return entity.FootprintResult{
		TotalCO2eKg:          total,
		GHGBreakdown:         breakdown,
		WaterFootprintLiters: waterLiters,
		Degraded:             false,
		ExcludedGases:        excluded,
		Metadata: entity.ResultMetadata{
			FactorVersion: opts.FactorVersion,
		},
	}, nil
}
