package entity

// FootprintResult is the output of one calculation attempt. It is created
// once, immutable afterwards, and stored both on the job row and (when not
// degraded) in the result cache.
type FootprintResult struct {
	TotalCO2eKg          float64           `json:"total_co2e_kg"`
	GHGBreakdown         []GHGContribution `json:"ghg_breakdown"`
	WaterFootprintLiters float64           `json:"water_footprint_liters"`

	// Degraded marks a result produced by the fallback estimator instead of
	// the LCI engine. It must be surfaced to callers, never blended away.
	Degraded bool `json:"degraded"`

	// ExcludedGases lists emission flows that matched a known greenhouse gas
	// but had no GWP factor in the requested table version.
	ExcludedGases []string `json:"excluded_gases,omitempty"`

	Metadata ResultMetadata `json:"metadata"`
}

// GHGContribution is one line of the gas-by-gas breakdown, ordered by gas
// formula so the summation order is stable.
type GHGContribution struct {
	Gas       string  `json:"gas"`
	MassKg    float64 `json:"mass_kg"`
	GWPFactor float64 `json:"gwp_factor"`
	CO2eKg    float64 `json:"co2e_kg"`
}

type ResultMetadata struct {
	EngineVersion string `json:"engine_version,omitempty"`
	FactorVersion string `json:"factor_version"`
	DurationMs    int64  `json:"duration_ms"`
}
