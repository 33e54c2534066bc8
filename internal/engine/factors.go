package engine

// GWP100 factor tables. Each version is an immutable snapshot of an IPCC
// assessment report; a job pins one version so its stored result can be
// re-derived later even after newer tables land.

const (
	FactorVersionAR5 = "AR5"
	FactorVersionAR6 = "AR6"

	DefaultFactorVersion = FactorVersionAR6
)

type FactorTable struct {
	versions map[string]map[string]float64
}

func DefaultFactorTable() *FactorTable {
	return &FactorTable{versions: map[string]map[string]float64{
		FactorVersionAR5: {
			"CO2":      1,
			"CH4":      28,
			"N2O":      265,
			"SF6":      23500,
			"NF3":      16100,
			"HFC-23":   12400,
			"HFC-134a": 1300,
			"CF4":      6630,
			"C2F6":     11100,
		},
		FactorVersionAR6: {
			"CO2":      1,
			"CH4":      27.9,
			"N2O":      273,
			"SF6":      24300,
			"NF3":      17400,
			"HFC-23":   14600,
			"HFC-134a": 1530,
			"CF4":      7380,
			"C2F6":     12400,
		},
	}}
}

func (t *FactorTable) Lookup(gas, version string) (float64, bool) {
	m, ok := t.versions[version]
	if !ok {
		return 0, false
	}
	f, ok := m[gas]
	return f, ok
}

// KnownVersion reports whether version names one of the embedded snapshots.
// Used by submission validation so a job never enters the queue with a
// factor version no one can resolve.
func (t *FactorTable) KnownVersion(version string) bool {
	_, ok := t.versions[version]
	return ok
}
