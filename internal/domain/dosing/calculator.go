// Package dosing holds the chemotherapy dosing formulas used by treatment
// plans and the dose preview endpoint. Every function is total: invalid or
// missing numeric input yields 0 instead of an error, so callers must
// validate before presenting a dose to a patient.
package dosing

import (
	"math"
	"time"
)

// DoseUnit is the unit a reference dose is prescribed in.
type DoseUnit string

const (
	UnitMg      DoseUnit = "mg"
	UnitMgPerM2 DoseUnit = "mg/m2"
	UnitMgPerKg DoseUnit = "mg/kg"
)

// MaxCycles bounds the schedules accepted from callers.
const MaxCycles = 100

// DuBois coefficients.
const (
	duboisConstant  = 0.007184
	duboisWeightExp = 0.425
	duboisHeightExp = 0.725
)

// IsKnown reports whether u is one of the supported units.
func (u DoseUnit) IsKnown() bool {
	switch u {
	case UnitMg, UnitMgPerM2, UnitMgPerKg:
		return true
	}
	return false
}

// BodySurfaceArea returns the DuBois body surface area in m², rounded to two
// decimals. Historical plans persist this value, so the formula must not
// change without versioning.
func BodySurfaceArea(weightKG, heightCM float64) float64 {
	if !positive(weightKG) || !positive(heightCM) {
		return 0
	}
	bsa := duboisConstant * math.Pow(weightKG, duboisWeightExp) * math.Pow(heightCM, duboisHeightExp)
	return round2(bsa)
}

// Dose scales a reference dose by the unit's basis. Unknown units return the
// reference dose unchanged.
func Dose(referenceDose float64, unit DoseUnit, bsa float64, weightKG *float64) float64 {
	if !positive(referenceDose) {
		return 0
	}
	switch unit {
	case UnitMgPerM2:
		if !positive(bsa) {
			return 0
		}
		return referenceDose * bsa
	case UnitMgPerKg:
		if weightKG == nil || !positive(*weightKG) {
			return 0
		}
		return referenceDose * *weightKG
	default:
		return referenceDose
	}
}

// CycleSchedule returns totalCycles dates, the first equal to start and each
// following one periodicityDays after the previous.
func CycleSchedule(start time.Time, totalCycles, periodicityDays int) []time.Time {
	if totalCycles <= 0 {
		return []time.Time{}
	}
	dates := make([]time.Time, totalCycles)
	for i := range dates {
		dates[i] = start.AddDate(0, 0, i*periodicityDays)
	}
	return dates
}

func positive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
