// Package distance converts beacon signal strength into a distance
// estimate and keeps a rolling per-device average.
//
// The estimate is a monotonic heuristic, not a calibrated path-loss
// model: it is useful for ranking "closer" against "farther" within one
// room, and its absolute value should not be read as meters.
package distance

import "math"

// NoData is reported by an empty [Ring] instead of zero so that a device
// with no samples is never mistaken for one sitting on the scanner.
const NoData = -1.0

// DefaultHistory is the sample capacity used when none is configured.
const DefaultHistory = 30

// Estimate returns the raw distance heuristic for a beacon advertising
// reference power (dBm at 1 m) and received at measured power (dBm):
//
//	ratioDb = reference - measured
//	linear  = 10^(ratioDb/10)
//	d       = sqrt(linear) / 20
//
// linear is always positive, so the square root never leaves its domain.
func Estimate(reference int8, measured int) float64 {
	ratioDB := float64(reference) - float64(measured)
	linear := math.Pow(10, ratioDB/10)
	return math.Sqrt(linear) / 20
}
