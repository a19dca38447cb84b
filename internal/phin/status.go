package phin

import "math"

// Status codes reported by the service for water metrics.
const (
	StatusImmediateLow  = 1 // Needs immediate attention (low)
	StatusAttentionLow  = 2 // Needs attention (low)
	StatusOK            = 3
	StatusAttentionHigh = 4 // Needs attention (high)
	StatusImmediateHigh = 5 // Needs immediate attention (high)
)

// Battery voltage range mapped onto 1%..100%.
const (
	batteryEmptyMv = 1500
	batteryFullMv  = 3500
)

// PHStatus classifies an averaged pH value.
func PHStatus(ph float64) int {
	switch {
	case ph < 6.8:
		return StatusImmediateLow
	case ph < 7.0:
		return StatusAttentionLow
	case ph <= 7.5:
		return StatusOK
	case ph <= 7.8:
		return StatusAttentionHigh
	default:
		return StatusImmediateHigh
	}
}

// ORPStatus classifies an averaged oxidation-reduction potential in mV.
// The service never reports StatusAttentionHigh for ORP.
func ORPStatus(orp float64) int {
	switch {
	case orp < 300:
		return StatusImmediateLow
	case orp < 600:
		return StatusAttentionLow
	case orp <= 875:
		return StatusOK
	default:
		return StatusImmediateHigh
	}
}

// RSSIStatus classifies an averaged received signal strength in dBm.
func RSSIStatus(rssi float64) int {
	switch {
	case rssi < -110:
		return StatusImmediateLow
	case rssi > -20:
		return StatusImmediateHigh
	default:
		return StatusOK
	}
}

// BatteryFraction converts an averaged battery voltage into a charge fraction
// rounded to 2 decimals and clamped to [0.01, 1].
func BatteryFraction(mv float64) float64 {
	f := round((mv-batteryEmptyMv)/(batteryFullMv-batteryEmptyMv), 2)
	switch {
	case f <= 0:
		return 0.01
	case f >= 1:
		return 1
	}
	return f
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
