package expr

import "math"

// Constants is the frozen namespace of domain constants visible inside
// expressions, reachable bare or as const.<name>. Lengths in metres, times
// in seconds; plato_noise is the nominal white-noise level assumed for a
// PLATO-like instrument.
var Constants = map[string]float64{
	"sun_radius":     6.957e8,
	"earth_radius":   6.371e6,
	"jupiter_radius": 7.1492e7,
	"au":             1.495978707e11,
	"day":            86400,
	"month":          2629746,  // mean Gregorian month
	"year":           31557600, // Julian year
	"plato_noise":    50e-6,
	"pi":             math.Pi,
}
