package control

import "math"

// Trapezoid computes the degree of membership of x in a trapezoidal fuzzy
// set defined by four breakpoints a<=b<=c<=d: membership rises linearly
// from 0 at a to 1 at b, stays at 1 until c, then falls linearly to 0 at d.
// A triangular set is the special case b==c.
func Trapezoid(x, a, b, c, d float64) float64 {
	switch {
	case x <= a || x >= d:
		return 0
	case x < b:
		if b == a {
			return 1
		}
		return (x - a) / (b - a)
	case x <= c:
		return 1
	default:
		if d == c {
			return 0
		}
		return (d - x) / (d - c)
	}
}

// Smoothstep interpolates smoothly between 0 (at or below edge0) and 1 (at
// or above edge1), used for the fuzzy/neuro-fuzzy flue-weight blend between
// near-setpoint and far-from-setpoint behavior.
func Smoothstep(x, edge0, edge1 float64) float64 {
	if edge0 == edge1 {
		if x < edge0 {
			return 0
		}
		return 1
	}
	t := (x - edge0) / (edge1 - edge0)
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return t * t * (3 - 2*t)
}

// Rule is one Mamdani rule: Strength is the (possibly already weighted)
// firing strength and Center is the position of the consequent term on the
// output universe; the term's width is set by CentroidDefuzzify's
// termHalfWidth. A rule with Strength 0 contributes nothing.
type Rule struct {
	Strength float64
	Center   float64
}

// CentroidDefuzzify implements clip-by-min, aggregate-by-max, centroid
// defuzzification over a discretized universe. Each rule's consequent is a
// symmetric trapezoid around Center (feet at Center±2*termHalfWidth, top at
// Center±0.3*termHalfWidth), clipped to the rule's firing
// strength; the aggregate is the pointwise max across rules; the result is
// the aggregate's centroid. universeMin/Max/steps discretize the output
// universe.
func CentroidDefuzzify(rules []Rule, universeMin, universeMax float64, steps int, termHalfWidth float64) float64 {
	if steps < 2 {
		steps = 2
	}
	var num, den float64
	stepSize := (universeMax - universeMin) / float64(steps-1)
	for i := 0; i < steps; i++ {
		x := universeMin + float64(i)*stepSize
		var agg float64
		for _, r := range rules {
			if r.Strength <= 0 {
				continue
			}
			membership := Trapezoid(x, r.Center-termHalfWidth*2, r.Center-termHalfWidth*0.3, r.Center+termHalfWidth*0.3, r.Center+termHalfWidth*2)
			clipped := math.Min(membership, r.Strength)
			if clipped > agg {
				agg = clipped
			}
		}
		num += x * agg
		den += agg
	}
	if den == 0 {
		return 0
	}
	return num / den
}
