package drift

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// kolmogorovTerms bounds the alternating series of the Kolmogorov survival function.
const kolmogorovTerms = 100

// KSStatistic returns the two-sample Kolmogorov-Smirnov distance
// sup|F_a(x) - F_b(x)|. Inputs are not modified.
func KSStatistic(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	sa := slices.Clone(a)
	sb := slices.Clone(b)
	slices.Sort(sa)
	slices.Sort(sb)
	return stat.KolmogorovSmirnov(sa, nil, sb, nil)
}

// KSPValue returns the asymptotic two-sided p-value for a two-sample KS
// distance d between samples of size n and m.
func KSPValue(d float64, n, m int) float64 {
	if n == 0 || m == 0 {
		return 1
	}
	en := float64(n) * float64(m) / float64(n+m)
	return KolmogorovSurvival(math.Sqrt(en) * d)
}

// KolmogorovSurvival evaluates Q(z) = P(K > z) for the Kolmogorov distribution.
// Small z uses the Jacobi theta form of the CDF, which converges where the
// alternating series does not.
func KolmogorovSurvival(z float64) float64 {
	switch {
	case z <= 0:
		return 1
	case z < 1.18:
		// P(K <= z) = sqrt(2π)/z · Σ exp(-(2k-1)²π²/(8z²))
		w := math.Pi * math.Pi / (8 * z * z)
		var sum float64
		for k := 1; k <= kolmogorovTerms; k++ {
			term := math.Exp(-float64((2*k-1)*(2*k-1)) * w)
			sum += term
			if term < 1e-16 {
				break
			}
		}
		cdf := math.Sqrt(2*math.Pi) / z * sum
		return clampUnit(1 - cdf)
	default:
		// Q(z) = 2 Σ (-1)^(k-1) exp(-2k²z²)
		var sum float64
		sign := 1.0
		for k := 1; k <= kolmogorovTerms; k++ {
			term := math.Exp(-2 * float64(k*k) * z * z)
			sum += sign * term
			if term < 1e-16 {
				break
			}
			sign = -sign
		}
		return clampUnit(2 * sum)
	}
}

func clampUnit(p float64) float64 {
	return math.Max(0, math.Min(1, p))
}
