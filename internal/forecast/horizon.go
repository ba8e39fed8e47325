package forecast

import "time"

const day = 24 * time.Hour

// advance returns t moved k periods of freq forward. Whole-day frequencies
// step by calendar days so horizons stay aligned across DST changes.
func advance(t time.Time, freq time.Duration, k int) time.Time {
	if freq > 0 && freq%day == 0 {
		return t.AddDate(0, 0, k*int(freq/day))
	}
	return t.Add(time.Duration(k) * freq)
}

// Horizon returns n timestamps at freq starting one period after last.
func Horizon(last time.Time, n int, freq time.Duration) []time.Time {
	if n <= 0 {
		return []time.Time{}
	}
	out := make([]time.Time, n)
	for i := range n {
		out[i] = advance(last, freq, i+1)
	}
	return out
}
