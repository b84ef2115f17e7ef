package anomaly

import "math"

// Closed-form statistics over outcome windows. No model state, no learning;
// every function is a pure computation over the samples it is handed.

// observedRTP is sum(payout)/sum(wager) over the window.
func observedRTP(samples []OutcomeSample) float64 {
	var wager, payout float64
	for _, s := range samples {
		wager += s.Wager
		payout += s.Payout
	}
	if wager == 0 {
		return 0
	}
	return payout / wager
}

// multipliers returns payout/wager per sample.
func multipliers(samples []OutcomeSample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Payout / s.Wager
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// variance is the population variance.
func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs))
}

// interWinGaps returns the spin distances between consecutive wins
// (payout > wager). A gap of 1 means back-to-back wins.
func interWinGaps(samples []OutcomeSample) []float64 {
	last := -1
	var gaps []float64
	for i, s := range samples {
		if s.Payout <= s.Wager {
			continue
		}
		if last >= 0 {
			gaps = append(gaps, float64(i-last))
		}
		last = i
	}
	return gaps
}

// clusteringScore compares the coefficient of variation of inter-win gaps
// against the CV expected under independent trials. For a geometric gap
// distribution with win probability p the expected CV is sqrt(1-p); gaps far
// more dispersed than that (short bursts separated by droughts) indicate
// clustered wins. Returns a score in [0,1], 0 meaning consistent with
// independence.
func clusteringScore(samples []OutcomeSample) (score float64, wins int) {
	gaps := interWinGaps(samples)
	wins = len(gaps) + 1
	if len(gaps) < 3 || len(samples) == 0 {
		return 0, wins
	}

	p := float64(wins) / float64(len(samples))
	expectedCV := math.Sqrt(1 - p)
	if expectedCV == 0 {
		return 0, wins
	}

	m := mean(gaps)
	if m == 0 {
		return 0, wins
	}
	cv := math.Sqrt(variance(gaps)) / m

	score = cv/expectedCV - 1
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, wins
}
