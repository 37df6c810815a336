package anomaly

import (
	"fmt"
	"math"
)

// ScoreFloor keeps the score finite when the baseline error rate is zero.
const ScoreFloor = 0.001

// ReasonFirstErrors is reported when errors appear against an error-free baseline.
const ReasonFirstErrors = "first errors observed"

// Counts are the raw window totals a decision is made from.
type Counts struct {
	RecentErrors   int64
	RecentTotal    int64
	BaselineErrors int64
	BaselineTotal  int64
}

// Decision is the outcome of the rate-ratio rule.
type Decision struct {
	Anomaly      bool
	Reason       string
	RecentRate   float64
	BaselineRate float64
	Score        float64
}

// Decide applies the detection rule. Nothing fires while recent errors stay below minErrors.
// With an error-free baseline any recent error rate fires; otherwise the recent rate must
// reach factor times the baseline rate, inclusive.
func Decide(c Counts, factor float64, minErrors int64) Decision {
	d := Decision{
		RecentRate:   clampRate(c.RecentErrors, c.RecentTotal),
		BaselineRate: clampRate(c.BaselineErrors, c.BaselineTotal),
	}
	d.Score = d.RecentRate / math.Max(d.BaselineRate, ScoreFloor)

	if c.RecentErrors < minErrors {
		return d
	}
	switch {
	case d.BaselineRate == 0 && d.RecentRate > 0:
		d.Anomaly = true
		d.Reason = ReasonFirstErrors
	case d.BaselineRate > 0 && d.RecentRate >= d.BaselineRate*factor:
		d.Anomaly = true
		d.Reason = fmt.Sprintf("error rate %.2f%% is %.1fx baseline", d.RecentRate*100, d.RecentRate/d.BaselineRate)
	}
	return d
}

func clampRate(errors, total int64) float64 {
	if total <= 0 || errors <= 0 {
		return 0
	}
	if errors >= total {
		return 1
	}
	return float64(errors) / float64(total)
}
