package planchange

import (
	"math"
	"time"
)

const day = 24 * time.Hour

// Proration is a time-ratio split of one billing period
type Proration struct {
	TotalDays        int64
	RemainingDays    int64
	UnusedCredit     int64
	NewCharge        int64
	ImmediatePayment int64
}

// LocalProration prorates a price swap at `at` by the share of whole days
// left in the period. Partial days count as used.
func LocalProration(currentAmount, targetAmount int64, periodStart, periodEnd, at time.Time) Proration {
	total := ceilDays(periodEnd.Sub(periodStart))
	if total <= 0 {
		return Proration{}
	}
	elapsed := ceilDays(at.Sub(periodStart))
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > total {
		elapsed = total
	}
	remaining := total - elapsed

	p := Proration{
		TotalDays:     total,
		RemainingDays: remaining,
		UnusedCredit:  ratio(currentAmount, remaining, total),
		NewCharge:     ratio(targetAmount, remaining, total),
	}
	if net := p.NewCharge - p.UnusedCredit; net > 0 {
		p.ImmediatePayment = net
	}
	return p
}

func ceilDays(d time.Duration) int64 {
	return int64(math.Ceil(float64(d) / float64(day)))
}

func ratio(amount, num, den int64) int64 {
	return int64(math.Round(float64(amount) * float64(num) / float64(den)))
}
