package domain

import "time"

// BillingCycle is the recurrence of a subscription period.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleYearly
}

// Boundary returns the k-th period boundary after anchor. Days past the end of a shorter
// month clamp to its last day, so a Jan 31 anchor yields Feb 28, Mar 31, Apr 30.
func (c BillingCycle) Boundary(anchor time.Time, k int) time.Time {
	months := k
	if c == CycleYearly {
		months = 12 * k
	}
	return addMonthsClamped(anchor, months)
}

// Enclosing returns the anchor-grid boundaries [prev, next) with prev <= at < next.
func (c BillingCycle) Enclosing(anchor, at time.Time) (time.Time, time.Time) {
	if at.Before(anchor) {
		return anchor, c.Boundary(anchor, 1)
	}
	// estimate then correct; months between anchor and at bounds the search
	k := 0
	if c == CycleMonthly {
		k = (at.Year()-anchor.Year())*12 + int(at.Month()) - int(anchor.Month()) - 1
	} else {
		k = at.Year() - anchor.Year() - 1
	}
	if k < 0 {
		k = 0
	}
	for c.Boundary(anchor, k+1).Compare(at) <= 0 {
		k++
	}
	for k > 0 && c.Boundary(anchor, k).After(at) {
		k--
	}
	return c.Boundary(anchor, k), c.Boundary(anchor, k+1)
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(months), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
