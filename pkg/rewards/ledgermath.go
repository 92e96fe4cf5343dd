package rewards

import (
	"math"
	"sort"
	"time"
)

// expiringSoonWindow bounds the user-facing expiration warning.
const expiringSoonWindow = 7 * 24 * time.Hour

// Usable sums the points of entries spendable at the given instant.
func Usable(ledger Ledger, now time.Time) float64 {
	var sum float64
	for _, entry := range ledger {
		if entry.UsableAt(now) {
			sum += entry.Points
		}
	}
	return sum
}

// Total sums every entry's remaining points regardless of usability.
// Entries are never deleted by normal flow, only zeroed or flagged.
func Total(ledger Ledger) float64 {
	var sum float64
	for _, entry := range ledger {
		sum += entry.Points
	}
	return sum
}

// Expired is the portion of the total no longer spendable.
func Expired(ledger Ledger, now time.Time) float64 {
	return Total(ledger) - Usable(ledger, now)
}

// Compute builds the point-of-time breakdown over a ledger snapshot.
// ExpiringSoon lists usable entries whose remaining validity is in (0, 7]
// days, ascending by days remaining. Purely informational.
func Compute(ledger Ledger, now time.Time) Breakdown {
	breakdown := Breakdown{
		Usable: Usable(ledger, now),
		Total:  Total(ledger),
	}
	breakdown.Expired = breakdown.Total - breakdown.Usable
	for _, key := range ledger.SortedKeys() {
		entry := ledger[key]
		if !entry.UsableAt(now) {
			continue
		}
		remaining := entry.ExpiresAt().Sub(now)
		if remaining <= 0 || remaining > expiringSoonWindow {
			continue
		}
		breakdown.ExpiringSoon = append(breakdown.ExpiringSoon, ExpiringEntry{
			DateKey:       key,
			Points:        entry.Points,
			DaysRemaining: int(math.Ceil(remaining.Hours() / 24)),
		})
	}
	sort.SliceStable(breakdown.ExpiringSoon, func(left, right int) bool {
		return breakdown.ExpiringSoon[left].DaysRemaining < breakdown.ExpiringSoon[right].DaysRemaining
	})
	return breakdown
}

// DebitPlan deducts amount from the ledger oldest entry first and returns
// the updated copy plus the shortfall that could not be satisfied. The
// input ledger is never mutated. Entries drained to zero are flagged
// unusable; entries found expired during iteration are flagged unusable
// and skipped (lazy expiration). Callers must not persist the returned
// ledger when shortfall is greater than zero.
func DebitPlan(ledger Ledger, amount float64, now time.Time) (Ledger, float64) {
	updated := ledger.Clone()
	remaining := amount
	for _, key := range updated.SortedKeys() {
		if remaining <= 0 {
			break
		}
		entry := updated[key]
		if !entry.Usable || entry.Points <= 0 {
			continue
		}
		if now.After(entry.ExpiresAt()) {
			entry.Usable = false
			updated[key] = entry
			continue
		}
		take := math.Min(remaining, entry.Points)
		entry.Points -= take
		remaining -= take
		if entry.Points <= 0 {
			entry.Points = 0
			entry.Usable = false
		}
		updated[key] = entry
	}
	if remaining < 0 {
		remaining = 0
	}
	return updated, remaining
}

// SweepLedger flags entries whose expiration has passed and reports
// whether anything changed. Zero-point entries are flagged too, so a sweep
// converges the stored state with what readers already assume.
func SweepLedger(ledger Ledger, now time.Time) (Ledger, bool) {
	updated := ledger.Clone()
	changed := false
	for key, entry := range updated {
		if !entry.Usable {
			continue
		}
		if now.After(entry.ExpiresAt()) || entry.Points <= 0 {
			entry.Usable = false
			updated[key] = entry
			changed = true
		}
	}
	return updated, changed
}

// recomputeAggregates derives the cached totals from a ledger snapshot,
// keeping the monotonic counters from the previous aggregates.
func recomputeAggregates(previous Aggregates, ledger Ledger, now time.Time) Aggregates {
	return Aggregates{
		UsablePoints:           Usable(ledger, now),
		TotalPoints:            Total(ledger),
		TotalRedeemed:          previous.TotalRedeemed,
		TotalVouchersPurchased: previous.TotalVouchersPurchased,
	}
}
