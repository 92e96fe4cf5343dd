package rewards

import (
	"errors"
	"testing"
	"time"
)

func TestNewUserID(t *testing.T) {
	t.Parallel()
	userID, err := NewUserID("  user-1  ")
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	if userID.String() != "user-1" {
		t.Fatalf("expected trimmed id, got %q", userID.String())
	}
	if _, err := NewUserID("   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank id, got %v", err)
	}
}

func TestNewProductAndVoucherIDs(t *testing.T) {
	t.Parallel()
	if _, err := NewProductID(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := NewVoucherID(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDateKeyFor(t *testing.T) {
	t.Parallel()
	// Late evening in a western timezone is already the next UTC day.
	zone := time.FixedZone("UTC-7", -7*3600)
	at := time.Date(2024, 3, 1, 20, 30, 0, 0, zone)
	if got := DateKeyFor(at); got != "2024-03-02" {
		t.Fatalf("expected UTC date key, got %q", got)
	}
}

func TestAvailableQuantityNeverNegative(t *testing.T) {
	t.Parallel()
	product := VoucherProduct{TotalQuantity: 3, RedeemedQuantity: 5}
	if got := product.AvailableQuantity(); got != 0 {
		t.Fatalf("expected clamped availability, got %d", got)
	}
}

func TestFullyRedeemed(t *testing.T) {
	t.Parallel()
	limited := VoucherProduct{TotalQuantity: 2, RedeemedQuantity: 2}
	if !limited.FullyRedeemed() {
		t.Fatalf("expected limited product fully redeemed")
	}
	unlimited := VoucherProduct{Unlimited: true, TotalQuantity: 0, RedeemedQuantity: 100}
	if unlimited.FullyRedeemed() {
		t.Fatalf("unlimited products are never fully redeemed")
	}
}

func TestLedgerCloneIsIndependent(t *testing.T) {
	t.Parallel()
	original := Ledger{
		"2024-01-01": {Points: 10, Usable: true},
	}
	copied := original.Clone()
	entry := copied["2024-01-01"]
	entry.Points = 99
	copied["2024-01-01"] = entry
	if original["2024-01-01"].Points != 10 {
		t.Fatalf("clone must not share state with the original")
	}
}

func TestZeroPointEntryIsNeverUsable(t *testing.T) {
	t.Parallel()
	entry := LedgerEntry{
		Points:         0,
		ExpirationDays: 90,
		AddedAt:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Usable:         true,
	}
	if entry.UsableAt(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("a drained entry cannot be spendable even before the sweep flags it")
	}
}
