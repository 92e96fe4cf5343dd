package rewards

import (
	"context"
	"errors"
	"testing"
	"time"
)

func purchaseFixture(t *testing.T) (*stubStore, time.Time) {
	t.Helper()
	store := newStubStore()
	now := mustTime(t, "2024-02-01T12:00:00Z")
	store.seedLedger(t, "buyer", Ledger{
		"2024-01-01": {Points: 100, ExpirationDays: 90, AddedAt: mustTime(t, "2024-01-01T00:00:00Z"), Usable: true},
		"2024-01-15": {Points: 50, ExpirationDays: 90, AddedAt: mustTime(t, "2024-01-15T00:00:00Z"), Usable: true},
	})
	store.seedProduct(t, VoucherProduct{
		ID:            mustProductID(t, "coffee"),
		Name:          "Coffee voucher",
		PointsCost:    30,
		TotalQuantity: 10,
		Active:        true,
	})
	store.seedProduct(t, VoucherProduct{
		ID:            mustProductID(t, "cinema"),
		Name:          "Cinema ticket",
		PointsCost:    60,
		TotalQuantity: 2,
		Active:        true,
	})
	return store, now
}

func TestPurchaseIssuesVouchersAndDebitsLedger(t *testing.T) {
	t.Parallel()
	store, now := purchaseFixture(t)
	service := mustNewService(t, store, now)
	acting := mustActingUser(t, "buyer")

	result, err := service.Purchase(context.Background(), acting, []CartItem{
		{ProductID: mustProductID(t, "coffee"), Quantity: 2},
		{ProductID: mustProductID(t, "cinema"), Quantity: 1},
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if result.PointsSpent != 120 {
		t.Fatalf("expected 120 points spent, got %d", result.PointsSpent)
	}
	if len(result.Vouchers) != 3 {
		t.Fatalf("expected 3 vouchers, got %d", len(result.Vouchers))
	}

	document := store.mustLedger(t, "buyer")
	oldest := document.Entries["2024-01-01"]
	if oldest.Points != 0 || oldest.Usable {
		t.Fatalf("expected oldest entry drained, got %+v", oldest)
	}
	if got := document.Entries["2024-01-15"].Points; got != 30 {
		t.Fatalf("expected 30 points left in newer entry, got %v", got)
	}
	if document.Aggregates.TotalRedeemed != 120 || document.Aggregates.TotalVouchersPurchased != 3 {
		t.Fatalf("unexpected aggregates: %+v", document.Aggregates)
	}

	coffee, _ := store.GetProduct(context.Background(), mustProductID(t, "coffee"))
	if coffee.RedeemedQuantity != 2 {
		t.Fatalf("expected 2 coffee units redeemed, got %d", coffee.RedeemedQuantity)
	}
	for _, record := range result.Vouchers {
		stored := store.mustVoucher(t, record.ID.String())
		if stored.Status != VoucherStatusConfirmed {
			t.Fatalf("expected confirmed voucher, got %s", stored.Status)
		}
		if stored.UserID != acting.ID {
			t.Fatalf("voucher owned by %s, expected buyer", stored.UserID)
		}
		if len(stored.Code) != VoucherCodeLength {
			t.Fatalf("unexpected code %q", stored.Code)
		}
	}
}

func TestPurchaseSnapshotsProductStateOntoVoucher(t *testing.T) {
	t.Parallel()
	store, now := purchaseFixture(t)
	service := mustNewService(t, store, now)
	acting := mustActingUser(t, "buyer")

	result, err := service.Purchase(context.Background(), acting, []CartItem{
		{ProductID: mustProductID(t, "coffee"), Quantity: 1},
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	record := result.Vouchers[0]
	if record.ProductName != "Coffee voucher" || record.PointsCost != 30 {
		t.Fatalf("expected product snapshot on voucher, got %+v", record)
	}
	if !record.PurchasedAt.Equal(now) {
		t.Fatalf("expected purchase stamped at %v, got %v", now, record.PurchasedAt)
	}
}

func TestPurchaseInsufficientPointsLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	store, now := purchaseFixture(t)
	service := mustNewService(t, store, now)
	acting := mustActingUser(t, "buyer")

	_, err := service.Purchase(context.Background(), acting, []CartItem{
		{ProductID: mustProductID(t, "coffee"), Quantity: 6},
	})
	if !errors.Is(err, ErrInsufficientPoints) {
		t.Fatalf("expected ErrInsufficientPoints, got %v", err)
	}
	var shortErr InsufficientPointsError
	if !errors.As(err, &shortErr) || shortErr.Shortfall != 30 {
		t.Fatalf("expected shortfall 30, got %v", err)
	}

	document := store.mustLedger(t, "buyer")
	if document.Aggregates.TotalPoints != 150 || document.Aggregates.TotalRedeemed != 0 {
		t.Fatalf("expected untouched ledger, got %+v", document.Aggregates)
	}
	coffee, _ := store.GetProduct(context.Background(), mustProductID(t, "coffee"))
	if coffee.RedeemedQuantity != 0 {
		t.Fatalf("expected no reservation, got %d", coffee.RedeemedQuantity)
	}
	if len(store.vouchers) != 0 {
		t.Fatalf("expected no vouchers issued, got %d", len(store.vouchers))
	}
}

func TestPurchaseAggregatesLineFailures(t *testing.T) {
	t.Parallel()
	store, now := purchaseFixture(t)
	store.seedProduct(t, VoucherProduct{
		ID:         mustProductID(t, "draft"),
		Name:       "Unpublished",
		PointsCost: 5,
		Active:     false,
	})
	service := mustNewService(t, store, now)
	acting := mustActingUser(t, "buyer")

	_, err := service.Purchase(context.Background(), acting, []CartItem{
		{ProductID: mustProductID(t, "draft"), Quantity: 1},
		{ProductID: mustProductID(t, "missing"), Quantity: 1},
		{ProductID: mustProductID(t, "cinema"), Quantity: 5},
	})
	var rejection PurchaseRejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("expected PurchaseRejectionError, got %v", err)
	}
	if len(rejection.Lines) != 3 {
		t.Fatalf("expected 3 line failures, got %+v", rejection.Lines)
	}
	if !errors.Is(err, ErrInactiveProduct) || !errors.Is(err, ErrNotFound) || !errors.Is(err, ErrInsufficientInventory) {
		t.Fatalf("expected all three sentinels reachable, got %v", err)
	}
	var inventoryErr InsufficientInventoryError
	if !errors.As(err, &inventoryErr) || inventoryErr.Requested != 5 || inventoryErr.Available != 2 {
		t.Fatalf("unexpected inventory detail: %v", err)
	}
	if len(store.vouchers) != 0 {
		t.Fatalf("rejected purchase must not issue vouchers")
	}
}

func TestPurchaseValidatesCart(t *testing.T) {
	t.Parallel()
	store, now := purchaseFixture(t)
	service := mustNewService(t, store, now)
	acting := mustActingUser(t, "buyer")

	cases := map[string][]CartItem{
		"empty cart": {},
		"zero quantity": {
			{ProductID: mustProductID(t, "coffee"), Quantity: 0},
		},
		"duplicate product": {
			{ProductID: mustProductID(t, "coffee"), Quantity: 1},
			{ProductID: mustProductID(t, "coffee"), Quantity: 2},
		},
	}
	for name, cart := range cases {
		if _, err := service.Purchase(context.Background(), acting, cart); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestPurchaseUnlimitedProductIgnoresQuantityCap(t *testing.T) {
	t.Parallel()
	store, now := purchaseFixture(t)
	store.seedProduct(t, VoucherProduct{
		ID:         mustProductID(t, "badge"),
		Name:       "Profile badge",
		PointsCost: 10,
		Unlimited:  true,
		Active:     true,
	})
	service := mustNewService(t, store, now)
	acting := mustActingUser(t, "buyer")

	result, err := service.Purchase(context.Background(), acting, []CartItem{
		{ProductID: mustProductID(t, "badge"), Quantity: 5},
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if len(result.Vouchers) != 5 || result.PointsSpent != 50 {
		t.Fatalf("unexpected result: %+v", result)
	}
	badge, _ := store.GetProduct(context.Background(), mustProductID(t, "badge"))
	if badge.RedeemedQuantity != 5 {
		t.Fatalf("redeemed counter still tracks unlimited products, got %d", badge.RedeemedQuantity)
	}
}

func TestPurchaseZeroStockWithoutUnlimitedFlag(t *testing.T) {
	t.Parallel()
	store, now := purchaseFixture(t)
	store.seedProduct(t, VoucherProduct{
		ID:            mustProductID(t, "soldout"),
		Name:          "Sold out",
		PointsCost:    1,
		TotalQuantity: 0,
		Active:        true,
	})
	service := mustNewService(t, store, now)
	acting := mustActingUser(t, "buyer")

	_, err := service.Purchase(context.Background(), acting, []CartItem{
		{ProductID: mustProductID(t, "soldout"), Quantity: 1},
	})
	if !errors.Is(err, ErrInsufficientInventory) {
		t.Fatalf("zero quantity without the unlimited flag means no stock, got %v", err)
	}
}

func TestPurchaseRetriesOnLedgerConflict(t *testing.T) {
	t.Parallel()
	store, now := purchaseFixture(t)
	store.saveConflicts = 1
	service := mustNewService(t, store, now)
	acting := mustActingUser(t, "buyer")

	result, err := service.Purchase(context.Background(), acting, []CartItem{
		{ProductID: mustProductID(t, "coffee"), Quantity: 1},
	})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(result.Vouchers) != 1 {
		t.Fatalf("expected 1 voucher, got %d", len(result.Vouchers))
	}
}

func TestPurchaseConflictRetriesExhausted(t *testing.T) {
	t.Parallel()
	store, now := purchaseFixture(t)
	store.saveConflicts = purchaseMaxAttempts + 1
	service := mustNewService(t, store, now)
	acting := mustActingUser(t, "buyer")

	_, err := service.Purchase(context.Background(), acting, []CartItem{
		{ProductID: mustProductID(t, "coffee"), Quantity: 1},
	})
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict after exhausted retries, got %v", err)
	}
	var operationErr OperationError
	if !errors.As(err, &operationErr) || operationErr.Code() != "retries_exhausted" {
		t.Fatalf("expected retries_exhausted code, got %v", err)
	}
}

func TestPurchaseRegeneratesCollidingVoucherCode(t *testing.T) {
	t.Parallel()
	store, now := purchaseFixture(t)
	store.codes["TAKEN234"] = struct{}{}
	codes := []string{"TAKEN234", "FRESH234"}
	var calls int
	generate := func() string {
		code := codes[calls%len(codes)]
		calls++
		return code
	}
	service, err := NewService(store, func() time.Time { return now }, WithCodeGenerator(generate))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	acting := mustActingUser(t, "buyer")

	result, err := service.Purchase(context.Background(), acting, []CartItem{
		{ProductID: mustProductID(t, "coffee"), Quantity: 1},
	})
	if err != nil {
		t.Fatalf("expected code collision to be retried, got %v", err)
	}
	if result.Vouchers[0].Code != "FRESH234" {
		t.Fatalf("expected regenerated code, got %q", result.Vouchers[0].Code)
	}

	// The colliding first attempt rolled back, so the retry must not
	// stack a second debit or reservation on top of it.
	document := store.mustLedger(t, "buyer")
	if document.Aggregates.TotalRedeemed != 30 || document.Aggregates.TotalVouchersPurchased != 1 {
		t.Fatalf("expected a single 30-point purchase, got %+v", document.Aggregates)
	}
	if got := document.Entries["2024-01-01"].Points; got != 70 {
		t.Fatalf("expected one debit from the oldest entry, got %v points", got)
	}
	coffee, _ := store.GetProduct(context.Background(), mustProductID(t, "coffee"))
	if coffee.RedeemedQuantity != 1 {
		t.Fatalf("expected one reserved unit after the retry, got %d", coffee.RedeemedQuantity)
	}
	if len(store.vouchers) != 1 {
		t.Fatalf("expected a single stored voucher, got %d", len(store.vouchers))
	}
}

func TestPurchaseLastUnitRaceHasSingleWinner(t *testing.T) {
	t.Parallel()
	store, now := purchaseFixture(t)
	store.seedProduct(t, VoucherProduct{
		ID:            mustProductID(t, "last-unit"),
		Name:          "Last unit",
		PointsCost:    10,
		TotalQuantity: 1,
		Active:        true,
	})
	// A competing purchase commits the final unit between this buyer's
	// read and its conditional reservation.
	store.raceReservations["last-unit"] = 1
	service := mustNewService(t, store, now)
	acting := mustActingUser(t, "buyer")

	_, err := service.Purchase(context.Background(), acting, []CartItem{
		{ProductID: mustProductID(t, "last-unit"), Quantity: 1},
	})
	if !errors.Is(err, ErrInsufficientInventory) {
		t.Fatalf("expected the loser to observe exhausted inventory, got %v", err)
	}
	var inventoryErr InsufficientInventoryError
	if !errors.As(err, &inventoryErr) || inventoryErr.Available != 0 || inventoryErr.Requested != 1 {
		t.Fatalf("unexpected inventory detail: %v", err)
	}

	document := store.mustLedger(t, "buyer")
	if document.Revision != 1 || document.Aggregates.TotalRedeemed != 0 {
		t.Fatalf("loser must leave zero side effects, got %+v", document)
	}
	if got := document.Entries["2024-01-01"].Points; got != 100 {
		t.Fatalf("expected ledger untouched, got %v points", got)
	}
	product, _ := store.GetProduct(context.Background(), mustProductID(t, "last-unit"))
	if product.RedeemedQuantity != 1 {
		t.Fatalf("winner's reservation must stand, got %d redeemed", product.RedeemedQuantity)
	}
	if len(store.vouchers) != 0 {
		t.Fatalf("loser must not issue vouchers, got %d", len(store.vouchers))
	}
}
