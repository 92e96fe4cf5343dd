package rewards

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Purchase executes an atomic multi-product purchase for the acting user:
// validates catalog state, debits the ledger oldest-first, reserves
// inventory, and issues one confirmed voucher per unit, all in a single
// store transaction. On any failure nothing is persisted. Store conflicts
// are retried transparently a bounded number of times; the body is a pure
// function of its reads, so re-running it verbatim is safe.
func (service *Service) Purchase(ctx context.Context, acting ActingUser, cart []CartItem) (PurchaseResult, error) {
	result, operationError := service.purchase(ctx, acting, cart)
	service.logActivity(ctx, ActivityRecord{
		Operation: operationPurchase,
		Acting:    acting,
		UserID:    acting.ID,
		Amount:    float64(result.PointsSpent),
		Error:     operationError,
	})
	return result, operationError
}

func (service *Service) purchase(ctx context.Context, acting ActingUser, cart []CartItem) (PurchaseResult, error) {
	if err := validateCart(cart); err != nil {
		return PurchaseResult{}, err
	}
	var lastErr error
	for attempt := 0; attempt < purchaseMaxAttempts; attempt++ {
		result, err := service.purchaseOnce(ctx, acting, cart)
		if errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrDuplicateVoucherCode) {
			lastErr = err
			continue
		}
		return result, err
	}
	return PurchaseResult{}, WrapError("service", "purchase", "retries_exhausted",
		fmt.Errorf("%w: %v", ErrConcurrencyConflict, lastErr))
}

func (service *Service) purchaseOnce(ctx context.Context, acting ActingUser, cart []CartItem) (PurchaseResult, error) {
	now := service.nowFn()
	var result PurchaseResult
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		result = PurchaseResult{}

		// Read phase: every referenced product plus the purchaser's ledger.
		products := make(map[string]VoucherProduct, len(cart))
		var rejection PurchaseRejectionError
		for _, item := range cart {
			product, err := transactionStore.GetProduct(ctx, item.ProductID)
			if errors.Is(err, ErrNotFound) {
				rejection.Lines = append(rejection.Lines, LineFailure{
					ProductID: item.ProductID,
					Err:       fmt.Errorf("product %s: %w", item.ProductID, ErrNotFound),
				})
				continue
			}
			if err != nil {
				return err
			}
			products[item.ProductID.String()] = product
		}
		document, err := transactionStore.LoadLedger(ctx, acting.ID)
		if err != nil {
			return err
		}

		// Validation phase: no writes yet, failures collected per line.
		for _, item := range cart {
			product, ok := products[item.ProductID.String()]
			if !ok {
				continue
			}
			if !product.Active {
				rejection.Lines = append(rejection.Lines, LineFailure{
					ProductID: item.ProductID,
					Err:       fmt.Errorf("product %s: %w", item.ProductID, ErrInactiveProduct),
				})
				continue
			}
			if !product.Unlimited && product.AvailableQuantity() < item.Quantity {
				rejection.Lines = append(rejection.Lines, LineFailure{
					ProductID: item.ProductID,
					Err: InsufficientInventoryError{
						ProductID: item.ProductID,
						Requested: item.Quantity,
						Available: product.AvailableQuantity(),
					},
				})
			}
		}
		if len(rejection.Lines) > 0 {
			return rejection
		}

		// Pricing from the prices read above, never a client-supplied one.
		var totalCost int64
		var totalUnits int64
		for _, item := range cart {
			totalCost += products[item.ProductID.String()].PointsCost * item.Quantity
			totalUnits += item.Quantity
		}

		debited, shortfall := DebitPlan(document.Entries, float64(totalCost), now)
		if shortfall > 0 {
			return InsufficientPointsError{Shortfall: shortfall}
		}

		// Write phase: ledger, inventory counters, and voucher records
		// commit together or not at all.
		aggregates := recomputeAggregates(document.Aggregates, debited, now)
		aggregates.TotalRedeemed += float64(totalCost)
		aggregates.TotalVouchersPurchased += totalUnits
		document.Entries = debited
		document.Aggregates = aggregates
		if err := transactionStore.SaveLedger(ctx, document); err != nil {
			return err
		}
		for _, item := range cart {
			product := products[item.ProductID.String()]
			if err := transactionStore.ReserveProductQuantity(ctx, item.ProductID, item.Quantity, product.RedeemedQuantity); err != nil {
				return err
			}
		}
		for _, item := range cart {
			product := products[item.ProductID.String()]
			for unit := int64(0); unit < item.Quantity; unit++ {
				voucherID, err := NewVoucherID(uuid.NewString())
				if err != nil {
					return err
				}
				record := VoucherRecord{
					ID:          voucherID,
					UserID:      acting.ID,
					ProductID:   product.ID,
					ProductName: product.Name,
					PointsCost:  product.PointsCost,
					Code:        service.codeFn(),
					Status:      VoucherStatusConfirmed,
					PurchasedAt: now,
				}
				if err := transactionStore.InsertVoucher(ctx, record); err != nil {
					return err
				}
				result.Vouchers = append(result.Vouchers, record)
			}
		}
		result.PointsSpent = totalCost
		return nil
	})
	if err != nil {
		return PurchaseResult{}, err
	}
	return result, nil
}
