package rewards

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ListProducts returns catalog products ascending by points cost. Draft
// products are included only when includeInactive is set.
func (service *Service) ListProducts(ctx context.Context, includeInactive bool) ([]VoucherProduct, error) {
	return service.store.ListProducts(ctx, includeInactive)
}

// CreateProduct adds a catalog product. The redeemed counter always starts
// at zero and products are drafts unless Active is requested.
func (service *Service) CreateProduct(ctx context.Context, acting ActingUser, spec ProductSpec) (VoucherProduct, error) {
	product, operationError := service.createProduct(ctx, spec)
	service.logActivity(ctx, ActivityRecord{
		Operation: operationCreate,
		Acting:    acting,
		ProductID: product.ID,
		Amount:    float64(spec.PointsCost),
		Error:     operationError,
	})
	return product, operationError
}

func (service *Service) createProduct(ctx context.Context, spec ProductSpec) (VoucherProduct, error) {
	if err := spec.Validate(); err != nil {
		return VoucherProduct{}, err
	}
	now := service.nowFn()
	productID, err := NewProductID(uuid.NewString())
	if err != nil {
		return VoucherProduct{}, err
	}
	product := VoucherProduct{
		ID:               productID,
		Name:             spec.Name,
		PointsCost:       spec.PointsCost,
		TotalQuantity:    spec.TotalQuantity,
		RedeemedQuantity: 0,
		Unlimited:        spec.Unlimited,
		Active:           spec.Active,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := service.store.CreateProduct(ctx, product); err != nil {
		return VoucherProduct{}, err
	}
	return product, nil
}

// UpdateProduct applies a field patch. Lowering the quantity cap below the
// already-redeemed count is rejected, keeping redeemed <= total.
func (service *Service) UpdateProduct(ctx context.Context, acting ActingUser, productID ProductID, patch ProductPatch) (VoucherProduct, error) {
	product, operationError := service.updateProduct(ctx, productID, patch)
	service.logActivity(ctx, ActivityRecord{
		Operation: operationUpdate,
		Acting:    acting,
		ProductID: productID,
		Error:     operationError,
	})
	return product, operationError
}

func (service *Service) updateProduct(ctx context.Context, productID ProductID, patch ProductPatch) (VoucherProduct, error) {
	var updated VoucherProduct
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		product, err := transactionStore.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		if patch.Name != nil {
			product.Name = *patch.Name
		}
		if patch.PointsCost != nil {
			product.PointsCost = *patch.PointsCost
		}
		if patch.TotalQuantity != nil {
			product.TotalQuantity = *patch.TotalQuantity
		}
		if patch.Unlimited != nil {
			product.Unlimited = *patch.Unlimited
		}
		if patch.Active != nil {
			product.Active = *patch.Active
		}
		if product.PointsCost < 0 {
			return fmt.Errorf("%w: points cost must not be negative", ErrInvalidInput)
		}
		if product.TotalQuantity < 0 {
			return fmt.Errorf("%w: total quantity must not be negative", ErrInvalidInput)
		}
		if !product.Unlimited && product.TotalQuantity < product.RedeemedQuantity {
			return fmt.Errorf("%w: total quantity %d below redeemed %d", ErrInvalidInput, product.TotalQuantity, product.RedeemedQuantity)
		}
		product.UpdatedAt = service.nowFn()
		if err := transactionStore.UpdateProduct(ctx, product); err != nil {
			return err
		}
		updated = product
		return nil
	})
	if err != nil {
		return VoucherProduct{}, err
	}
	return updated, nil
}

// DeleteProduct hard-deletes a catalog product. Already-issued voucher
// records keep their snapshots and stay redeemable.
func (service *Service) DeleteProduct(ctx context.Context, acting ActingUser, productID ProductID) error {
	operationError := service.store.DeleteProduct(ctx, productID)
	service.logActivity(ctx, ActivityRecord{
		Operation: operationDelete,
		Acting:    acting,
		ProductID: productID,
		Error:     operationError,
	})
	return operationError
}
