package rewards

import (
	"context"
	"errors"
	"fmt"
)

// ListUserVouchers returns the user's issued vouchers, most recent
// purchase first.
func (service *Service) ListUserVouchers(ctx context.Context, userID UserID) ([]VoucherRecord, error) {
	return service.store.ListVouchers(ctx, userID)
}

// UseVoucher transitions a confirmed voucher to used exactly once,
// stamping when and by whom. The transition is a single conditional
// read-modify-write, so two racing calls cannot both succeed.
func (service *Service) UseVoucher(ctx context.Context, acting ActingUser, voucherID VoucherID) (VoucherRecord, error) {
	record, operationError := service.useVoucher(ctx, acting, voucherID)
	service.logActivity(ctx, ActivityRecord{
		Operation: operationUseVoucher,
		Acting:    acting,
		UserID:    acting.ID,
		VoucherID: voucherID,
		Error:     operationError,
	})
	return record, operationError
}

func (service *Service) useVoucher(ctx context.Context, acting ActingUser, voucherID VoucherID) (VoucherRecord, error) {
	now := service.nowFn()
	var used VoucherRecord
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		markErr := transactionStore.MarkVoucherUsed(ctx, voucherID, acting.ID, acting.DisplayName, now)
		if errors.Is(markErr, ErrConcurrencyConflict) {
			// The conditional write missed: classify by re-reading.
			record, getErr := transactionStore.GetVoucher(ctx, voucherID)
			if getErr != nil {
				return getErr
			}
			if record.UserID != acting.ID {
				return WrapError("service", "voucher", "not_owner",
					fmt.Errorf("%w: voucher %s belongs to another user", ErrUnauthorized, voucherID))
			}
			if record.Status == VoucherStatusUsed {
				return WrapError("service", "voucher", "already_used",
					fmt.Errorf("%w: voucher %s already used", ErrUnauthorized, voucherID))
			}
			return markErr
		}
		if markErr != nil {
			return markErr
		}
		record, getErr := transactionStore.GetVoucher(ctx, voucherID)
		if getErr != nil {
			return getErr
		}
		used = record
		return nil
	})
	if err != nil {
		return VoucherRecord{}, err
	}
	return used, nil
}
