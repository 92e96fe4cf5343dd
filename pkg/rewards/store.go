package rewards

import (
	"context"
	"time"
)

// Store is the persistence contract used by Service. Implementations run
// fn against a transactional view in WithTx; conditional writes (SaveLedger,
// ReserveProductQuantity, MarkVoucherUsed) must fail with
// ErrConcurrencyConflict when the guarded state moved since it was read, so
// the caller can retry the whole transaction body.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	// LoadLedger returns ErrNotFound when the user has no ledger history.
	LoadLedger(ctx context.Context, userID UserID) (LedgerDocument, error)
	// CreateLedger inserts a new document at revision 1; a concurrent
	// create of the same user surfaces as ErrConcurrencyConflict.
	CreateLedger(ctx context.Context, document LedgerDocument) error
	// SaveLedger persists entries and aggregates together, guarded by the
	// revision carried in the document.
	SaveLedger(ctx context.Context, document LedgerDocument) error
	ListLedgerUserIDs(ctx context.Context) ([]UserID, error)

	GetProduct(ctx context.Context, productID ProductID) (VoucherProduct, error)
	// ListProducts returns products ascending by points cost.
	ListProducts(ctx context.Context, includeInactive bool) ([]VoucherProduct, error)
	CreateProduct(ctx context.Context, product VoucherProduct) error
	UpdateProduct(ctx context.Context, product VoucherProduct) error
	DeleteProduct(ctx context.Context, productID ProductID) error
	// ReserveProductQuantity increments redeemedQuantity by quantity,
	// guarded by the redeemed count observed at read time.
	ReserveProductQuantity(ctx context.Context, productID ProductID, quantity int64, expectedRedeemed int64) error

	// InsertVoucher fails with ErrDuplicateVoucherCode when the generated
	// code is already taken.
	InsertVoucher(ctx context.Context, record VoucherRecord) error
	GetVoucher(ctx context.Context, voucherID VoucherID) (VoucherRecord, error)
	// ListVouchers returns records descending by purchase time.
	ListVouchers(ctx context.Context, userID UserID) ([]VoucherRecord, error)
	// MarkVoucherUsed transitions confirmed to used for the owning user in
	// one conditional write; a miss surfaces as ErrConcurrencyConflict and
	// the caller classifies it by re-reading.
	MarkVoucherUsed(ctx context.Context, voucherID VoucherID, userID UserID, usedBy string, usedAt time.Time) error
}
