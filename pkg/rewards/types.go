package rewards

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// UserID identifies a ledger owner.
type UserID struct {
	value string
}

// ProductID identifies a voucher product.
type ProductID struct {
	value string
}

// VoucherID identifies an issued voucher record.
type VoucherID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewProductID validates and normalizes a product id.
func NewProductID(raw string) (ProductID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ProductID{}, fmt.Errorf("%w: empty product id", ErrInvalidInput)
	}
	return ProductID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ProductID) String() string {
	return id.value
}

// NewVoucherID validates and normalizes a voucher id.
func NewVoucherID(raw string) (VoucherID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return VoucherID{}, fmt.Errorf("%w: empty voucher id", ErrInvalidInput)
	}
	return VoucherID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id VoucherID) String() string {
	return id.value
}

// ActingUser carries the caller identity for attribution. Authorization
// policy is enforced by the caller; the engine only records who acted.
type ActingUser struct {
	ID          UserID
	DisplayName string
}

// DateKeyLayout is the calendar-date key format for ledger entries.
const DateKeyLayout = "2006-01-02"

// DateKeyFor returns the ledger date key for an instant (UTC calendar day).
func DateKeyFor(at time.Time) string {
	return at.UTC().Format(DateKeyLayout)
}

// LedgerEntry is one dated batch of earned points with its own expiration
// clock. Points only ever decrease after creation.
type LedgerEntry struct {
	Points         float64
	ExpirationDays int
	AddedAt        time.Time
	Usable         bool
}

// ExpiresAt returns the instant the entry stops being spendable.
func (entry LedgerEntry) ExpiresAt() time.Time {
	return entry.AddedAt.Add(time.Duration(entry.ExpirationDays) * 24 * time.Hour)
}

// UsableAt reports whether the entry can still be spent at the given
// instant. A zero-point entry counts as unusable even when the sweep has
// not flagged it yet.
func (entry LedgerEntry) UsableAt(now time.Time) bool {
	if !entry.Usable || entry.Points <= 0 {
		return false
	}
	return !now.After(entry.ExpiresAt())
}

// Ledger maps date keys to entries. Components receive value snapshots and
// update them functionally; only the store holds the persisted state.
type Ledger map[string]LedgerEntry

// Clone returns an independent copy of the ledger.
func (ledger Ledger) Clone() Ledger {
	copied := make(Ledger, len(ledger))
	for key, entry := range ledger {
		copied[key] = entry
	}
	return copied
}

// SortedKeys returns date keys ascending (oldest first).
func (ledger Ledger) SortedKeys() []string {
	keys := make([]string, 0, len(ledger))
	for key := range ledger {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Aggregates are the derived totals cached alongside a ledger and
// recomputed on every mutation.
type Aggregates struct {
	UsablePoints           float64
	TotalPoints            float64
	TotalRedeemed          float64
	TotalVouchersPurchased int64
}

// LedgerDocument is the unit the store loads and commits: the ledger, its
// aggregates, and the revision used for optimistic concurrency.
type LedgerDocument struct {
	UserID     UserID
	Entries    Ledger
	Aggregates Aggregates
	Revision   int64
}

// VoucherProduct is a catalog item purchasable with points.
type VoucherProduct struct {
	ID               ProductID
	Name             string
	PointsCost       int64
	TotalQuantity    int64
	RedeemedQuantity int64
	Unlimited        bool
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// AvailableQuantity returns how many units can still be issued. Unlimited
// products report no bound; callers must check Unlimited first.
func (product VoucherProduct) AvailableQuantity() int64 {
	remaining := product.TotalQuantity - product.RedeemedQuantity
	if remaining < 0 {
		return 0
	}
	return remaining
}

// FullyRedeemed reports whether the product has no issuable units left.
// Unlimited products are never fully redeemed.
func (product VoucherProduct) FullyRedeemed() bool {
	if product.Unlimited {
		return false
	}
	return product.RedeemedQuantity >= product.TotalQuantity
}

// ProductSpec describes a product to create. Active defaults to false
// (draft) and RedeemedQuantity always starts at zero.
type ProductSpec struct {
	Name          string
	PointsCost    int64
	TotalQuantity int64
	Unlimited     bool
	Active        bool
}

// Validate checks spec invariants.
func (spec ProductSpec) Validate() error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("%w: product name is required", ErrInvalidInput)
	}
	if spec.PointsCost < 0 {
		return fmt.Errorf("%w: points cost must not be negative", ErrInvalidInput)
	}
	if spec.TotalQuantity < 0 {
		return fmt.Errorf("%w: total quantity must not be negative", ErrInvalidInput)
	}
	return nil
}

// ProductPatch mutates a subset of product fields. Nil fields are left
// untouched.
type ProductPatch struct {
	Name          *string
	PointsCost    *int64
	TotalQuantity *int64
	Unlimited     *bool
	Active        *bool
}

// VoucherStatus defines the voucher lifecycle.
type VoucherStatus string

const (
	VoucherStatusConfirmed VoucherStatus = "confirmed"
	VoucherStatusUsed      VoucherStatus = "used"
)

// VoucherRecord is one issued, redeemable unit. Immutable except for its
// status transition to used.
type VoucherRecord struct {
	ID          VoucherID
	UserID      UserID
	ProductID   ProductID
	ProductName string
	PointsCost  int64
	Code        string
	Status      VoucherStatus
	PurchasedAt time.Time
	UsedAt      *time.Time
	UsedBy      string
}

// CartItem is one purchase line. The same product must not repeat within a
// cart; clients merge duplicates before calling.
type CartItem struct {
	ProductID ProductID
	Quantity  int64
}

// PurchaseResult reports a committed purchase.
type PurchaseResult struct {
	Vouchers    []VoucherRecord
	PointsSpent int64
}

// ExpiringEntry is one usable entry about to expire, for user-facing
// warnings only.
type ExpiringEntry struct {
	DateKey       string
	Points        float64
	DaysRemaining int
}

// Breakdown is the point-of-time view over a ledger.
type Breakdown struct {
	Usable       float64
	Expired      float64
	Total        float64
	ExpiringSoon []ExpiringEntry
}

// SweepReport summarizes a sweep pass.
type SweepReport struct {
	UsersScanned int
	UsersSwept   int
}

func validateCart(cart []CartItem) error {
	if len(cart) == 0 {
		return fmt.Errorf("%w: cart is empty", ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(cart))
	for _, item := range cart {
		if item.ProductID.String() == "" {
			return fmt.Errorf("%w: cart item has no product id", ErrInvalidInput)
		}
		if item.Quantity < 1 {
			return fmt.Errorf("%w: quantity must be at least 1 for product %s", ErrInvalidInput, item.ProductID)
		}
		if _, duplicate := seen[item.ProductID.String()]; duplicate {
			return fmt.Errorf("%w: duplicate product %s in cart", ErrInvalidInput, item.ProductID)
		}
		seen[item.ProductID.String()] = struct{}{}
	}
	return nil
}
