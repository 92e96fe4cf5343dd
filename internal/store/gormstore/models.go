package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// UserLedger holds one user's ledger document: the dated entries as JSON
// plus the cached aggregates and the optimistic-concurrency revision.
type UserLedger struct {
	UserID                 string         `gorm:"primaryKey"`
	Revision               int64          `gorm:"not null"`
	UsablePoints           float64        `gorm:"not null"`
	TotalPoints            float64        `gorm:"not null"`
	TotalRedeemed          float64        `gorm:"not null"`
	TotalVouchersPurchased int64          `gorm:"not null"`
	Entries                datatypes.JSON `gorm:"not null"`
	CreatedAt              time.Time      `gorm:"not null"`
	UpdatedAt              time.Time      `gorm:"not null"`
}

func (UserLedger) TableName() string { return "user_ledgers" }

// Product mirrors the voucher_products table.
type Product struct {
	ProductID        string    `gorm:"type:uuid;primaryKey"`
	Name             string    `gorm:"not null"`
	PointsCost       int64     `gorm:"not null;index"`
	TotalQuantity    int64     `gorm:"not null"`
	RedeemedQuantity int64     `gorm:"not null"`
	Unlimited        bool      `gorm:"not null"`
	Active           bool      `gorm:"not null;index"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (Product) TableName() string { return "voucher_products" }

func (product *Product) BeforeCreate(tx *gorm.DB) error {
	if product.ProductID == "" {
		product.ProductID = uuid.NewString()
	}
	return nil
}

// Voucher mirrors the vouchers table.
type Voucher struct {
	VoucherID   string     `gorm:"type:uuid;primaryKey"`
	UserID      string     `gorm:"not null;index:idx_vouchers_user_purchased,priority:1"`
	ProductID   string     `gorm:"type:uuid;not null"`
	ProductName string     `gorm:"not null"`
	PointsCost  int64      `gorm:"not null"`
	Code        string     `gorm:"not null;uniqueIndex:uniq_voucher_code"`
	Status      string     `gorm:"not null"`
	PurchasedAt time.Time  `gorm:"not null;index:idx_vouchers_user_purchased,priority:2"`
	UsedAt      *time.Time `gorm:""`
	UsedBy      *string    `gorm:""`
}

func (Voucher) TableName() string { return "vouchers" }

func (voucher *Voucher) BeforeCreate(tx *gorm.DB) error {
	if voucher.VoucherID == "" {
		voucher.VoucherID = uuid.NewString()
	}
	return nil
}
