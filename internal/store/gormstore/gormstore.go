package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/rewards/pkg/rewards"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	constraintVoucherCode = "uniq_voucher_code"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectLedger    = "ledger"
	errorSubjectProduct   = "product"
	errorSubjectVoucher   = "voucher"
	errorCodeCreate       = "create"
	errorCodeDecode       = "decode"
	errorCodeDelete       = "delete"
	errorCodeDuplicate    = "duplicate"
	errorCodeEncode       = "encode"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeReserve      = "reserve"
	errorCodeSave         = "save"
	errorCodeUpdate       = "update"
	errorCodeUse          = "use"
)

// Store implements rewards.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&UserLedger{}, &Product{}, &Voucher{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore rewards.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// entryDocument is the JSON shape of one ledger entry inside the Entries
// column.
type entryDocument struct {
	Points         float64   `json:"points"`
	ExpirationDays int       `json:"expiration_days"`
	AddedAt        time.Time `json:"added_at"`
	Usable         bool      `json:"usable"`
}

func (store *Store) LoadLedger(ctx context.Context, userID rewards.UserID) (rewards.LedgerDocument, error) {
	var row UserLedger
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rewards.LedgerDocument{}, wrapStoreError(errorSubjectLedger, errorCodeGet, rewards.ErrNotFound)
	}
	if err != nil {
		return rewards.LedgerDocument{}, wrapStoreError(errorSubjectLedger, errorCodeGet, err)
	}
	return mapUserLedger(row)
}

func (store *Store) CreateLedger(ctx context.Context, document rewards.LedgerDocument) error {
	encoded, err := encodeEntries(document.Entries)
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeEncode, err)
	}
	row := UserLedger{
		UserID:                 document.UserID.String(),
		Revision:               1,
		UsablePoints:           document.Aggregates.UsablePoints,
		TotalPoints:            document.Aggregates.TotalPoints,
		TotalRedeemed:          document.Aggregates.TotalRedeemed,
		TotalVouchersPurchased: document.Aggregates.TotalVouchersPurchased,
		Entries:                encoded,
	}
	err = store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectLedger, errorCodeDuplicate, rewards.ErrConcurrencyConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) SaveLedger(ctx context.Context, document rewards.LedgerDocument) error {
	encoded, err := encodeEntries(document.Entries)
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeEncode, err)
	}
	result := store.db.WithContext(ctx).
		Model(&UserLedger{}).
		Where("user_id = ? AND revision = ?", document.UserID.String(), document.Revision).
		Updates(map[string]interface{}{
			"revision":                 document.Revision + 1,
			"usable_points":            document.Aggregates.UsablePoints,
			"total_points":             document.Aggregates.TotalPoints,
			"total_redeemed":           document.Aggregates.TotalRedeemed,
			"total_vouchers_purchased": document.Aggregates.TotalVouchersPurchased,
			"entries":                  encoded,
			"updated_at":               time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeSave, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectLedger, errorCodeSave, rewards.ErrConcurrencyConflict)
	}
	return nil
}

func (store *Store) ListLedgerUserIDs(ctx context.Context) ([]rewards.UserID, error) {
	var rawIDs []string
	err := store.db.WithContext(ctx).
		Model(&UserLedger{}).
		Order("user_id").
		Pluck("user_id", &rawIDs).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	userIDs := make([]rewards.UserID, 0, len(rawIDs))
	for _, raw := range rawIDs {
		userID, parseErr := rewards.NewUserID(raw)
		if parseErr != nil {
			return nil, wrapStoreError(errorSubjectLedger, errorCodeInvalid, parseErr)
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, nil
}

func (store *Store) GetProduct(ctx context.Context, productID rewards.ProductID) (rewards.VoucherProduct, error) {
	var row Product
	err := store.db.WithContext(ctx).
		Where("product_id = ?", productID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rewards.VoucherProduct{}, wrapStoreError(errorSubjectProduct, errorCodeGet, rewards.ErrNotFound)
	}
	if err != nil {
		return rewards.VoucherProduct{}, wrapStoreError(errorSubjectProduct, errorCodeGet, err)
	}
	return mapProduct(row)
}

func (store *Store) ListProducts(ctx context.Context, includeInactive bool) ([]rewards.VoucherProduct, error) {
	query := store.db.WithContext(ctx).Model(&Product{}).Order("points_cost asc, product_id asc")
	if !includeInactive {
		query = query.Where("active = ?", true)
	}
	var rows []Product
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectProduct, errorCodeList, err)
	}
	products := make([]rewards.VoucherProduct, 0, len(rows))
	for _, row := range rows {
		product, mapErr := mapProduct(row)
		if mapErr != nil {
			return nil, mapErr
		}
		products = append(products, product)
	}
	return products, nil
}

func (store *Store) CreateProduct(ctx context.Context, product rewards.VoucherProduct) error {
	row := Product{
		ProductID:        product.ID.String(),
		Name:             product.Name,
		PointsCost:       product.PointsCost,
		TotalQuantity:    product.TotalQuantity,
		RedeemedQuantity: product.RedeemedQuantity,
		Unlimited:        product.Unlimited,
		Active:           product.Active,
		CreatedAt:        product.CreatedAt,
		UpdatedAt:        product.UpdatedAt,
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectProduct, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) UpdateProduct(ctx context.Context, product rewards.VoucherProduct) error {
	result := store.db.WithContext(ctx).
		Model(&Product{}).
		Where("product_id = ?", product.ID.String()).
		Updates(map[string]interface{}{
			"name":           product.Name,
			"points_cost":    product.PointsCost,
			"total_quantity": product.TotalQuantity,
			"unlimited":      product.Unlimited,
			"active":         product.Active,
			"updated_at":     product.UpdatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectProduct, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectProduct, errorCodeUpdate, rewards.ErrNotFound)
	}
	return nil
}

func (store *Store) DeleteProduct(ctx context.Context, productID rewards.ProductID) error {
	result := store.db.WithContext(ctx).
		Where("product_id = ?", productID.String()).
		Delete(&Product{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectProduct, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectProduct, errorCodeDelete, rewards.ErrNotFound)
	}
	return nil
}

func (store *Store) ReserveProductQuantity(ctx context.Context, productID rewards.ProductID, quantity int64, expectedRedeemed int64) error {
	result := store.db.WithContext(ctx).
		Model(&Product{}).
		Where("product_id = ? AND redeemed_quantity = ?", productID.String(), expectedRedeemed).
		Updates(map[string]interface{}{
			"redeemed_quantity": expectedRedeemed + quantity,
			"updated_at":        time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectProduct, errorCodeReserve, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectProduct, errorCodeReserve, rewards.ErrConcurrencyConflict)
	}
	return nil
}

func (store *Store) InsertVoucher(ctx context.Context, record rewards.VoucherRecord) error {
	row := Voucher{
		VoucherID:   record.ID.String(),
		UserID:      record.UserID.String(),
		ProductID:   record.ProductID.String(),
		ProductName: record.ProductName,
		PointsCost:  record.PointsCost,
		Code:        record.Code,
		Status:      string(record.Status),
		PurchasedAt: record.PurchasedAt,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isVoucherCodeConflict(err) {
		return wrapStoreError(errorSubjectVoucher, errorCodeDuplicate, rewards.ErrDuplicateVoucherCode)
	}
	if err != nil {
		return wrapStoreError(errorSubjectVoucher, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetVoucher(ctx context.Context, voucherID rewards.VoucherID) (rewards.VoucherRecord, error) {
	var row Voucher
	err := store.db.WithContext(ctx).
		Where("voucher_id = ?", voucherID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rewards.VoucherRecord{}, wrapStoreError(errorSubjectVoucher, errorCodeGet, rewards.ErrNotFound)
	}
	if err != nil {
		return rewards.VoucherRecord{}, wrapStoreError(errorSubjectVoucher, errorCodeGet, err)
	}
	return mapVoucher(row)
}

func (store *Store) ListVouchers(ctx context.Context, userID rewards.UserID) ([]rewards.VoucherRecord, error) {
	var rows []Voucher
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("purchased_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectVoucher, errorCodeList, err)
	}
	records := make([]rewards.VoucherRecord, 0, len(rows))
	for _, row := range rows {
		record, mapErr := mapVoucher(row)
		if mapErr != nil {
			return nil, mapErr
		}
		records = append(records, record)
	}
	return records, nil
}

func (store *Store) MarkVoucherUsed(ctx context.Context, voucherID rewards.VoucherID, userID rewards.UserID, usedBy string, usedAt time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&Voucher{}).
		Where("voucher_id = ? AND user_id = ? AND status = ?", voucherID.String(), userID.String(), string(rewards.VoucherStatusConfirmed)).
		Updates(map[string]interface{}{
			"status":  string(rewards.VoucherStatusUsed),
			"used_at": usedAt,
			"used_by": usedBy,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectVoucher, errorCodeUse, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectVoucher, errorCodeUse, rewards.ErrConcurrencyConflict)
	}
	return nil
}

// wrapStoreError attaches operation metadata. Driver failures that carry no
// domain meaning are folded into ErrStoreUnavailable so callers can treat
// them as transient.
func wrapStoreError(subject string, code string, err error) error {
	if !isDomainError(err) {
		err = fmt.Errorf("%w: %v", rewards.ErrStoreUnavailable, err)
	}
	return rewards.WrapError(errorOperationStore, subject, code, err)
}

func isDomainError(err error) bool {
	return errors.Is(err, rewards.ErrNotFound) ||
		errors.Is(err, rewards.ErrInvalidInput) ||
		errors.Is(err, rewards.ErrConcurrencyConflict) ||
		errors.Is(err, rewards.ErrDuplicateVoucherCode)
}

func encodeEntries(entries rewards.Ledger) (datatypes.JSON, error) {
	documents := make(map[string]entryDocument, len(entries))
	for key, entry := range entries {
		documents[key] = entryDocument{
			Points:         entry.Points,
			ExpirationDays: entry.ExpirationDays,
			AddedAt:        entry.AddedAt.UTC(),
			Usable:         entry.Usable,
		}
	}
	raw, err := json.Marshal(documents)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func decodeEntries(raw datatypes.JSON) (rewards.Ledger, error) {
	if len(raw) == 0 {
		return rewards.Ledger{}, nil
	}
	documents := make(map[string]entryDocument)
	if err := json.Unmarshal(raw, &documents); err != nil {
		return nil, err
	}
	entries := make(rewards.Ledger, len(documents))
	for key, document := range documents {
		entries[key] = rewards.LedgerEntry{
			Points:         document.Points,
			ExpirationDays: document.ExpirationDays,
			AddedAt:        document.AddedAt,
			Usable:         document.Usable,
		}
	}
	return entries, nil
}

func mapUserLedger(row UserLedger) (rewards.LedgerDocument, error) {
	userID, err := rewards.NewUserID(row.UserID)
	if err != nil {
		return rewards.LedgerDocument{}, wrapStoreError(errorSubjectLedger, errorCodeInvalid, err)
	}
	entries, err := decodeEntries(row.Entries)
	if err != nil {
		return rewards.LedgerDocument{}, wrapStoreError(errorSubjectLedger, errorCodeDecode, err)
	}
	return rewards.LedgerDocument{
		UserID:  userID,
		Entries: entries,
		Aggregates: rewards.Aggregates{
			UsablePoints:           row.UsablePoints,
			TotalPoints:            row.TotalPoints,
			TotalRedeemed:          row.TotalRedeemed,
			TotalVouchersPurchased: row.TotalVouchersPurchased,
		},
		Revision: row.Revision,
	}, nil
}

func mapProduct(row Product) (rewards.VoucherProduct, error) {
	productID, err := rewards.NewProductID(row.ProductID)
	if err != nil {
		return rewards.VoucherProduct{}, wrapStoreError(errorSubjectProduct, errorCodeInvalid, err)
	}
	return rewards.VoucherProduct{
		ID:               productID,
		Name:             row.Name,
		PointsCost:       row.PointsCost,
		TotalQuantity:    row.TotalQuantity,
		RedeemedQuantity: row.RedeemedQuantity,
		Unlimited:        row.Unlimited,
		Active:           row.Active,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}, nil
}

func mapVoucher(row Voucher) (rewards.VoucherRecord, error) {
	voucherID, err := rewards.NewVoucherID(row.VoucherID)
	if err != nil {
		return rewards.VoucherRecord{}, wrapStoreError(errorSubjectVoucher, errorCodeInvalid, err)
	}
	userID, err := rewards.NewUserID(row.UserID)
	if err != nil {
		return rewards.VoucherRecord{}, wrapStoreError(errorSubjectVoucher, errorCodeInvalid, err)
	}
	productID, err := rewards.NewProductID(row.ProductID)
	if err != nil {
		return rewards.VoucherRecord{}, wrapStoreError(errorSubjectVoucher, errorCodeInvalid, err)
	}
	usedBy := ""
	if row.UsedBy != nil {
		usedBy = *row.UsedBy
	}
	return rewards.VoucherRecord{
		ID:          voucherID,
		UserID:      userID,
		ProductID:   productID,
		ProductName: row.ProductName,
		PointsCost:  row.PointsCost,
		Code:        row.Code,
		Status:      rewards.VoucherStatus(row.Status),
		PurchasedAt: row.PurchasedAt,
		UsedAt:      row.UsedAt,
		UsedBy:      usedBy,
	}, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isVoucherCodeConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintVoucherCode
	}
	return isUniqueViolation(err)
}
