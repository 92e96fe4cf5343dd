package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/rewards/pkg/rewards"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintVoucherCode = "uniq_voucher_code"
	pgUniqueViolationCode = "23505"
	errorOperationStore   = "store"
	errorSubjectLedger    = "ledger"
	errorSubjectProduct   = "product"
	errorSubjectVoucher   = "voucher"
	errorSubjectTx        = "transaction"
	errorCodeBegin        = "begin"
	errorCodeCommit       = "commit"
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

	sqlSelectLedger = `
		select user_id, revision, usable_points, total_points, total_redeemed, total_vouchers_purchased, entries
		from user_ledgers
		where user_id = $1
	`

	sqlInsertLedger = `
		insert into user_ledgers(
			user_id, revision, usable_points, total_points, total_redeemed, total_vouchers_purchased, entries, created_at, updated_at
		)
		values($1, 1, $2, $3, $4, $5, $6::jsonb, now(), now())
	`

	sqlUpdateLedger = `
		update user_ledgers
		set revision = revision + 1,
			usable_points = $3,
			total_points = $4,
			total_redeemed = $5,
			total_vouchers_purchased = $6,
			entries = $7::jsonb,
			updated_at = now()
		where user_id = $1 and revision = $2
	`

	sqlListLedgerUsers = `
		select user_id from user_ledgers order by user_id
	`

	sqlSelectProduct = `
		select product_id::text, name, points_cost, total_quantity, redeemed_quantity, unlimited, active, created_at, updated_at
		from voucher_products
		where product_id = $1
	`

	sqlListProducts = `
		select product_id::text, name, points_cost, total_quantity, redeemed_quantity, unlimited, active, created_at, updated_at
		from voucher_products
		where ($1 or active)
		order by points_cost asc, product_id asc
	`

	sqlInsertProduct = `
		insert into voucher_products(
			product_id, name, points_cost, total_quantity, redeemed_quantity, unlimited, active, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	sqlUpdateProduct = `
		update voucher_products
		set name = $2, points_cost = $3, total_quantity = $4, unlimited = $5, active = $6, updated_at = $7
		where product_id = $1
	`

	sqlDeleteProduct = `
		delete from voucher_products where product_id = $1
	`

	sqlReserveProduct = `
		update voucher_products
		set redeemed_quantity = $3, updated_at = now()
		where product_id = $1 and redeemed_quantity = $2
	`

	sqlInsertVoucher = `
		insert into vouchers(
			voucher_id, user_id, product_id, product_name, points_cost, code, status, purchased_at
		)
		values($1, $2, $3, $4, $5, $6, $7, $8)
	`

	sqlSelectVoucher = `
		select voucher_id::text, user_id, product_id::text, product_name, points_cost, code, status, purchased_at, used_at, coalesce(used_by, '')
		from vouchers
		where voucher_id = $1
	`

	sqlListVouchers = `
		select voucher_id::text, user_id, product_id::text, product_name, points_cost, code, status, purchased_at, used_at, coalesce(used_by, '')
		from vouchers
		where user_id = $1
		order by purchased_at desc
	`

	sqlMarkVoucherUsed = `
		update vouchers
		set status = $4, used_at = $5, used_by = $6
		where voucher_id = $1 and user_id = $2 and status = $3
	`
)

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements rewards.Store using a pgx connection pool (autocommit).
type Store struct {
	runner
	pool *pgxpool.Pool
}

// TxStore implements rewards.Store for an active transaction.
type TxStore struct {
	runner
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool. The schema is managed
// externally (see Schema).
func New(pool *pgxpool.Pool) *Store {
	return &Store{runner: runner{db: pool}, pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore rewards.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &TxStore{runner: runner{db: tx}, tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

// WithTx on an already-open transaction reuses it.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore rewards.Store) error) error {
	return fn(ctx, store)
}

type runner struct {
	db dbConn
}

type entryDocument struct {
	Points         float64   `json:"points"`
	ExpirationDays int       `json:"expiration_days"`
	AddedAt        time.Time `json:"added_at"`
	Usable         bool      `json:"usable"`
}

func (run runner) LoadLedger(ctx context.Context, userID rewards.UserID) (rewards.LedgerDocument, error) {
	var (
		rawUserID  string
		revision   int64
		aggregates rewards.Aggregates
		rawEntries []byte
	)
	err := run.db.QueryRow(ctx, sqlSelectLedger, userID.String()).Scan(
		&rawUserID,
		&revision,
		&aggregates.UsablePoints,
		&aggregates.TotalPoints,
		&aggregates.TotalRedeemed,
		&aggregates.TotalVouchersPurchased,
		&rawEntries,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return rewards.LedgerDocument{}, wrapStoreError(errorSubjectLedger, errorCodeGet, rewards.ErrNotFound)
	}
	if err != nil {
		return rewards.LedgerDocument{}, wrapStoreError(errorSubjectLedger, errorCodeGet, err)
	}
	parsedUserID, err := rewards.NewUserID(rawUserID)
	if err != nil {
		return rewards.LedgerDocument{}, wrapStoreError(errorSubjectLedger, errorCodeInvalid, err)
	}
	entries, err := decodeEntries(rawEntries)
	if err != nil {
		return rewards.LedgerDocument{}, wrapStoreError(errorSubjectLedger, errorCodeDecode, err)
	}
	return rewards.LedgerDocument{
		UserID:     parsedUserID,
		Entries:    entries,
		Aggregates: aggregates,
		Revision:   revision,
	}, nil
}

func (run runner) CreateLedger(ctx context.Context, document rewards.LedgerDocument) error {
	encoded, err := encodeEntries(document.Entries)
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeEncode, err)
	}
	_, err = run.db.Exec(ctx, sqlInsertLedger,
		document.UserID.String(),
		document.Aggregates.UsablePoints,
		document.Aggregates.TotalPoints,
		document.Aggregates.TotalRedeemed,
		document.Aggregates.TotalVouchersPurchased,
		encoded,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectLedger, errorCodeDuplicate, rewards.ErrConcurrencyConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeCreate, err)
	}
	return nil
}

func (run runner) SaveLedger(ctx context.Context, document rewards.LedgerDocument) error {
	encoded, err := encodeEntries(document.Entries)
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeEncode, err)
	}
	tag, err := run.db.Exec(ctx, sqlUpdateLedger,
		document.UserID.String(),
		document.Revision,
		document.Aggregates.UsablePoints,
		document.Aggregates.TotalPoints,
		document.Aggregates.TotalRedeemed,
		document.Aggregates.TotalVouchersPurchased,
		encoded,
	)
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeSave, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectLedger, errorCodeSave, rewards.ErrConcurrencyConflict)
	}
	return nil
}

func (run runner) ListLedgerUserIDs(ctx context.Context) ([]rewards.UserID, error) {
	rows, err := run.db.Query(ctx, sqlListLedgerUsers)
	if err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	defer rows.Close()
	var userIDs []rewards.UserID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
		}
		userID, parseErr := rewards.NewUserID(raw)
		if parseErr != nil {
			return nil, wrapStoreError(errorSubjectLedger, errorCodeInvalid, parseErr)
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectLedger, errorCodeList, err)
	}
	return userIDs, nil
}

func (run runner) GetProduct(ctx context.Context, productID rewards.ProductID) (rewards.VoucherProduct, error) {
	product, err := scanProduct(run.db.QueryRow(ctx, sqlSelectProduct, productID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return rewards.VoucherProduct{}, wrapStoreError(errorSubjectProduct, errorCodeGet, rewards.ErrNotFound)
	}
	if err != nil {
		return rewards.VoucherProduct{}, wrapStoreError(errorSubjectProduct, errorCodeGet, err)
	}
	return product, nil
}

func (run runner) ListProducts(ctx context.Context, includeInactive bool) ([]rewards.VoucherProduct, error) {
	rows, err := run.db.Query(ctx, sqlListProducts, includeInactive)
	if err != nil {
		return nil, wrapStoreError(errorSubjectProduct, errorCodeList, err)
	}
	defer rows.Close()
	var products []rewards.VoucherProduct
	for rows.Next() {
		product, scanErr := scanProduct(rows)
		if scanErr != nil {
			return nil, wrapStoreError(errorSubjectProduct, errorCodeList, scanErr)
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectProduct, errorCodeList, err)
	}
	return products, nil
}

func (run runner) CreateProduct(ctx context.Context, product rewards.VoucherProduct) error {
	_, err := run.db.Exec(ctx, sqlInsertProduct,
		product.ID.String(),
		product.Name,
		product.PointsCost,
		product.TotalQuantity,
		product.RedeemedQuantity,
		product.Unlimited,
		product.Active,
		product.CreatedAt,
		product.UpdatedAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectProduct, errorCodeCreate, err)
	}
	return nil
}

func (run runner) UpdateProduct(ctx context.Context, product rewards.VoucherProduct) error {
	tag, err := run.db.Exec(ctx, sqlUpdateProduct,
		product.ID.String(),
		product.Name,
		product.PointsCost,
		product.TotalQuantity,
		product.Unlimited,
		product.Active,
		product.UpdatedAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectProduct, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectProduct, errorCodeUpdate, rewards.ErrNotFound)
	}
	return nil
}

func (run runner) DeleteProduct(ctx context.Context, productID rewards.ProductID) error {
	tag, err := run.db.Exec(ctx, sqlDeleteProduct, productID.String())
	if err != nil {
		return wrapStoreError(errorSubjectProduct, errorCodeDelete, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectProduct, errorCodeDelete, rewards.ErrNotFound)
	}
	return nil
}

func (run runner) ReserveProductQuantity(ctx context.Context, productID rewards.ProductID, quantity int64, expectedRedeemed int64) error {
	tag, err := run.db.Exec(ctx, sqlReserveProduct, productID.String(), expectedRedeemed, expectedRedeemed+quantity)
	if err != nil {
		return wrapStoreError(errorSubjectProduct, errorCodeReserve, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectProduct, errorCodeReserve, rewards.ErrConcurrencyConflict)
	}
	return nil
}

func (run runner) InsertVoucher(ctx context.Context, record rewards.VoucherRecord) error {
	_, err := run.db.Exec(ctx, sqlInsertVoucher,
		record.ID.String(),
		record.UserID.String(),
		record.ProductID.String(),
		record.ProductName,
		record.PointsCost,
		record.Code,
		string(record.Status),
		record.PurchasedAt,
	)
	if isVoucherCodeConflict(err) {
		return wrapStoreError(errorSubjectVoucher, errorCodeDuplicate, rewards.ErrDuplicateVoucherCode)
	}
	if err != nil {
		return wrapStoreError(errorSubjectVoucher, errorCodeInsert, err)
	}
	return nil
}

func (run runner) GetVoucher(ctx context.Context, voucherID rewards.VoucherID) (rewards.VoucherRecord, error) {
	record, err := scanVoucher(run.db.QueryRow(ctx, sqlSelectVoucher, voucherID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return rewards.VoucherRecord{}, wrapStoreError(errorSubjectVoucher, errorCodeGet, rewards.ErrNotFound)
	}
	if err != nil {
		return rewards.VoucherRecord{}, wrapStoreError(errorSubjectVoucher, errorCodeGet, err)
	}
	return record, nil
}

func (run runner) ListVouchers(ctx context.Context, userID rewards.UserID) ([]rewards.VoucherRecord, error) {
	rows, err := run.db.Query(ctx, sqlListVouchers, userID.String())
	if err != nil {
		return nil, wrapStoreError(errorSubjectVoucher, errorCodeList, err)
	}
	defer rows.Close()
	var records []rewards.VoucherRecord
	for rows.Next() {
		record, scanErr := scanVoucher(rows)
		if scanErr != nil {
			return nil, wrapStoreError(errorSubjectVoucher, errorCodeList, scanErr)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectVoucher, errorCodeList, err)
	}
	return records, nil
}

func (run runner) MarkVoucherUsed(ctx context.Context, voucherID rewards.VoucherID, userID rewards.UserID, usedBy string, usedAt time.Time) error {
	tag, err := run.db.Exec(ctx, sqlMarkVoucherUsed,
		voucherID.String(),
		userID.String(),
		string(rewards.VoucherStatusConfirmed),
		string(rewards.VoucherStatusUsed),
		usedAt,
		usedBy,
	)
	if err != nil {
		return wrapStoreError(errorSubjectVoucher, errorCodeUse, err)
	}
	if tag.RowsAffected() == 0 {
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

func encodeEntries(entries rewards.Ledger) ([]byte, error) {
	documents := make(map[string]entryDocument, len(entries))
	for key, entry := range entries {
		documents[key] = entryDocument{
			Points:         entry.Points,
			ExpirationDays: entry.ExpirationDays,
			AddedAt:        entry.AddedAt.UTC(),
			Usable:         entry.Usable,
		}
	}
	return json.Marshal(documents)
}

func decodeEntries(raw []byte) (rewards.Ledger, error) {
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

func scanProduct(row pgx.Row) (rewards.VoucherProduct, error) {
	var (
		rawProductID string
		product      rewards.VoucherProduct
	)
	err := row.Scan(
		&rawProductID,
		&product.Name,
		&product.PointsCost,
		&product.TotalQuantity,
		&product.RedeemedQuantity,
		&product.Unlimited,
		&product.Active,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
	if err != nil {
		return rewards.VoucherProduct{}, err
	}
	productID, err := rewards.NewProductID(rawProductID)
	if err != nil {
		return rewards.VoucherProduct{}, err
	}
	product.ID = productID
	return product, nil
}

func scanVoucher(row pgx.Row) (rewards.VoucherRecord, error) {
	var (
		rawVoucherID string
		rawUserID    string
		rawProductID string
		rawStatus    string
		record       rewards.VoucherRecord
	)
	err := row.Scan(
		&rawVoucherID,
		&rawUserID,
		&rawProductID,
		&record.ProductName,
		&record.PointsCost,
		&record.Code,
		&rawStatus,
		&record.PurchasedAt,
		&record.UsedAt,
		&record.UsedBy,
	)
	if err != nil {
		return rewards.VoucherRecord{}, err
	}
	voucherID, err := rewards.NewVoucherID(rawVoucherID)
	if err != nil {
		return rewards.VoucherRecord{}, err
	}
	userID, err := rewards.NewUserID(rawUserID)
	if err != nil {
		return rewards.VoucherRecord{}, err
	}
	productID, err := rewards.NewProductID(rawProductID)
	if err != nil {
		return rewards.VoucherRecord{}, err
	}
	record.ID = voucherID
	record.UserID = userID
	record.ProductID = productID
	record.Status = rewards.VoucherStatus(rawStatus)
	return record, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
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
	return false
}
