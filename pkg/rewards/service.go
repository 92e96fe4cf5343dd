package rewards

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service contains the engine's domain logic over a Store.
type Service struct {
	store          Store
	nowFn          func() time.Time
	activity       ActivityLogger
	expirationDays int
	codeFn         func() string
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:          store,
		nowFn:          now,
		expirationDays: DefaultExpirationDays,
		codeFn:         NewVoucherCode,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// UserBreakdown returns the usable/expired/total view of a user's ledger
// plus the expiring-soon warning list.
func (service *Service) UserBreakdown(ctx context.Context, userID UserID) (Breakdown, error) {
	document, err := service.store.LoadLedger(ctx, userID)
	if err != nil {
		return Breakdown{}, err
	}
	return Compute(document.Entries, service.nowFn()), nil
}

// AccruePoints credits earned points to the acting user's ledger, merged
// into the entry for the current calendar day. The day's expiration clock
// starts when the entry is first created.
func (service *Service) AccruePoints(ctx context.Context, acting ActingUser, points float64) error {
	operationError := service.accruePoints(ctx, acting, points)
	service.logActivity(ctx, ActivityRecord{
		Operation: operationAccrue,
		Acting:    acting,
		UserID:    acting.ID,
		Amount:    points,
		Error:     operationError,
	})
	return operationError
}

func (service *Service) accruePoints(ctx context.Context, acting ActingUser, points float64) error {
	if points <= 0 {
		return fmt.Errorf("%w: accrued points must be positive", ErrInvalidInput)
	}
	now := service.nowFn()
	return service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		document, err := transactionStore.LoadLedger(ctx, acting.ID)
		if errors.Is(err, ErrNotFound) {
			document = LedgerDocument{UserID: acting.ID, Entries: Ledger{}}
			document.Entries[DateKeyFor(now)] = LedgerEntry{
				Points:         points,
				ExpirationDays: service.expirationDays,
				AddedAt:        now,
				Usable:         true,
			}
			document.Aggregates = recomputeAggregates(Aggregates{}, document.Entries, now)
			return transactionStore.CreateLedger(ctx, document)
		}
		if err != nil {
			return err
		}
		entries := document.Entries.Clone()
		key := DateKeyFor(now)
		if existing, ok := entries[key]; ok && existing.Usable {
			existing.Points += points
			entries[key] = existing
		} else {
			entries[key] = LedgerEntry{
				Points:         points,
				ExpirationDays: service.expirationDays,
				AddedAt:        now,
				Usable:         true,
			}
		}
		document.Entries = entries
		document.Aggregates = recomputeAggregates(document.Aggregates, entries, now)
		return transactionStore.SaveLedger(ctx, document)
	})
}

// SeedLedgerIfAbsent creates a ledger from an externally supplied lifetime
// balance for a user with no history. Deliberate migration step: reads
// never seed, and seeding an existing ledger is a no-op. Returns whether a
// ledger was created.
func (service *Service) SeedLedgerIfAbsent(ctx context.Context, acting ActingUser, userID UserID, points float64) (bool, error) {
	created, operationError := service.seedLedgerIfAbsent(ctx, userID, points)
	service.logActivity(ctx, ActivityRecord{
		Operation: operationSeed,
		Acting:    acting,
		UserID:    userID,
		Amount:    points,
		Error:     operationError,
	})
	return created, operationError
}

func (service *Service) seedLedgerIfAbsent(ctx context.Context, userID UserID, points float64) (bool, error) {
	if points < 0 {
		return false, fmt.Errorf("%w: seed points must not be negative", ErrInvalidInput)
	}
	now := service.nowFn()
	created := false
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		_, loadErr := transactionStore.LoadLedger(ctx, userID)
		if loadErr == nil {
			return nil
		}
		if !errors.Is(loadErr, ErrNotFound) {
			return loadErr
		}
		document := LedgerDocument{UserID: userID, Entries: Ledger{}}
		if points > 0 {
			document.Entries[DateKeyFor(now)] = LedgerEntry{
				Points:         points,
				ExpirationDays: service.expirationDays,
				AddedAt:        now,
				Usable:         true,
			}
		}
		document.Aggregates = recomputeAggregates(Aggregates{}, document.Entries, now)
		if createErr := transactionStore.CreateLedger(ctx, document); createErr != nil {
			return createErr
		}
		created = true
		return nil
	})
	return created, err
}

// SweepAll flags expired entries unusable across every ledger. Each user
// is committed independently; a conflicting write on one user is left for
// the next run, which makes the pass idempotent and self-healing. Sweeps
// only narrow usability, never restore it.
func (service *Service) SweepAll(ctx context.Context, now time.Time) (SweepReport, error) {
	report := SweepReport{}
	userIDs, err := service.store.ListLedgerUserIDs(ctx)
	if err != nil {
		return report, err
	}
	for _, userID := range userIDs {
		report.UsersScanned++
		swept, sweepErr := service.sweepUser(ctx, userID, now)
		if errors.Is(sweepErr, ErrConcurrencyConflict) || errors.Is(sweepErr, ErrNotFound) {
			continue
		}
		if sweepErr != nil {
			return report, sweepErr
		}
		if swept {
			report.UsersSwept++
		}
	}
	service.logActivity(ctx, ActivityRecord{
		Operation: operationSweep,
		Amount:    float64(report.UsersSwept),
		Status:    operationStatusOK,
	})
	return report, nil
}

func (service *Service) sweepUser(ctx context.Context, userID UserID, now time.Time) (bool, error) {
	changed := false
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		document, loadErr := transactionStore.LoadLedger(ctx, userID)
		if loadErr != nil {
			return loadErr
		}
		swept, sweptChanged := SweepLedger(document.Entries, now)
		if !sweptChanged {
			return nil
		}
		document.Entries = swept
		document.Aggregates = recomputeAggregates(document.Aggregates, swept, now)
		if saveErr := transactionStore.SaveLedger(ctx, document); saveErr != nil {
			return saveErr
		}
		changed = true
		return nil
	})
	return changed, err
}

// ExpireAllUserPoints flags every entry of the user's ledger unusable.
// Admin maintenance operation.
func (service *Service) ExpireAllUserPoints(ctx context.Context, acting ActingUser, userID UserID) error {
	now := service.nowFn()
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		document, err := transactionStore.LoadLedger(ctx, userID)
		if err != nil {
			return err
		}
		entries := document.Entries.Clone()
		changed := false
		for key, entry := range entries {
			if entry.Usable {
				entry.Usable = false
				entries[key] = entry
				changed = true
			}
		}
		if !changed {
			return nil
		}
		document.Entries = entries
		document.Aggregates = recomputeAggregates(document.Aggregates, entries, now)
		return transactionStore.SaveLedger(ctx, document)
	})
	service.logActivity(ctx, ActivityRecord{
		Operation: operationExpireAll,
		Acting:    acting,
		UserID:    userID,
		Error:     operationError,
	})
	return operationError
}

// ResetOldestEntryExpiration restarts the expiration window of the oldest
// entry: its clock starts over at now and it becomes usable again while it
// still holds points. Admin maintenance operation.
func (service *Service) ResetOldestEntryExpiration(ctx context.Context, acting ActingUser, userID UserID) error {
	now := service.nowFn()
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		document, err := transactionStore.LoadLedger(ctx, userID)
		if err != nil {
			return err
		}
		keys := document.Entries.SortedKeys()
		if len(keys) == 0 {
			return fmt.Errorf("%w: ledger has no entries", ErrNotFound)
		}
		entries := document.Entries.Clone()
		oldest := entries[keys[0]]
		oldest.AddedAt = now
		oldest.Usable = oldest.Points > 0
		entries[keys[0]] = oldest
		document.Entries = entries
		document.Aggregates = recomputeAggregates(document.Aggregates, entries, now)
		return transactionStore.SaveLedger(ctx, document)
	})
	service.logActivity(ctx, ActivityRecord{
		Operation: operationResetOldest,
		Acting:    acting,
		UserID:    userID,
		Error:     operationError,
	})
	return operationError
}

func (service *Service) logActivity(ctx context.Context, record ActivityRecord) {
	if service.activity == nil {
		return
	}
	if record.Status == "" {
		if record.Error != nil {
			record.Status = operationStatusError
		} else {
			record.Status = operationStatusOK
		}
	}
	service.activity.LogActivity(ctx, record)
}
