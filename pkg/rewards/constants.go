package rewards

const (
	operationAccrue      = "accrue"
	operationPurchase    = "purchase"
	operationUseVoucher  = "use_voucher"
	operationSweep       = "sweep"
	operationSeed        = "seed_ledger"
	operationExpireAll   = "expire_all"
	operationResetOldest = "reset_oldest"
	operationCreate      = "create_product"
	operationUpdate      = "update_product"
	operationDelete      = "delete_product"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// DefaultExpirationDays is the policy validity window for new entries.
	DefaultExpirationDays = 90

	// purchaseMaxAttempts bounds transparent retries on store conflicts.
	purchaseMaxAttempts = 3
)
