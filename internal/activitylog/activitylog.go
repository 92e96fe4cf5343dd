// Package activitylog adapts the engine's activity sink onto zap.
// Logging is best effort: nothing here can fail a ledger operation.
package activitylog

import (
	"context"

	"github.com/MarkoPoloResearchLab/rewards/pkg/rewards"
	"go.uber.org/zap"
)

// Logger writes activity records as structured log lines.
type Logger struct {
	logger *zap.Logger
}

// New returns a Logger over the supplied zap logger.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger}
}

// LogActivity implements rewards.ActivityLogger.
func (activity *Logger) LogActivity(_ context.Context, record rewards.ActivityRecord) {
	fields := []zap.Field{
		zap.String("operation", record.Operation),
		zap.String("status", record.Status),
	}
	if record.Acting.ID.String() != "" {
		fields = append(fields, zap.String("acting_user", record.Acting.ID.String()))
	}
	if record.UserID.String() != "" {
		fields = append(fields, zap.String("user_id", record.UserID.String()))
	}
	if record.ProductID.String() != "" {
		fields = append(fields, zap.String("product_id", record.ProductID.String()))
	}
	if record.VoucherID.String() != "" {
		fields = append(fields, zap.String("voucher_id", record.VoucherID.String()))
	}
	if record.Amount != 0 {
		fields = append(fields, zap.Float64("amount", record.Amount))
	}
	if record.Error != nil {
		fields = append(fields, zap.Error(record.Error))
		activity.logger.Warn("engine operation failed", fields...)
		return
	}
	activity.logger.Info("engine operation", fields...)
}

var _ rewards.ActivityLogger = (*Logger)(nil)
